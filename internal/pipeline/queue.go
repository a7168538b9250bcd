// Pending-event run queue (C11): a single cooperative processor drains
// CmdQueueInfo items of kinds {SendMessage, ReceivedRawData, ReceivedTempMsg,
// CheckForRetry}. Only this processor mutates conversations, serializing all
// ratchet state changes for a given local user. Grounded directly on the
// teacher's internal/queue/message_queue.go (Redis Streams XAdd/XReadGroup/
// XAck) and on interfaceApp/QueueHandling.cpp's single-queue dispatch model.
package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/metrics"
)

// CmdKind is the kind of a queued unit of work, per spec.md §4.8.
type CmdKind string

const (
	CmdSendMessage     CmdKind = "SendMessage"
	CmdReceivedRawData CmdKind = "ReceivedRawData"
	CmdReceivedTempMsg CmdKind = "ReceivedTempMsg"
	CmdCheckForRetry   CmdKind = "CheckForRetry"
)

// CmdQueueInfo is one unit of work the processor dequeues and dispatches.
type CmdQueueInfo struct {
	Kind      CmdKind `json:"kind"`
	LocalUser string  `json:"localUser"`
	// RawSeq/TempSeq reference a store.RawDataRecord/TempPlaintextRecord by
	// sequence number for the Received* kinds; SendDescriptor carries an
	// outbound message descriptor for CmdSendMessage.
	RawSeq         int64           `json:"rawSeq,omitempty"`
	TempSeq        int64           `json:"tempSeq,omitempty"`
	SendDescriptor json.RawMessage `json:"sendDescriptor,omitempty"`
}

// RunQueue is the Redis Streams-backed transport for CmdQueueInfo items, one
// stream per local user so each user's mutations stay strictly ordered
// without serializing across users.
type RunQueue struct {
	client *redis.Client
}

func NewRunQueue(client *redis.Client) *RunQueue {
	return &RunQueue{client: client}
}

func streamKey(localUser string) string {
	return "zina:runqueue:" + localUser
}

// Enqueue appends item to localUser's stream.
func (q *RunQueue) Enqueue(ctx context.Context, item *CmdQueueInfo) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errs.Wrap(errs.GenericError, "pipeline: encode queue item", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(item.LocalUser),
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return errs.Wrap(errs.NetworkError, "pipeline: enqueue", err)
	}
	return nil
}

// Handler processes one dequeued item. A non-nil error leaves the item
// un-acked so it is redelivered on the next sweep.
type Handler func(ctx context.Context, item *CmdQueueInfo) error

// Consume runs a single-threaded cooperative consumer loop over localUser's
// stream until ctx is canceled, matching the "at-most-one in-flight ratchet
// mutation per session" contract of spec.md §5 by processing one message at
// a time within this goroutine.
func (q *RunQueue) Consume(ctx context.Context, localUser, consumerGroup, consumerName string, handle Handler) {
	stream := streamKey(localUser)
	if err := q.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "$").Err(); err != nil {
		// BUSYGROUP means the group already exists; anything else is logged and retried.
		if err.Error() != "BUSYGROUP Consumer Group name already exists" {
			log.Printf("[RunQueue] create group for %s: %v", localUser, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if n, err := q.Len(ctx, localUser); err == nil {
			metrics.RunQueueDepth.WithLabelValues(localUser).Set(float64(n))
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				log.Printf("[RunQueue] read group for %s: %v", localUser, err)
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				raw, _ := msg.Values["data"].(string)
				var item CmdQueueInfo
				if err := json.Unmarshal([]byte(raw), &item); err != nil {
					log.Printf("[RunQueue] decode item %s: %v", msg.ID, err)
					q.client.XAck(ctx, stream, consumerGroup, msg.ID)
					continue
				}
				start := time.Now()
				err := handle(ctx, &item)
				metrics.RunQueueHandleLatency.WithLabelValues(string(item.Kind)).Observe(time.Since(start).Seconds())
				if err != nil {
					log.Printf("[RunQueue] handle %s item %s: %v", item.Kind, msg.ID, err)
					continue
				}
				if err := q.client.XAck(ctx, stream, consumerGroup, msg.ID).Err(); err != nil {
					log.Printf("[RunQueue] ack %s: %v", msg.ID, err)
				}
			}
		}
	}
}

// Len reports the stream length, used for queue-depth metrics.
func (q *RunQueue) Len(ctx context.Context, localUser string) (int64, error) {
	n, err := q.client.XLen(ctx, streamKey(localUser)).Result()
	if err != nil {
		return 0, errs.Wrap(errs.NetworkError, "pipeline: queue length", err)
	}
	return n, nil
}
