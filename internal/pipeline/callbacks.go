package pipeline

import (
	"context"
	"log"

	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/transport"
)

// LogCallbacks is a minimal AppCallbacks implementation that logs delivered
// plaintext and state reports instead of handing them to a UI layer. zinad
// uses it as its default app integration; a real client app would replace it
// with one that appends to a local conversation store.
type LogCallbacks struct{}

func (LogCallbacks) Receive(ctx context.Context, descriptor *MessageDescriptor, attachmentDescr, attributes []byte) (int, error) {
	log.Printf("[App] received message from %s/%s (msgId=%s): %q", descriptor.Name, descriptor.ScClientDevID, descriptor.MsgID, descriptor.Message)
	return int(errs.OK), nil
}

func (LogCallbacks) StateReport(ctx context.Context, transportID transport.TransportID, errorCode int, details *ErrorDetails) {
	if details == nil {
		log.Printf("[App] state report: transportId=%d code=%d", transportID, errorCode)
		return
	}
	log.Printf("[App] state report: transportId=%d code=%d name=%s device=%s msgId=%s",
		transportID, errorCode, details.Name, details.ScClientDevID, details.MsgID)
}
