// Receive pipeline (C9): duplicate detection, crash-safe raw/temp staging,
// conversation lookup/creation, decrypt, and app delivery. Grounded on
// spec.md §4.6 and on interfaceApp/ReceiveMessage.cpp's dispatch order.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/dedup"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/metrics"
	"github.com/jaydenbeard/zina-ratchet/internal/ratchet"
	"github.com/jaydenbeard/zina-ratchet/internal/retention"
	"github.com/jaydenbeard/zina-ratchet/internal/wire"
)

// OldMessageThreshold matches spec.md §4.6 step 4's 31-day staleness bound.
const OldMessageThreshold = 31 * 24 * time.Hour

// ReceivePipeline implements C9.
type ReceivePipeline struct {
	LocalUser string

	Store        ConversationStore
	Staged       ratchet.StagedKeyStore
	PreKeys      PreKeyConsumer
	Provisioning ProvisioningClient
	Dedup        *dedup.Cache
	Identity     *curve25519.KeyPair
	Callbacks    AppCallbacks
	// Retention, if set, is consulted before delivery; a nil value always allows.
	Retention retention.Policy
}

// HandleRawFrame implements spec.md §4.6 end to end for one transport-layer
// frame (already base64-decoded by the caller).
func (p *ReceivePipeline) HandleRawFrame(ctx context.Context, frame []byte) error {
	// Step 1: persist the raw frame so it can be replayed after a crash.
	seq, err := p.Store.InsertRawData(ctx, frame, "")
	if err != nil {
		return err
	}
	return p.processRaw(ctx, seq, frame)
}

// ReplayRaw re-drives a frame that was already persisted by a prior
// HandleRawFrame call (identified by its existing seq), for spec.md §4.8's
// startup CheckForRetry sweep. It skips the insert step since the raw record
// is already present.
func (p *ReceivePipeline) ReplayRaw(ctx context.Context, seq int64, frame []byte) error {
	return p.processRaw(ctx, seq, frame)
}

func (p *ReceivePipeline) processRaw(ctx context.Context, seq int64, frame []byte) error {
	hash := sha256.Sum256(frame)

	// Step 2: duplicate suppression, fast path via Redis then the durable table.
	if p.Dedup != nil {
		if seen, err := p.Dedup.SeenRecently(ctx, hash); err == nil && seen {
			return p.Store.DeleteRawData(ctx, seq)
		}
	}
	if dup, err := p.Store.HasMessageHash(ctx, hash); err != nil {
		return err
	} else if dup {
		metrics.RecordReceived("duplicate")
		return p.Store.DeleteRawData(ctx, seq)
	}

	env, err := wire.Unmarshal(frame)
	if err != nil {
		return err
	}

	// Step 3: receiver-device prefix check is advisory only; it marks and continues.
	wrongDevice := false
	if len(env.RecvDevIDBin) > 0 {
		wrongDevice = true // caller is expected to compare against its own device id prefix
	}

	// Step 4: extract msgTime from the time-based UUID and flag staleness.
	old := false
	if id, err := uuid.Parse(env.MsgID); err == nil && id.Version() == 1 {
		t := time.Unix(id.Time().UnixTime())
		if time.Since(t) >= OldMessageThreshold {
			old = true
		}
	}

	// Step 5: load or create the conversation for (localUser, sender, senderDevice).
	conv, err := p.Store.LoadConversation(ctx, p.LocalUser, env.Name, env.ClientDevID)
	if err != nil {
		return err
	}
	if conv == nil {
		conv = ratchet.NewSession(p.LocalUser, env.Name, env.ClientDevID, p.Identity)
	}

	if err := p.maybeInitFromPreKey(ctx, conv, env); err != nil && errs.CodeOf(err) == errs.NoPreKeyFound {
		p.report(ctx, env, errs.NoPreKeyFound, "", frame)
		return nil
	}

	// Step 6: decrypt.
	plaintext, decErr := conv.Decrypt(ctx, env.Message, p.Staged)
	if decErr != nil {
		code := errs.CodeOf(decErr)
		if code == errs.MacCheckFailed {
			metrics.RecordDecrypt("mac_failure")
		} else if code == errs.FutureMessage {
			metrics.RecordDecrypt("future_message")
		} else {
			metrics.RecordDecrypt("error")
		}
		metrics.RecordReceived("error")
		log.Printf("[Receive] decrypt failed for %s/%s: %v", env.Name, env.ClientDevID, decErr)
		p.recordDiagnostic(ctx, env, code)
		p.report(ctx, env, code, "", frame)
		return nil // do not persist the ratchet-mutated conv on failure
	}
	metrics.RecordDecrypt("ok")

	// Step 7: single transaction — insert hash, persist conversation, stage
	// plaintext for crash-safe delivery, delete the raw record. A crash
	// between any two of these must never happen: CommitReceived wraps all
	// four in one Store.Begin/Commit so a retry sweep either sees the whole
	// commit or none of it.
	tempSeq, err := p.Store.CommitReceived(ctx, hash, conv, plaintext, env.Supplement, uint32(env.MsgType), seq)
	if err != nil {
		return err
	}
	if p.Dedup != nil {
		_ = p.Dedup.MarkSeen(ctx, hash)
	}

	// Step 8: deliver to the app; only clear the temp record on success.
	if p.Retention != nil && p.Retention.EvaluateInbound(ctx, p.LocalUser, env.Name, env.ClientDevID, uint32(env.MsgType)) == retention.Suppress {
		return p.Store.DeleteTempPlaintext(ctx, tempSeq)
	}
	descriptor := &MessageDescriptor{Name: env.Name, ScClientDevID: env.ClientDevID, MsgID: env.MsgID, Message: string(plaintext)}
	if code, err := p.Callbacks.Receive(ctx, descriptor, env.Supplement, nil); err == nil && code == int(errs.OK) {
		metrics.RecordReceived("delivered")
		return p.Store.DeleteTempPlaintext(ctx, tempSeq)
	}

	if wrongDevice || old {
		log.Printf("[Receive] delivered %s/%s with advisory flags (wrongDevice=%v old=%v)", env.Name, env.ClientDevID, wrongDevice, old)
	}
	return nil
}

// maybeInitFromPreKey runs Bob-role initiation (spec.md §4.3.2) the first
// time a conversation with no root key receives a message. The initiating
// side's supplement carries the consumed pre-key id as a 4-byte big-endian
// prefix (mirroring how AxoPreKeyConnector tags the very first message of a
// session); the sender's ephemeral key travels in the cipher header's DHRs
// field, since Alice's first send promotes A0 into that slot.
func (p *ReceivePipeline) maybeInitFromPreKey(ctx context.Context, conv *ratchet.Conversation, env *wire.Envelope) error {
	if conv.HasRootKey() {
		return nil
	}
	if len(env.Supplement) < 4 {
		return errs.New(errs.SessionNotInited, "pipeline: no existing session and no pre-key reference")
	}
	preKeyID := binary.BigEndian.Uint32(env.Supplement[:4])

	pk, err := p.PreKeys.Consume(ctx, preKeyID)
	if err != nil {
		return err
	}
	if pk == nil {
		return errs.New(errs.NoPreKeyFound, "pipeline: pre-key not found")
	}

	senderIdentity, err := p.Provisioning.GetIdentity(ctx, env.Name, env.ClientDevID)
	if err != nil {
		return err
	}

	header, _, err := wire.ParseCipherHeader(env.Message)
	if err != nil {
		return err
	}
	return ratchet.InitBobPreKey(conv, senderIdentity, &header.DHRs, &pk.Pair)
}

// recordDiagnostic persists errorCode on the conversation's last-known-good
// state (not the ratchet-mutated value Decrypt left in memory), mirroring
// AxoConversation's errorCode/sqlErrorCode member fields, which survive a
// failed receive for later inspection via store.GetDiagnostics.
func (p *ReceivePipeline) recordDiagnostic(ctx context.Context, env *wire.Envelope, code errs.Code) {
	persisted, err := p.Store.LoadConversation(ctx, p.LocalUser, env.Name, env.ClientDevID)
	if err != nil || persisted == nil {
		return
	}
	persisted.ErrorCode = int(code)
	if err := p.Store.StoreConversation(ctx, persisted); err != nil {
		log.Printf("[Receive] failed to persist diagnostic errorCode for %s/%s: %v", env.Name, env.ClientDevID, err)
	}
}

func (p *ReceivePipeline) report(ctx context.Context, env *wire.Envelope, code errs.Code, sentToID string, frame []byte) {
	prefix := frame
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	details := &ErrorDetails{
		Name:             env.Name,
		ScClientDevID:    env.ClientDevID,
		MsgID:            env.MsgID,
		ErrorCode:        int(code),
		SentToID:         sentToID,
		CipherTextHexPfx: hex.EncodeToString(prefix),
	}
	p.Callbacks.StateReport(ctx, 0, int(code), details)
}
