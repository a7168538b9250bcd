// Collaborator interfaces consumed by the pipelines (spec.md §6.5), injected
// at construction per SPEC_FULL §9's "capability traits" design note.
package pipeline

import (
	"context"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/prekey"
	"github.com/jaydenbeard/zina-ratchet/internal/provisioning"
	"github.com/jaydenbeard/zina-ratchet/internal/ratchet"
	"github.com/jaydenbeard/zina-ratchet/internal/store"
	"github.com/jaydenbeard/zina-ratchet/internal/transport"
)

// ConversationStore is the subset of store.Store the pipelines need for
// session persistence and crash-safe receive staging.
type ConversationStore interface {
	LoadConversation(ctx context.Context, localUser, peer, device string) (*ratchet.Conversation, error)
	StoreConversation(ctx context.Context, conv *ratchet.Conversation) error

	HasMessageHash(ctx context.Context, hash [32]byte) (bool, error)
	InsertMessageHash(ctx context.Context, hash [32]byte) error

	InsertRawData(ctx context.Context, payload []byte, metadata string) (int64, error)
	DeleteRawData(ctx context.Context, seq int64) error
	LoadPendingRawData(ctx context.Context) ([]*store.RawDataRecord, error)

	InsertTempPlaintext(ctx context.Context, descriptor, supplement []byte, msgType uint32) (int64, error)
	DeleteTempPlaintext(ctx context.Context, seq int64) error
	LoadPendingTempPlaintext(ctx context.Context) ([]*store.TempPlaintextRecord, error)

	// CommitReceived atomically performs the hash-insert/conversation-store/
	// temp-plaintext-stage/raw-delete sequence of spec.md §4.6 step 7 as one
	// transaction, returning the staged temp-plaintext seq.
	CommitReceived(ctx context.Context, hash [32]byte, conv *ratchet.Conversation, descriptor, supplement []byte, msgType uint32, rawSeq int64) (tempSeq int64, err error)
}

// PreKeyConsumer is the receive-side pre-key lookup/consumption the Bob-role
// initiation of spec.md §4.3.2 needs.
type PreKeyConsumer interface {
	Consume(ctx context.Context, id uint32) (*prekey.PreKey, error)
}

// ProvisioningClient is the §6.5 Provisioning collaborator.
type ProvisioningClient interface {
	GetPreKeyBundle(ctx context.Context, userID, deviceID string) (*provisioning.Bundle, error)
	GetDevices(ctx context.Context, userID string) ([]provisioning.Device, error)
	GetIdentity(ctx context.Context, userID, deviceID string) (*curve25519.PublicKey, error)
}

// TransportSender is the §6.5 Transport collaborator.
type TransportSender interface {
	Send(ctx context.Context, recipient string, devices []transport.Device) ([]transport.TransportID, error)
}

// MessageDescriptor is the app-level view of a decrypted or to-be-sent
// message, serialized as msgDescriptorJson in the app callback contract.
type MessageDescriptor struct {
	Name         string `json:"name"`
	ScClientDevID string `json:"scClientDevId"`
	MsgID        string `json:"msgId"`
	Message      string `json:"message"`
}

// ErrorDetails is the structured diagnostic object spec.md §7 requires the
// receive pipeline to hand to stateReport on decryption failure.
type ErrorDetails struct {
	Name            string `json:"name"`
	ScClientDevID   string `json:"scClientDevId"`
	MsgID           string `json:"msgId"`
	ErrorCode       int    `json:"errorCode"`
	SentToID        string `json:"sentToId,omitempty"`
	CipherTextHexPfx string `json:"cipherTextHexPrefix,omitempty"`
}

// AppCallbacks is the §6.5 "App callbacks" collaborator.
type AppCallbacks interface {
	Receive(ctx context.Context, descriptor *MessageDescriptor, attachmentDescr, attributes []byte) (int, error)
	StateReport(ctx context.Context, transportID transport.TransportID, errorCode int, details *ErrorDetails)
}
