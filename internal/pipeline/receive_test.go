package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/prekey"
	"github.com/jaydenbeard/zina-ratchet/internal/provisioning"
	"github.com/jaydenbeard/zina-ratchet/internal/ratchet"
	"github.com/jaydenbeard/zina-ratchet/internal/store"
	"github.com/jaydenbeard/zina-ratchet/internal/transport"
	"github.com/jaydenbeard/zina-ratchet/internal/wire"
)

// memStore is a map-backed ConversationStore for tests; production uses
// internal/store's SQLite-backed Store.
type memStore struct {
	convs   map[string]*ratchet.Conversation
	hashes  map[[32]byte]bool
	raw     map[int64][]byte
	rawSeq  int64
	temp    map[int64]*store.TempPlaintextRecord
	tempSeq int64
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]*ratchet.Conversation),
		hashes: make(map[[32]byte]bool),
		raw:    make(map[int64][]byte),
		temp:   make(map[int64]*store.TempPlaintextRecord),
	}
}

func convKey(localUser, peer, device string) string { return localUser + "|" + peer + "|" + device }

func (m *memStore) LoadConversation(ctx context.Context, localUser, peer, device string) (*ratchet.Conversation, error) {
	return m.convs[convKey(localUser, peer, device)], nil
}

func (m *memStore) StoreConversation(ctx context.Context, conv *ratchet.Conversation) error {
	m.convs[convKey(conv.LocalUser, conv.RemoteUser, conv.RemoteDevice)] = conv
	return nil
}

func (m *memStore) HasMessageHash(ctx context.Context, hash [32]byte) (bool, error) {
	return m.hashes[hash], nil
}

func (m *memStore) InsertMessageHash(ctx context.Context, hash [32]byte) error {
	m.hashes[hash] = true
	return nil
}

func (m *memStore) InsertRawData(ctx context.Context, payload []byte, metadata string) (int64, error) {
	m.rawSeq++
	m.raw[m.rawSeq] = payload
	return m.rawSeq, nil
}

func (m *memStore) DeleteRawData(ctx context.Context, seq int64) error {
	delete(m.raw, seq)
	return nil
}

func (m *memStore) LoadPendingRawData(ctx context.Context) ([]*store.RawDataRecord, error) {
	var out []*store.RawDataRecord
	for seq, payload := range m.raw {
		out = append(out, &store.RawDataRecord{Seq: seq, Payload: payload})
	}
	return out, nil
}

func (m *memStore) InsertTempPlaintext(ctx context.Context, descriptor, supplement []byte, msgType uint32) (int64, error) {
	m.tempSeq++
	m.temp[m.tempSeq] = &store.TempPlaintextRecord{Seq: m.tempSeq, Descriptor: descriptor, Supplement: supplement, MsgType: msgType}
	return m.tempSeq, nil
}

func (m *memStore) DeleteTempPlaintext(ctx context.Context, seq int64) error {
	delete(m.temp, seq)
	return nil
}

func (m *memStore) LoadPendingTempPlaintext(ctx context.Context) ([]*store.TempPlaintextRecord, error) {
	var out []*store.TempPlaintextRecord
	for _, rec := range m.temp {
		out = append(out, rec)
	}
	return out, nil
}

// CommitReceived mirrors store.Store.CommitReceived's combined effect; an
// in-memory map has no partial-failure mode to guard against, so this simply
// performs the same four updates the real transaction wraps.
func (m *memStore) CommitReceived(ctx context.Context, hash [32]byte, conv *ratchet.Conversation, descriptor, supplement []byte, msgType uint32, rawSeq int64) (int64, error) {
	m.hashes[hash] = true
	m.convs[convKey(conv.LocalUser, conv.RemoteUser, conv.RemoteDevice)] = conv
	m.tempSeq++
	m.temp[m.tempSeq] = &store.TempPlaintextRecord{Seq: m.tempSeq, Descriptor: descriptor, Supplement: supplement, MsgType: msgType}
	delete(m.raw, rawSeq)
	return m.tempSeq, nil
}

// memStagedKeyStore is a map-backed ratchet.StagedKeyStore for tests.
type memStagedKeyStore struct {
	keys map[[32]byte]*ratchet.StagedKey
}

func newMemStagedStore() *memStagedKeyStore {
	return &memStagedKeyStore{keys: make(map[[32]byte]*ratchet.StagedKey)}
}

func (m *memStagedKeyStore) Stage(ctx context.Context, localUser, peer, device string, key *ratchet.StagedKey) error {
	m.keys[key.Selector] = key
	return nil
}

func (m *memStagedKeyStore) Candidates(ctx context.Context, localUser, peer, device string) ([]*ratchet.StagedKey, error) {
	out := make([]*ratchet.StagedKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out, nil
}

func (m *memStagedKeyStore) Remove(ctx context.Context, localUser, peer, device string, selector [32]byte) error {
	delete(m.keys, selector)
	return nil
}

type memPreKeys struct {
	keys map[uint32]*prekey.PreKey
}

func (m *memPreKeys) Consume(ctx context.Context, id uint32) (*prekey.PreKey, error) {
	pk, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	delete(m.keys, id)
	return pk, nil
}

type memProvisioning struct {
	identities map[string]*curve25519.PublicKey
	bundles    map[string]*provisioning.Bundle
	devices    map[string][]provisioning.Device
}

func (m *memProvisioning) GetPreKeyBundle(ctx context.Context, userID, deviceID string) (*provisioning.Bundle, error) {
	bundle, ok := m.bundles[userID+"|"+deviceID]
	if !ok {
		return nil, errs.New(errs.NoPreKeyFound, "memProvisioning: no bundle staged")
	}
	return bundle, nil
}

func (m *memProvisioning) GetDevices(ctx context.Context, userID string) ([]provisioning.Device, error) {
	return m.devices[userID], nil
}

func (m *memProvisioning) GetIdentity(ctx context.Context, userID, deviceID string) (*curve25519.PublicKey, error) {
	return m.identities[userID+"|"+deviceID], nil
}

// countingCallbacks counts how many times Receive actually delivers a message,
// to assert that a replayed duplicate frame never reaches the application.
type countingCallbacks struct {
	delivered   int
	lastMessage string
}

func (c *countingCallbacks) Receive(ctx context.Context, descriptor *MessageDescriptor, attachmentDescr, attributes []byte) (int, error) {
	c.delivered++
	c.lastMessage = descriptor.Message
	return int(errs.OK), nil
}

func (c *countingCallbacks) StateReport(ctx context.Context, transportID transport.TransportID, errorCode int, details *ErrorDetails) {
}

// buildFrame constructs a valid ZINA frame from a Bob pre-key bundle and one
// plaintext, as a fresh session's very first message would arrive on the wire.
func buildFrame(t *testing.T, aliceIdentity *curve25519.KeyPair, bobIdentity, bobPreKey *curve25519.KeyPair, preKeyID uint32, plaintext []byte) []byte {
	t.Helper()
	conv := ratchet.NewSession("bob", "alice", "aliceDevice1", aliceIdentity)
	require.NoError(t, ratchet.InitAlicePreKey(conv, &bobIdentity.Public, &bobPreKey.Public, preKeyID))

	msg, supplementCipher, err := conv.Encrypt(plaintext, nil)
	require.NoError(t, err)
	_ = supplementCipher

	supplement := make([]byte, 4)
	supplement[0] = byte(preKeyID >> 24)
	supplement[1] = byte(preKeyID >> 16)
	supplement[2] = byte(preKeyID >> 8)
	supplement[3] = byte(preKeyID)

	env := &wire.Envelope{
		Name:        "alice",
		ClientDevID: "aliceDevice1",
		Supplement:  supplement,
		Message:     msg,
		MsgID:       uuid.Must(uuid.NewUUID()).String(),
	}
	frame, err := env.Marshal()
	require.NoError(t, err)
	return frame
}

// TestS4DuplicateSuppression covers spec.md §8 S4: the same raw frame
// delivered twice must only be decrypted and delivered once.
func TestS4DuplicateSuppression(t *testing.T) {
	aliceIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobPreKeyPair, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	frame := buildFrame(t, aliceIdentity, bobIdentity, bobPreKeyPair, 42, []byte("hello bob"))

	callbacks := &countingCallbacks{}
	p := &ReceivePipeline{
		LocalUser:    "bob",
		Store:        newMemStore(),
		Staged:       newMemStagedStore(),
		PreKeys:      &memPreKeys{keys: map[uint32]*prekey.PreKey{42: {ID: 42, Pair: *bobPreKeyPair}}},
		Provisioning: &memProvisioning{identities: map[string]*curve25519.PublicKey{"alice|aliceDevice1": &aliceIdentity.Public}},
		Identity:     bobIdentity,
		Callbacks:    callbacks,
	}

	ctx := context.Background()
	require.NoError(t, p.HandleRawFrame(ctx, frame))
	require.Equal(t, 1, callbacks.delivered)

	// Replaying the identical frame (e.g. transport-layer retry) must be a
	// silent no-op: no second decrypt, no second delivery.
	require.NoError(t, p.HandleRawFrame(ctx, frame))
	require.Equal(t, 1, callbacks.delivered)
}

// TestS4DuplicateSuppressionAcrossStagedSeq exercises the same scenario but
// via ReplayRaw, the path the startup CheckForRetry sweep uses, to confirm it
// shares the same dedup guard as a fresh HandleRawFrame call.
func TestS4DuplicateSuppressionAcrossStagedSeq(t *testing.T) {
	aliceIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobPreKeyPair, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	frame := buildFrame(t, aliceIdentity, bobIdentity, bobPreKeyPair, 7, []byte("hi"))

	callbacks := &countingCallbacks{}
	s := newMemStore()
	p := &ReceivePipeline{
		LocalUser:    "bob",
		Store:        s,
		Staged:       newMemStagedStore(),
		PreKeys:      &memPreKeys{keys: map[uint32]*prekey.PreKey{7: {ID: 7, Pair: *bobPreKeyPair}}},
		Provisioning: &memProvisioning{identities: map[string]*curve25519.PublicKey{"alice|aliceDevice1": &aliceIdentity.Public}},
		Identity:     bobIdentity,
		Callbacks:    callbacks,
	}

	ctx := context.Background()
	require.NoError(t, p.HandleRawFrame(ctx, frame))
	require.Equal(t, 1, callbacks.delivered)

	require.NoError(t, p.ReplayRaw(ctx, 999, frame))
	require.Equal(t, 1, callbacks.delivered)
}
