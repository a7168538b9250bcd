package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/prekey"
	"github.com/jaydenbeard/zina-ratchet/internal/provisioning"
	"github.com/jaydenbeard/zina-ratchet/internal/transport"
	"github.com/jaydenbeard/zina-ratchet/internal/wire"
)

// capturingTransport stands in for the WebSocket hub: it records the framed
// payload handed to it per device instead of putting anything on a wire.
type capturingTransport struct {
	seq      uint64
	captured map[string]string // deviceID -> base64 payload
}

func newCapturingTransport() *capturingTransport {
	return &capturingTransport{captured: make(map[string]string)}
}

func (t *capturingTransport) Send(ctx context.Context, recipient string, devices []transport.Device) ([]transport.TransportID, error) {
	ids := make([]transport.TransportID, 0, len(devices))
	for _, d := range devices {
		t.captured[d.DeviceID] = d.PayloadB64
		t.seq++
		ids = append(ids, transport.TransportID(t.seq))
	}
	return ids, nil
}

// TestS1SendReceiveFirstContact drives spec.md §8 S1 end to end through the
// real pipelines: SendPipeline.Send establishes the Alice-role session and
// frames the envelope, and ReceivePipeline.HandleRawFrame on the other side
// must recover the pre-key id from the plaintext envelope prefix and decrypt
// the first message. This is the regression test for encryptFor's supplement
// framing: a naive implementation that encrypts the pre-key-id prefix along
// with the supplement breaks this at the very first hop.
func TestS1SendReceiveFirstContact(t *testing.T) {
	aliceIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobPreKeyPair, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	xport := newCapturingTransport()
	sendProv := &memProvisioning{
		devices: map[string][]provisioning.Device{
			"bob": {{ID: "bobDevice1", Name: "Bob's Phone"}},
		},
		bundles: map[string]*provisioning.Bundle{
			"bob|bobDevice1": {
				PreKeyID:    9001,
				IdentityPub: bobIdentity.Public,
				PreKeyPub:   bobPreKeyPair.Public,
			},
		},
	}
	send := &SendPipeline{
		LocalUser:    "alice",
		Store:        newMemStore(),
		Provisioning: sendProv,
		Transport:    xport,
		Identity:     aliceIdentity,
	}

	results, err := send.Send(context.Background(), "bob", "aliceDevice1", []byte("hello bob"), nil, wire.MsgNormal)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	payloadB64, ok := xport.captured["bobDevice1"]
	require.True(t, ok, "transport should have received a framed payload for bobDevice1")
	frame, err := wire.DecodeTransport(payloadB64)
	require.NoError(t, err)

	callbacks := &countingCallbacks{}
	recv := &ReceivePipeline{
		LocalUser:    "bob",
		Store:        newMemStore(),
		Staged:       newMemStagedStore(),
		PreKeys:      &memPreKeys{keys: map[uint32]*prekey.PreKey{9001: {ID: 9001, Pair: *bobPreKeyPair}}},
		Provisioning: &memProvisioning{identities: map[string]*curve25519.PublicKey{"alice|aliceDevice1": &aliceIdentity.Public}},
		Identity:     bobIdentity,
		Callbacks:    callbacks,
	}

	require.NoError(t, recv.HandleRawFrame(context.Background(), frame))
	require.Equal(t, 1, callbacks.delivered)
	require.Equal(t, "hello bob", callbacks.lastMessage)
}
