// Send pipeline (C10): device fan-out, session establishment on first
// contact, per-device encrypt, envelope framing, and transport dispatch.
// Grounded on spec.md §4.7 and on interfaceApp/SendMessage.cpp's fan-out
// over getDevices()/getPreKeyBundle().
package pipeline

import (
	"context"
	"encoding/binary"
	"log"

	"github.com/google/uuid"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/metrics"
	"github.com/jaydenbeard/zina-ratchet/internal/ratchet"
	"github.com/jaydenbeard/zina-ratchet/internal/transport"
	"github.com/jaydenbeard/zina-ratchet/internal/wire"
)

// SendPipeline implements C10.
type SendPipeline struct {
	LocalUser string

	Store        ConversationStore
	Provisioning ProvisioningClient
	Transport    TransportSender
	Identity     *curve25519.KeyPair
}

// DeliveryResult reports the outcome of fanning one message out to a single
// recipient device.
type DeliveryResult struct {
	DeviceID    string
	TransportID transport.TransportID
	Err         error
}

// Send implements spec.md §4.7: it enumerates recipient's devices, excludes
// the caller's own sending device for a send-to-self fan-out, establishes a
// session with any device not yet seen, encrypts independently per device
// (each device advances its own ratchet), and dispatches through Transport.
func (p *SendPipeline) Send(ctx context.Context, recipient, localDeviceID string, plaintext, supplement []byte, msgType wire.MsgType) ([]DeliveryResult, error) {
	devices, err := p.Provisioning.GetDevices(ctx, recipient)
	if err != nil {
		return nil, err
	}

	var results []DeliveryResult
	var wireDevices []transport.Device
	var perDeviceID []string

	for _, dev := range devices {
		if recipient == p.LocalUser && dev.ID == localDeviceID {
			continue // never deliver to the sending device itself
		}

		msgID, err := uuid.NewUUID()
		if err != nil {
			results = append(results, DeliveryResult{DeviceID: dev.ID, Err: errs.Wrap(errs.GenericError, "pipeline: generate msgId", err)})
			continue
		}

		conv, supp, message, err := p.encryptFor(ctx, recipient, dev.ID, plaintext, supplement)
		if err != nil {
			metrics.RecordSent("error")
			results = append(results, DeliveryResult{DeviceID: dev.ID, Err: err})
			continue
		}
		metrics.EncryptTotal.Inc()

		recvIDHash, senderIDHash := conv.IdentityHashes()
		env := &wire.Envelope{
			Name:         p.LocalUser,
			ClientDevID:  localDeviceID,
			Supplement:   supp,
			Message:      message,
			MsgID:        msgID.String(),
			MsgType:      msgType,
			RecvIDHash:   recvIDHash,
			SenderIDHash: senderIDHash,
		}
		raw, err := env.Marshal()
		if err != nil {
			results = append(results, DeliveryResult{DeviceID: dev.ID, Err: err})
			continue
		}

		if err := p.Store.StoreConversation(ctx, conv); err != nil {
			results = append(results, DeliveryResult{DeviceID: dev.ID, Err: err})
			continue
		}

		wireDevices = append(wireDevices, transport.Device{
			DeviceID:   dev.ID,
			PayloadB64: wire.EncodeTransport(raw),
			MsgTypeTag: byte(msgType & 0x0f),
		})
		perDeviceID = append(perDeviceID, dev.ID)
	}

	if len(wireDevices) == 0 {
		return results, nil
	}

	ids, sendErr := p.Transport.Send(ctx, recipient, wireDevices)
	for i, id := range ids {
		results = append(results, DeliveryResult{DeviceID: perDeviceID[i], TransportID: id})
		metrics.RecordSent("delivered")
	}
	if sendErr != nil {
		metrics.RecordSent("queued")
		log.Printf("[Send] one or more deliveries to %s failed: %v", recipient, sendErr)
	}
	return results, nil
}

// encryptFor loads or establishes the session for (recipient, device),
// performing Alice-role pre-key initiation on first contact, then encrypts
// plaintext/supplement under it. On first contact the consumed pre-key id is
// prefixed in the clear onto the returned envelope supplement, ahead of the
// encrypted supplement ciphertext, so the peer's receive pipeline can read it
// back as a plain uint32 in maybeInitFromPreKey before any session exists to
// decrypt anything with.
func (p *SendPipeline) encryptFor(ctx context.Context, recipient, deviceID string, plaintext, supplement []byte) (*ratchet.Conversation, []byte, []byte, error) {
	conv, err := p.Store.LoadConversation(ctx, p.LocalUser, recipient, deviceID)
	if err != nil {
		return nil, nil, nil, err
	}

	firstContact := conv == nil
	if firstContact {
		conv = ratchet.NewSession(p.LocalUser, recipient, deviceID, p.Identity)
	}

	var preKeyPrefix []byte
	if firstContact {
		bundle, err := p.Provisioning.GetPreKeyBundle(ctx, recipient, deviceID)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := ratchet.InitAlicePreKey(conv, &bundle.IdentityPub, &bundle.PreKeyPub, bundle.PreKeyID); err != nil {
			return nil, nil, nil, err
		}
		preKeyPrefix = make([]byte, 4)
		binary.BigEndian.PutUint32(preKeyPrefix, bundle.PreKeyID)
	}

	message, supplementCipher, err := conv.Encrypt(plaintext, supplement)
	if err != nil {
		return nil, nil, nil, err
	}
	envelopeSupplement := append(preKeyPrefix, supplementCipher...)
	return conv, envelopeSupplement, message, nil
}
