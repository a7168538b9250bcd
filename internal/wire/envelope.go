// Package wire implements the message envelope framing (C8): the tagged,
// extensible record carried between devices, and the fixed ciphertext header
// embedded in its "message" field. Field tags and the ciphertext header byte
// layout follow spec.md §6.1/§6.2 exactly; the tagged-field style mirrors the
// teacher's models.WebSocketMessage envelope (name/device/msgId/payload).
package wire

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

// Field tags, fixed by spec.md §6.1.
const (
	tagName          = 1
	tagClientDevID   = 2
	tagSupplement    = 3
	tagMessage       = 4
	tagMsgID         = 5
	tagMsgType       = 6
	tagRecvIDHash    = 7
	tagSenderIDHash  = 8
	tagRecvDevIDBin  = 9
)

// MsgType enumerates the values spec.md §6.1 assigns to tag 6.
type MsgType uint32

const (
	MsgNormal        MsgType = 0
	MsgCommand       MsgType = 1
	MsgGroupNormal   MsgType = 10
	MsgGroupCommand  MsgType = 11
)

// IDHashSize is the length of the optional sender/receiver identity hashes.
const IDHashSize = 4

// Envelope is the logical wire record of spec.md §6.1.
type Envelope struct {
	Name          string  // tag 1, required
	ClientDevID   string  // tag 2, required
	Supplement    []byte  // tag 3, optional
	Message       []byte  // tag 4, required (ciphertext header + body + MAC)
	MsgID         string  // tag 5, required, RFC 4122 time-based UUID
	MsgType       MsgType // tag 6, default MsgNormal
	RecvIDHash    []byte  // tag 7, optional, 4 bytes
	SenderIDHash  []byte  // tag 8, optional, 4 bytes
	RecvDevIDBin  []byte  // tag 9, optional, 4 bytes
}

func writeTag(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, value...)
	return buf
}

// Marshal serializes the envelope to its binary tagged form.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Name == "" || e.ClientDevID == "" || e.MsgID == "" || len(e.Message) == 0 {
		return nil, errs.New(errs.JSFieldMissing, "wire: missing required envelope field")
	}
	var buf []byte
	buf = writeTag(buf, tagName, []byte(e.Name))
	buf = writeTag(buf, tagClientDevID, []byte(e.ClientDevID))
	if len(e.Supplement) > 0 {
		buf = writeTag(buf, tagSupplement, e.Supplement)
	}
	buf = writeTag(buf, tagMessage, e.Message)
	buf = writeTag(buf, tagMsgID, []byte(e.MsgID))
	if e.MsgType != MsgNormal {
		var t [4]byte
		binary.BigEndian.PutUint32(t[:], uint32(e.MsgType))
		buf = writeTag(buf, tagMsgType, t[:])
	}
	if len(e.RecvIDHash) > 0 {
		buf = writeTag(buf, tagRecvIDHash, e.RecvIDHash)
	}
	if len(e.SenderIDHash) > 0 {
		buf = writeTag(buf, tagSenderIDHash, e.SenderIDHash)
	}
	if len(e.RecvDevIDBin) > 0 {
		buf = writeTag(buf, tagRecvDevIDBin, e.RecvDevIDBin)
	}
	return buf, nil
}

// Unmarshal parses the binary tagged form produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, errs.New(errs.CorruptData, "wire: truncated field header")
		}
		tag := data[0]
		length := binary.BigEndian.Uint32(data[1:5])
		data = data[5:]
		if uint32(len(data)) < length {
			return nil, errs.New(errs.CorruptData, "wire: truncated field value")
		}
		value := data[:length]
		data = data[length:]
		switch tag {
		case tagName:
			e.Name = string(value)
		case tagClientDevID:
			e.ClientDevID = string(value)
		case tagSupplement:
			e.Supplement = value
		case tagMessage:
			e.Message = value
		case tagMsgID:
			e.MsgID = string(value)
		case tagMsgType:
			if len(value) != 4 {
				return nil, errs.New(errs.CorruptData, "wire: bad msgType field")
			}
			e.MsgType = MsgType(binary.BigEndian.Uint32(value))
		case tagRecvIDHash:
			e.RecvIDHash = value
		case tagSenderIDHash:
			e.SenderIDHash = value
		case tagRecvDevIDBin:
			e.RecvDevIDBin = value
		}
	}
	if e.Name == "" || e.ClientDevID == "" || e.MsgID == "" || len(e.Message) == 0 {
		return nil, errs.New(errs.JSFieldMissing, "wire: missing required envelope field")
	}
	return e, nil
}

// EncodeTransport base64-encodes a serialized envelope for the transport
// layer, per spec.md §6.1's "entire record is serialized then Base64-encoded".
func EncodeTransport(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeTransport reverses EncodeTransport.
func DecodeTransport(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptData, "wire: base64 decode", err)
	}
	return raw, nil
}

// CipherHeader is the fixed-layout header embedded at the start of every
// Envelope.Message value, per spec.md §6.2:
// [curveTag(1)] [DHRsPublic(32)] [PNs(4,BE)] [Ns(4,BE)].
type CipherHeader struct {
	DHRs curve25519.PublicKey
	PNs  uint32
	Ns   uint32
}

// HeaderSize is the fixed byte length of CipherHeader.
const HeaderSize = curve25519.SerializedPublicKeySize + 4 + 4

// Marshal serializes the ciphertext header.
func (h *CipherHeader) Marshal() []byte {
	out := make([]byte, 0, HeaderSize)
	out = append(out, curve25519.SerializePoint(&h.DHRs)...)
	var pns, ns [4]byte
	binary.BigEndian.PutUint32(pns[:], h.PNs)
	binary.BigEndian.PutUint32(ns[:], h.Ns)
	out = append(out, pns[:]...)
	out = append(out, ns[:]...)
	return out
}

// ParseCipherHeader parses the fixed-layout header from the front of data,
// returning the header and the remaining bytes (ciphertext body || MAC tag).
func ParseCipherHeader(data []byte) (*CipherHeader, []byte, error) {
	if len(data) < HeaderSize {
		return nil, nil, errs.New(errs.RecvDataLength, "wire: message shorter than header")
	}
	pub, err := curve25519.DecodePoint(data[:curve25519.SerializedPublicKeySize])
	if err != nil {
		return nil, nil, err
	}
	rest := data[curve25519.SerializedPublicKeySize:]
	h := &CipherHeader{
		DHRs: *pub,
		PNs:  binary.BigEndian.Uint32(rest[0:4]),
		Ns:   binary.BigEndian.Uint32(rest[4:8]),
	}
	return h, data[HeaderSize:], nil
}
