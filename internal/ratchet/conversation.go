// Package ratchet implements the per-device session state (C5), the two
// session-initiation protocols (C6), and the Double-Ratchet encrypt/decrypt
// engine (C7). Field names and the reset/serialize shape are grounded on
// axolotl/state/AxoConversation.cpp; the value-owning composition (no
// back-pointers between a Conversation and its staged keys) follows SPEC_FULL
// §9's "Cyclic references" design note.
package ratchet

import (
	"encoding/base64"
	"encoding/json"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

// Secret32 is a 32-byte secret (root or chain key) that base64-encodes for
// JSON persistence, matching AxoConversation's serialized field convention,
// and that can be wiped in place (invariant I4).
type Secret32 [32]byte

func (s Secret32) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(s[:]))
}

func (s *Secret32) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return errs.New(errs.CorruptData, "ratchet: bad secret length")
	}
	copy(s[:], raw)
	return nil
}

func (s *Secret32) Wipe() {
	if s == nil {
		return
	}
	for i := range s {
		s[i] = 0
	}
}

// ZrtpVerifyState mirrors the small out-of-band-verification state machine
// AxoConversation keeps alongside the ratchet variables.
type ZrtpVerifyState int

const (
	ZrtpNotVerified ZrtpVerifyState = 0
	ZrtpVerified    ZrtpVerifyState = 1
)

// State is the coarse ratchet state machine of spec.md §4.4.3.
type State int

const (
	StateFresh State = iota
	StateAliceInit
	StateBobInit
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateAliceInit:
		return "AliceInit"
	case StateBobInit:
		return "BobInit"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// Conversation holds the ratchet variables for one (localUser, remoteUser,
// remoteDevice) triple. A distinguished local conversation has RemoteUser ==
// LocalUser and an empty RemoteDevice, holding only the long-term identity
// key pair.
type Conversation struct {
	LocalUser    string `json:"localUser"`
	RemoteUser   string `json:"remoteUser"`
	RemoteDevice string `json:"remoteDevice"`

	DHIs curve25519.KeyPair  `json:"DHIs"`
	DHIr *curve25519.PublicKey `json:"DHIr,omitempty"`
	DHRs *curve25519.KeyPair `json:"DHRs,omitempty"`
	DHRr *curve25519.PublicKey `json:"DHRr,omitempty"`
	A0   *curve25519.KeyPair `json:"A0,omitempty"`

	RK  *Secret32 `json:"RK,omitempty"`
	CKs *Secret32 `json:"CKs,omitempty"`
	CKr *Secret32 `json:"CKr,omitempty"`

	Ns  uint32 `json:"Ns"`
	Nr  uint32 `json:"Nr"`
	PNs uint32 `json:"PNs"`

	RatchetFlag bool   `json:"ratchetFlag"`
	PreKeyID    uint32 `json:"preKyId"`
	ContextID   uint32 `json:"contextId"`

	IdentityKeyChanged bool            `json:"identityKeyChanged"`
	ZrtpVerifyState    ZrtpVerifyState `json:"zrtpVerifyState"`

	ErrorCode    int `json:"errorCode"`
	SQLErrorCode int `json:"sqlErrorCode"`
}

// NewLocal creates the distinguished local conversation holding the long-term
// identity key pair for localUser.
func NewLocal(localUser string, identity *curve25519.KeyPair) *Conversation {
	return &Conversation{
		LocalUser:  localUser,
		RemoteUser: localUser,
		DHIs:       *identity,
	}
}

// NewSession creates a fresh, uninitiated conversation for a remote peer
// device, inheriting the local identity key pair.
func NewSession(localUser, remoteUser, remoteDevice string, identity *curve25519.KeyPair) *Conversation {
	return &Conversation{
		LocalUser:    localUser,
		RemoteUser:   remoteUser,
		RemoteDevice: remoteDevice,
		DHIs:         *identity,
	}
}

// State reports the current position in the spec.md §4.4.3 state machine.
func (c *Conversation) State() State {
	if c.RK == nil {
		return StateFresh
	}
	switch {
	case c.CKs != nil && c.CKr != nil:
		return StateEstablished
	case c.CKr != nil:
		return StateAliceInit
	case c.CKs != nil:
		return StateBobInit
	default:
		return StateFresh
	}
}

// HasRootKey reports whether initiation has produced a root key, used by the
// AXO_CONV_EXISTS guard on re-initiation (spec.md §4.3.1).
func (c *Conversation) HasRootKey() bool {
	return c.RK != nil
}

func wipe32(p *Secret32) {
	p.Wipe()
}

func wipeKeyPair(k *curve25519.KeyPair) {
	if k == nil {
		return
	}
	k.Wipe()
}

// Reset wipes all key material and clears DH/ratchet state, but keeps the
// identity record (DHIs, the conversation's durable identity), matching
// spec.md §3's "Destroyed by explicit session reset" lifecycle note.
func (c *Conversation) Reset() {
	wipe32(c.RK)
	wipe32(c.CKs)
	wipe32(c.CKr)
	wipeKeyPair(c.DHRs)
	wipeKeyPair(c.A0)

	c.DHRs = nil
	c.DHRr = nil
	c.A0 = nil
	c.RK = nil
	c.CKs = nil
	c.CKr = nil
	c.Ns = 0
	c.Nr = 0
	c.PNs = 0
	c.RatchetFlag = false
	c.PreKeyID = 0
	c.ErrorCode = 0
	c.SQLErrorCode = 0
	// DHIr, identityKeyChanged, zrtpVerifyState, and contextId survive a reset;
	// they describe the peer identity and session lineage, not ratchet state.
}

// setSecret installs freshly derived key material into dst, wiping whatever
// was previously held there first (invariant I4).
func setSecret(dst **Secret32, material []byte) {
	wipe32(*dst)
	var s Secret32
	copy(s[:], material)
	*dst = &s
}
