// Package prekey implements generation and one-shot consumption of ephemeral
// X25519 pre-keys (C4), grounded on keymanagment/PreKeys.cpp: random 31-bit
// ids, uniqueness-checked against the store, batch generation with a refill
// threshold.
package prekey

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

// DefaultBatchSize and DefaultRefillThreshold implement the
// "[SUPPLEMENT] Pre-key replenishment threshold" policy from SPEC_FULL.md,
// read out of PreKeys.cpp's batch-of-100 / refill-at-30 behavior (spec.md §3
// names the numbers in prose only).
const (
	DefaultBatchSize       = 100
	DefaultRefillThreshold = 30
)

// PreKey is a persisted pre-key record.
type PreKey struct {
	ID   uint32
	Pair curve25519.KeyPair
}

// Store is the persistence boundary prekey.Manager needs; internal/store
// provides the SQLite-backed implementation.
type Store interface {
	ContainsPreKey(ctx context.Context, id uint32) (bool, error)
	StorePreKey(ctx context.Context, pk *PreKey) error
	// LoadAndRemovePreKey atomically loads and deletes a pre-key in a single
	// transaction, per spec.md §4.3.2's one-shot-consumption requirement. It
	// returns (nil, nil) if the id is not found.
	LoadAndRemovePreKey(ctx context.Context, id uint32) (*PreKey, error)
	CountPreKeys(ctx context.Context) (int, error)
}

// Manager generates and replenishes pre-keys for a single local user.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// randomID draws a random 31-bit non-negative id, rejecting zero, matching
// PreKeys.cpp's `keyId &= 0x7fffffff` loop.
func randomID() (uint32, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errs.Wrap(errs.GenericError, "prekey: read random", err)
		}
		id := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
		if id != 0 {
			return id, nil
		}
	}
}

// Generate creates and stores a single new pre-key with a fresh, unique id.
func (m *Manager) Generate(ctx context.Context) (*PreKey, error) {
	for {
		id, err := randomID()
		if err != nil {
			return nil, err
		}
		exists, err := m.store.ContainsPreKey(ctx, id)
		if err != nil {
			return nil, errs.Wrap(errs.GenericError, "prekey: contains check", err)
		}
		if exists {
			continue
		}
		kp, err := curve25519.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		pk := &PreKey{ID: id, Pair: *kp}
		if err := m.store.StorePreKey(ctx, pk); err != nil {
			return nil, errs.Wrap(errs.GenericError, "prekey: store", err)
		}
		return pk, nil
	}
}

// GenerateBatch creates n pre-keys, returning however many were successfully
// stored before any error.
func (m *Manager) GenerateBatch(ctx context.Context, n int) ([]*PreKey, error) {
	out := make([]*PreKey, 0, n)
	for i := 0; i < n; i++ {
		pk, err := m.Generate(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// Count reports how many pre-keys remain in the store, for callers that
// publish the PreKeysRemaining gauge.
func (m *Manager) Count(ctx context.Context) (int, error) {
	n, err := m.store.CountPreKeys(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "prekey: count", err)
	}
	return n, nil
}

// NeedsRefill reports whether the remaining pre-key count has dropped to or
// below threshold.
func (m *Manager) NeedsRefill(ctx context.Context, threshold int) (bool, error) {
	n, err := m.store.CountPreKeys(ctx)
	if err != nil {
		return false, errs.Wrap(errs.GenericError, "prekey: count", err)
	}
	return n <= threshold, nil
}

// Refill tops the store back up to batchSize pre-keys if it has fallen to or
// below the refill threshold.
func (m *Manager) Refill(ctx context.Context, batchSize, threshold int) (int, error) {
	needsRefill, err := m.NeedsRefill(ctx, threshold)
	if err != nil {
		return 0, err
	}
	if !needsRefill {
		return 0, nil
	}
	n, err := m.store.CountPreKeys(ctx)
	if err != nil {
		return 0, err
	}
	toCreate := batchSize - n
	if toCreate <= 0 {
		return 0, nil
	}
	created, err := m.GenerateBatch(ctx, toCreate)
	return len(created), err
}

// Consume performs the one-shot pre-key lookup/removal used by Bob-role
// session initiation (spec.md §4.3.2). A nil, nil return means the id was not
// found.
func (m *Manager) Consume(ctx context.Context, id uint32) (*PreKey, error) {
	pk, err := m.store.LoadAndRemovePreKey(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "prekey: load-and-remove", err)
	}
	return pk, nil
}
