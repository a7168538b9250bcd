package ratchet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

// memStagedStore is a map-backed StagedKeyStore for tests; production uses
// internal/store's SQLite-backed implementation.
type memStagedStore struct {
	keys map[[32]byte]*StagedKey
}

func newMemStagedStore() *memStagedStore {
	return &memStagedStore{keys: make(map[[32]byte]*StagedKey)}
}

func (m *memStagedStore) Stage(ctx context.Context, localUser, peer, device string, key *StagedKey) error {
	m.keys[key.Selector] = key
	return nil
}

func (m *memStagedStore) Candidates(ctx context.Context, localUser, peer, device string) ([]*StagedKey, error) {
	out := make([]*StagedKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out, nil
}

func (m *memStagedStore) Remove(ctx context.Context, localUser, peer, device string, selector [32]byte) error {
	delete(m.keys, selector)
	return nil
}

// pairSessions builds an established (Alice, Bob) pair of conversations via
// the PreKey handshake of spec.md §4.3.1/§4.3.2, used as the starting point
// for most engine tests.
func pairSessions(t *testing.T) (alice, bob *Conversation) {
	t.Helper()

	aliceIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobIdentity, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)
	bobPreKey, err := curve25519.GenerateKeyPair()
	require.NoError(t, err)

	alice = NewSession("alice", "bob", "bobDevice1", aliceIdentity)
	bob = NewSession("bob", "alice", "aliceDevice1", bobIdentity)

	err = InitAlicePreKey(alice, &bobIdentity.Public, &bobPreKey.Public, 12345)
	require.NoError(t, err)

	err = InitBobPreKey(bob, &aliceIdentity.Public, &alice.A0.Public, bobPreKey)
	require.NoError(t, err)

	return alice, bob
}

// TestS1PreKeyBootstrap covers spec.md §8 S1: Alice initiates to Bob with
// pre-key id 12345, both sides exchange one message each, and converge on
// Established with matching RK (P2).
func TestS1PreKeyBootstrap(t *testing.T) {
	alice, bob := pairSessions(t)
	store := newMemStagedStore()
	ctx := context.Background()

	require.Equal(t, *alice.RK, *bob.RK, "P2: ratchet symmetry — RK must match after step 1")

	msg, _, err := alice.Encrypt([]byte("Hello"), nil)
	require.NoError(t, err)
	plaintext, err := bob.Decrypt(ctx, msg, store)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(plaintext))

	reply, _, err := bob.Encrypt([]byte("Hi"), nil)
	require.NoError(t, err)
	plaintext, err = alice.Decrypt(ctx, reply, store)
	require.NoError(t, err)
	require.Equal(t, "Hi", string(plaintext))

	require.Equal(t, StateEstablished, alice.State())
	require.Equal(t, StateEstablished, bob.State())
}

// TestS2OutOfOrderWithinChain covers spec.md §8 S2/P4: Alice sends m0..m9
// without a reply; Bob receives them permuted and must still recover every
// plaintext, finishing with Nr=10 and no staged keys left over.
func TestS2OutOfOrderWithinChain(t *testing.T) {
	alice, bob := pairSessions(t)
	store := newMemStagedStore()
	ctx := context.Background()

	var messages [][]byte
	var plaintexts []string
	for i := 0; i < 10; i++ {
		text := string(rune('a' + i))
		msg, _, err := alice.Encrypt([]byte(text), nil)
		require.NoError(t, err)
		messages = append(messages, msg)
		plaintexts = append(plaintexts, text)
	}

	order := []int{1, 3, 0, 2, 5, 4, 7, 6, 9, 8}
	for _, idx := range order {
		pt, err := bob.Decrypt(ctx, messages[idx], store)
		require.NoError(t, err)
		require.Equal(t, plaintexts[idx], string(pt))
	}

	require.Equal(t, uint32(10), bob.Nr)
	cands, err := store.Candidates(ctx, bob.LocalUser, bob.RemoteUser, bob.RemoteDevice)
	require.NoError(t, err)
	require.Empty(t, cands, "all skipped keys should have been consumed")
}

// TestS3SkippedDHRatchet covers spec.md §8 S3: Alice sends m0..m4, Bob
// replies (triggering Alice's ratchet), Alice's next send m5 ratchets, and
// Bob then decrypts m5 followed by the long-delayed m2 from the prior chain.
func TestS3SkippedDHRatchet(t *testing.T) {
	alice, bob := pairSessions(t)
	store := newMemStagedStore()
	ctx := context.Background()

	var chain0 [][]byte
	for i := 0; i < 5; i++ {
		msg, _, err := alice.Encrypt([]byte{byte(i)}, nil)
		require.NoError(t, err)
		chain0 = append(chain0, msg)
	}

	// Bob decrypts m0 so his chain advances before his own reply.
	_, err := bob.Decrypt(ctx, chain0[0], store)
	require.NoError(t, err)

	b0, _, err := bob.Encrypt([]byte("b0"), nil)
	require.NoError(t, err)
	_, err = alice.Decrypt(ctx, b0, store)
	require.NoError(t, err)

	m5, _, err := alice.Encrypt([]byte("m5"), nil)
	require.NoError(t, err)

	pt, err := bob.Decrypt(ctx, m5, store)
	require.NoError(t, err)
	require.Equal(t, "m5", string(pt))

	pt, err = bob.Decrypt(ctx, chain0[2], store)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, pt)
}

// TestS5MacFailure covers spec.md §8 S5/P7: corrupting one ciphertext byte
// must fail with MacCheckFailed and must not mutate the conversation.
func TestS5MacFailure(t *testing.T) {
	alice, bob := pairSessions(t)
	store := newMemStagedStore()
	ctx := context.Background()

	msg, _, err := alice.Encrypt([]byte("Hello"), nil)
	require.NoError(t, err)

	corrupted := append([]byte(nil), msg...)
	corrupted[len(corrupted)-1] ^= 0xff

	nrBefore := bob.Nr
	_, err = bob.Decrypt(ctx, corrupted, store)
	require.Error(t, err)
	require.Equal(t, errs.MacCheckFailed, errs.CodeOf(err))
	require.Equal(t, nrBefore, bob.Nr, "failed decrypt must not advance the receiving chain")

	// The original, uncorrupted message still decrypts fine afterward.
	pt, err := bob.Decrypt(ctx, msg, store)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(pt))
}

// TestP1ForwardSecrecy spot-checks P1: deriving message N's key from the
// chain key does not allow recovering message N-1's key from it (the HMAC
// chain only runs forward).
func TestP1ForwardSecrecy(t *testing.T) {
	alice, bob := pairSessions(t)
	store := newMemStagedStore()
	ctx := context.Background()

	m0, _, err := alice.Encrypt([]byte("first"), nil)
	require.NoError(t, err)
	ckAfterM0 := *bob.CKr // bob hasn't decrypted yet; this is his pre-advance chain key

	_, err = bob.Decrypt(ctx, m0, store)
	require.NoError(t, err)

	// bob's chain key is now past m0's; it must differ from the snapshot, and
	// no forward-only HMAC step can recover ckAfterM0 from the new value.
	require.NotEqual(t, ckAfterM0, *bob.CKr)
}

// TestP6SecretWiping covers P6: Reset zeroes the previous key buffers.
func TestP6SecretWiping(t *testing.T) {
	alice, _ := pairSessions(t)
	require.NotZero(t, *alice.RK)
	alice.Reset()
	var zero Secret32
	require.Equal(t, zero, *alice.RK)
}

// TestP7EncryptDecryptRoundTrip covers P7 across a range of plaintext sizes.
func TestP7EncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := pairSessions(t)
	store := newMemStagedStore()
	ctx := context.Background()

	sizes := []int{0, 1, 16, 255, 4096}
	for _, n := range sizes {
		plaintext := make([]byte, n)
		for i := range plaintext {
			plaintext[i] = byte(i)
		}
		msg, _, err := alice.Encrypt(plaintext, nil)
		require.NoError(t, err)
		got, err := bob.Decrypt(ctx, msg, store)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestStageRangeRejectsOversizedSkip(t *testing.T) {
	alice, bob := pairSessions(t)
	store := newMemStagedStore()
	ctx := context.Background()

	// Advance alice's chain far enough that bob would need to stage more than
	// MaxStagedSkip keys to catch up.
	var last []byte
	for i := 0; i < 3; i++ {
		last, _, _ = alice.Encrypt([]byte("x"), nil)
	}
	bob.Nr = 0
	// Forge a header claiming a huge skip by manipulating Ns indirectly is
	// awkward at this layer; instead verify the guard directly.
	_, err := bob.stageRange(ctx, *bob.CKr, 0, MaxStagedSkip+1, store)
	require.Error(t, err)
	require.Equal(t, errs.FutureMessage, errs.CodeOf(err))
	_ = last
}
