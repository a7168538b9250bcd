// Package store is the per-device embedded persistence layer (§6.3):
// Conversations, StagedMessageKeys, PreKeys, MessageHash, ReceivedRawData,
// and TempPlaintext. Grounded directly on storage/sqlite/SQLiteStoreConv.cpp
// (table names, key columns, one-transaction pre-key consumption) and on the
// teacher's raw database/sql usage style in internal/db/postgres.go, using
// github.com/mattn/go-sqlite3 as the driver per the original's SQLite choice.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jaydenbeard/zina-ratchet/internal/aead"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
	"github.com/jaydenbeard/zina-ratchet/internal/kdf"
	"github.com/jaydenbeard/zina-ratchet/internal/prekey"
	"github.com/jaydenbeard/zina-ratchet/internal/ratchet"
)

// RetentionPeriod is the 31-day staged-key / message-hash retention window
// from spec.md §3.
const RetentionPeriod = 31 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS Conversations (
	localUser  VARCHAR NOT NULL,
	peer       VARCHAR NOT NULL,
	device     VARCHAR NOT NULL,
	data       BLOB NOT NULL,
	since      TIMESTAMP NOT NULL,
	PRIMARY KEY (localUser, peer, device)
);

CREATE TABLE IF NOT EXISTS StagedMessageKeys (
	localUser VARCHAR NOT NULL,
	peer      VARCHAR NOT NULL,
	device    VARCHAR NOT NULL,
	selector  BLOB NOT NULL,
	cipherKey BLOB NOT NULL,
	macKey    BLOB NOT NULL,
	iv        BLOB NOT NULL,
	since     TIMESTAMP NOT NULL,
	PRIMARY KEY (localUser, peer, device, selector)
);

CREATE TABLE IF NOT EXISTS PreKeys (
	keyId      INTEGER NOT NULL PRIMARY KEY,
	privateKey BLOB NOT NULL,
	publicKey  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS MessageHash (
	msgHash BLOB NOT NULL PRIMARY KEY,
	since   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ReceivedRawData (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	payload  BLOB NOT NULL,
	metadata VARCHAR,
	since    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS TempPlaintext (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	descriptor BLOB NOT NULL,
	supplement BLOB,
	msgType    INTEGER NOT NULL,
	since      TIMESTAMP NOT NULL
);
`

// Store is the embedded per-device KVStore (§6.5 KVStore collaborator),
// backed by SQLite. The sensitive blobs it persists (conversation ratchet
// state, pre-key private halves, staged plaintext) are encrypted at rest
// under keys derived from the caller's store passphrase, never the raw
// passphrase itself.
type Store struct {
	db        *sql.DB
	cipherKey []byte
	macKey    []byte
}

// Open opens (and, if necessary, migrates) the SQLite database at path,
// deriving the at-rest encryption keys from passphrase via HKDF-SHA256
// (internal/kdf) the same way the ratchet core derives its own session keys.
func Open(path, passphrase string) (*Store, error) {
	keys, err := kdf.DeriveStoreKeys([]byte(passphrase))
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: open", err)
	}
	db.SetMaxOpenConns(1) // SQLiteStoreConv serializes access behind a single mutex; match that here.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.GenericError, "store: migrate schema", err)
	}
	return &Store{db: db, cipherKey: keys.CipherKey, macKey: keys.MacKey}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// encryptBlob seals plaintext under the store's at-rest key as
// iv||ciphertext||tag, using the same AES-CBC + truncated-HMAC construction
// internal/aead uses for wire messages, with a fresh random IV per call. A
// nil or empty plaintext passes through unchanged so NULL-able columns stay
// NULL rather than becoming a non-empty ciphertext of nothing.
func (s *Store) encryptBlob(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return plaintext, nil
	}
	iv := make([]byte, aead.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: generate blob iv", err)
	}
	ciphertext, err := aead.Encrypt(s.cipherKey, iv, plaintext)
	if err != nil {
		return nil, err
	}
	tagInput := make([]byte, 0, len(iv)+len(ciphertext))
	tagInput = append(tagInput, iv...)
	tagInput = append(tagInput, ciphertext...)
	tag := aead.Tag(s.macKey, tagInput)

	out := make([]byte, 0, len(tagInput)+len(tag))
	out = append(out, tagInput...)
	out = append(out, tag...)
	return out, nil
}

// decryptBlob reverses encryptBlob, rejecting a blob whose tag doesn't match
// before ever running it through AES-CBC.
func (s *Store) decryptBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return blob, nil
	}
	if len(blob) < aead.BlockSize+aead.MacTagSize {
		return nil, errs.New(errs.CorruptData, "store: encrypted blob too short")
	}
	iv := blob[:aead.BlockSize]
	ciphertext := blob[aead.BlockSize : len(blob)-aead.MacTagSize]
	tag := blob[len(blob)-aead.MacTagSize:]

	tagInput := make([]byte, 0, len(iv)+len(ciphertext))
	tagInput = append(tagInput, iv...)
	tagInput = append(tagInput, ciphertext...)
	if !aead.VerifyTag(s.macKey, tagInput, tag) {
		return nil, errs.New(errs.MacCheckFailed, "store: at-rest blob tag mismatch")
	}
	return aead.Decrypt(s.cipherKey, iv, ciphertext)
}

// Begin starts a transaction for a caller that needs read-committed
// begin/commit/rollback semantics spanning several of the operations below
// (spec.md §5's "Shared-resource policy").
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// --- Conversations -----------------------------------------------------

// LoadConversation returns the conversation for (localUser, peer, device), or
// nil if none is stored yet.
func (s *Store) LoadConversation(ctx context.Context, localUser, peer, device string) (*ratchet.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM Conversations WHERE localUser=? AND peer=? AND device=?`,
		localUser, peer, device)
	var sealed []byte
	if err := row.Scan(&sealed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.GenericError, "store: load conversation", err)
	}
	data, err := s.decryptBlob(sealed)
	if err != nil {
		return nil, err
	}
	var conv ratchet.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, errs.Wrap(errs.CorruptData, "store: decode conversation", err)
	}
	return &conv, nil
}

// StoreConversation upserts a conversation, mirroring SQLiteStoreConv's
// "try UPDATE, fall back to INSERT OR IGNORE" pattern.
func (s *Store) StoreConversation(ctx context.Context, conv *ratchet.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: encode conversation", err)
	}
	sealed, err := s.encryptBlob(data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE Conversations SET data=? WHERE localUser=? AND peer=? AND device=?`,
		sealed, conv.LocalUser, conv.RemoteUser, conv.RemoteDevice)
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: update conversation", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO Conversations (localUser, peer, device, data, since) VALUES (?,?,?,?,?)`,
		conv.LocalUser, conv.RemoteUser, conv.RemoteDevice, sealed, time.Now().UTC())
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: insert conversation", err)
	}
	return nil
}

// GetDiagnostics returns the errorCode/sqlErrorCode last recorded on a
// conversation, mirroring AxoConversation's diagnostic member fields. Returns
// (0, 0, nil) if no conversation is stored yet.
func (s *Store) GetDiagnostics(ctx context.Context, localUser, peer, device string) (errorCode, sqlErrorCode int, err error) {
	conv, err := s.LoadConversation(ctx, localUser, peer, device)
	if err != nil {
		return 0, 0, err
	}
	if conv == nil {
		return 0, 0, nil
	}
	return conv.ErrorCode, conv.SQLErrorCode, nil
}

// DeleteConversation removes one session. Group membership referential
// integrity (spec.md §6.3) is out of scope here; no group table exists.
func (s *Store) DeleteConversation(ctx context.Context, localUser, peer, device string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM Conversations WHERE localUser=? AND peer=? AND device=?`, localUser, peer, device)
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: delete conversation", err)
	}
	return nil
}

// --- Staged message keys -------------------------------------------------

// Stage implements ratchet.StagedKeyStore.
func (s *Store) Stage(ctx context.Context, localUser, peer, device string, key *ratchet.StagedKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO StagedMessageKeys (localUser, peer, device, selector, cipherKey, macKey, iv, since)
		 VALUES (?,?,?,?,?,?,?,?)`,
		localUser, peer, device, key.Selector[:], key.CipherKey, key.MacKey, key.IV, time.Now().UTC())
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: stage message key", err)
	}
	return nil
}

// Candidates implements ratchet.StagedKeyStore.
func (s *Store) Candidates(ctx context.Context, localUser, peer, device string) ([]*ratchet.StagedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT selector, cipherKey, macKey, iv FROM StagedMessageKeys WHERE localUser=? AND peer=? AND device=?`,
		localUser, peer, device)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: query staged keys", err)
	}
	defer rows.Close()

	var out []*ratchet.StagedKey
	for rows.Next() {
		var sel, ck, mk, iv []byte
		if err := rows.Scan(&sel, &ck, &mk, &iv); err != nil {
			return nil, errs.Wrap(errs.GenericError, "store: scan staged key", err)
		}
		sk := &ratchet.StagedKey{CipherKey: ck, MacKey: mk, IV: iv}
		copy(sk.Selector[:], sel)
		out = append(out, sk)
	}
	return out, rows.Err()
}

// Remove implements ratchet.StagedKeyStore.
func (s *Store) Remove(ctx context.Context, localUser, peer, device string, selector [32]byte) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM StagedMessageKeys WHERE localUser=? AND peer=? AND device=? AND selector=?`,
		localUser, peer, device, selector[:])
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: remove staged key", err)
	}
	return nil
}

// SweepExpired deletes staged keys and message-hash records older than
// RetentionPeriod, implementing spec.md §3's 31-day retention window.
func (s *Store) SweepExpired(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-RetentionPeriod)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM StagedMessageKeys WHERE since < ?`, cutoff); err != nil {
		return errs.Wrap(errs.GenericError, "store: sweep staged keys", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM MessageHash WHERE since < ?`, cutoff); err != nil {
		return errs.Wrap(errs.GenericError, "store: sweep message hashes", err)
	}
	return nil
}

// --- Pre-keys (prekey.Store) ---------------------------------------------

// ContainsPreKey implements prekey.Store.
func (s *Store) ContainsPreKey(ctx context.Context, id uint32) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM PreKeys WHERE keyId=?`, id)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, errs.Wrap(errs.GenericError, "store: contains pre-key", err)
	}
}

// StorePreKey implements prekey.Store. The private half is encrypted at rest;
// the public half is published to peers anyway, so it stays in the clear.
func (s *Store) StorePreKey(ctx context.Context, pk *prekey.PreKey) error {
	sealedPriv, err := s.encryptBlob(pk.Pair.Private[:])
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO PreKeys (keyId, privateKey, publicKey) VALUES (?,?,?)`,
		pk.ID, sealedPriv, pk.Pair.Public[:])
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: insert pre-key", err)
	}
	return nil
}

// LoadAndRemovePreKey implements prekey.Store: one transaction performs the
// load and the delete, matching spec.md §4.3.2's atomic one-shot consumption
// requirement.
func (s *Store) LoadAndRemovePreKey(ctx context.Context, id uint32) (*prekey.PreKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: begin pre-key tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT privateKey, publicKey FROM PreKeys WHERE keyId=?`, id)
	var privRaw, pubRaw []byte
	switch err := row.Scan(&privRaw, &pubRaw); err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, errs.Wrap(errs.GenericError, "store: load pre-key", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM PreKeys WHERE keyId=?`, id); err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: delete pre-key", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: commit pre-key consumption", err)
	}

	priv, err := s.decryptBlob(privRaw)
	if err != nil {
		return nil, err
	}
	pk := &prekey.PreKey{ID: id}
	copy(pk.Pair.Private[:], priv)
	copy(pk.Pair.Public[:], pubRaw)
	return pk, nil
}

// CountPreKeys implements prekey.Store.
func (s *Store) CountPreKeys(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM PreKeys`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: count pre-keys", err)
	}
	return n, nil
}

// --- Message hash dedup ---------------------------------------------------

// HasMessageHash reports whether hash has already been recorded.
func (s *Store) HasMessageHash(ctx context.Context, hash [32]byte) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM MessageHash WHERE msgHash=?`, hash[:])
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, errs.Wrap(errs.GenericError, "store: check message hash", err)
	}
}

// InsertMessageHash records a processed message hash for dedup.
func (s *Store) InsertMessageHash(ctx context.Context, hash [32]byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO MessageHash (msgHash, since) VALUES (?,?)`, hash[:], time.Now().UTC())
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: insert message hash", err)
	}
	return nil
}

// CommitReceived atomically persists the result of one successful decrypt:
// records the message hash, upserts the conversation's advanced ratchet
// state, stages the plaintext for crash-safe delivery, and deletes the raw
// record that produced it. One transaction, per spec.md §5's "each commit
// step in §4.6.7 is one transaction" — mirroring LoadAndRemovePreKey's
// begin/defer-rollback/commit shape.
func (s *Store) CommitReceived(ctx context.Context, hash [32]byte, conv *ratchet.Conversation, descriptor, supplement []byte, msgType uint32, rawSeq int64) (tempSeq int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: begin receive commit tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO MessageHash (msgHash, since) VALUES (?,?)`, hash[:], time.Now().UTC()); err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: insert message hash", err)
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: encode conversation", err)
	}
	sealedConv, err := s.encryptBlob(data)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE Conversations SET data=? WHERE localUser=? AND peer=? AND device=?`,
		sealedConv, conv.LocalUser, conv.RemoteUser, conv.RemoteDevice)
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: update conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO Conversations (localUser, peer, device, data, since) VALUES (?,?,?,?,?)`,
			conv.LocalUser, conv.RemoteUser, conv.RemoteDevice, sealedConv, time.Now().UTC()); err != nil {
			return 0, errs.Wrap(errs.GenericError, "store: insert conversation", err)
		}
	}

	sealedDescriptor, err := s.encryptBlob(descriptor)
	if err != nil {
		return 0, err
	}
	sealedSupplement, err := s.encryptBlob(supplement)
	if err != nil {
		return 0, err
	}
	tempRes, err := tx.ExecContext(ctx,
		`INSERT INTO TempPlaintext (descriptor, supplement, msgType, since) VALUES (?,?,?,?)`,
		sealedDescriptor, sealedSupplement, msgType, time.Now().UTC())
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: insert temp plaintext", err)
	}
	tempSeq, err = tempRes.LastInsertId()
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: temp plaintext seq", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ReceivedRawData WHERE seq=?`, rawSeq); err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: delete raw data", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: commit receive", err)
	}
	return tempSeq, nil
}

// --- Raw received / temp plaintext (crash-safe receive staging) ----------

// InsertRawData persists an inbound wire frame before it is processed, so it
// can be replayed after a crash (spec.md §4.6 step 1).
func (s *Store) InsertRawData(ctx context.Context, payload []byte, metadata string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ReceivedRawData (payload, metadata, since) VALUES (?,?,?)`, payload, metadata, time.Now().UTC())
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: insert raw data", err)
	}
	return res.LastInsertId()
}

// DeleteRawData removes a raw record once it has been durably processed.
func (s *Store) DeleteRawData(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ReceivedRawData WHERE seq=?`, seq)
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: delete raw data", err)
	}
	return nil
}

// RawDataRecord is one pending inbound frame.
type RawDataRecord struct {
	Seq      int64
	Payload  []byte
	Metadata string
}

// LoadPendingRawData returns raw records in sequence order, used by the
// startup CheckForRetry sweep (spec.md §4.8).
func (s *Store) LoadPendingRawData(ctx context.Context) ([]*RawDataRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload, metadata FROM ReceivedRawData ORDER BY seq ASC`)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: load pending raw data", err)
	}
	defer rows.Close()
	var out []*RawDataRecord
	for rows.Next() {
		r := &RawDataRecord{}
		var metadata sql.NullString
		if err := rows.Scan(&r.Seq, &r.Payload, &metadata); err != nil {
			return nil, errs.Wrap(errs.GenericError, "store: scan raw data", err)
		}
		r.Metadata = metadata.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// TempPlaintextRecord is a crash-safe staging record for a decrypted message
// awaiting delivery to the application callback.
type TempPlaintextRecord struct {
	Seq        int64
	Descriptor []byte
	Supplement []byte
	MsgType    uint32
}

// InsertTempPlaintext persists a decrypted message for crash-safe delivery
// (spec.md §4.6 step 7d).
func (s *Store) InsertTempPlaintext(ctx context.Context, descriptor, supplement []byte, msgType uint32) (int64, error) {
	sealedDescriptor, err := s.encryptBlob(descriptor)
	if err != nil {
		return 0, err
	}
	sealedSupplement, err := s.encryptBlob(supplement)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO TempPlaintext (descriptor, supplement, msgType, since) VALUES (?,?,?,?)`,
		sealedDescriptor, sealedSupplement, msgType, time.Now().UTC())
	if err != nil {
		return 0, errs.Wrap(errs.GenericError, "store: insert temp plaintext", err)
	}
	return res.LastInsertId()
}

// DeleteTempPlaintext removes a temp record once the app callback accepts it.
func (s *Store) DeleteTempPlaintext(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM TempPlaintext WHERE seq=?`, seq)
	if err != nil {
		return errs.Wrap(errs.GenericError, "store: delete temp plaintext", err)
	}
	return nil
}

// LoadPendingTempPlaintext returns undelivered plaintext records in order.
func (s *Store) LoadPendingTempPlaintext(ctx context.Context) ([]*TempPlaintextRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, descriptor, supplement, msgType FROM TempPlaintext ORDER BY seq ASC`)
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "store: load pending temp plaintext", err)
	}
	defer rows.Close()
	var out []*TempPlaintextRecord
	for rows.Next() {
		r := &TempPlaintextRecord{}
		var sealedDescriptor, sealedSupplement []byte
		if err := rows.Scan(&r.Seq, &sealedDescriptor, &sealedSupplement, &r.MsgType); err != nil {
			return nil, errs.Wrap(errs.GenericError, "store: scan temp plaintext", err)
		}
		descriptor, err := s.decryptBlob(sealedDescriptor)
		if err != nil {
			return nil, err
		}
		supplement, err := s.decryptBlob(sealedSupplement)
		if err != nil {
			return nil, err
		}
		r.Descriptor = descriptor
		r.Supplement = supplement
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartRetentionSweeper runs SweepExpired on interval until ctx is canceled,
// logging failures the way the teacher's background goroutines do.
func (s *Store) StartRetentionSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.SweepExpired(ctx); err != nil {
					log.Printf("[Store] retention sweep failed: %v", err)
				}
			}
		}
	}()
}
