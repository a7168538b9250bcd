// Package provisioning implements the Provisioning collaborator of spec.md
// §6.5 — pre-key bundle distribution and device directory lookups — backed
// by a real relational server rather than a stub, per SPEC_FULL's domain-stack
// wiring. Grounded on the teacher's internal/db/postgres.go (pool sizing,
// raw parameterized SQL) and internal/handlers/device_handlers.go
// (UploadPrekeys / GetUserKeys / identity-key-change broadcast).
package provisioning

import (
	"context"
	"database/sql"
	"encoding/base64"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/jaydenbeard/zina-ratchet/internal/curve25519"
	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	user_id   VARCHAR NOT NULL,
	device_id VARCHAR NOT NULL,
	name      VARCHAR NOT NULL DEFAULT '',
	identity_key BYTEA NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS prekey_bundles (
	user_id   VARCHAR NOT NULL,
	device_id VARCHAR NOT NULL,
	prekey_id INTEGER NOT NULL,
	prekey_public BYTEA NOT NULL,
	PRIMARY KEY (user_id, device_id, prekey_id)
);
`

// Device is one directory entry: spec.md §6.5's getDevices() → [(deviceId, deviceName)].
type Device struct {
	ID   string
	Name string
}

// Bundle is what getPreKeyBundle returns: a pre-key id plus the peer's
// identity and one-time pre-key public keys.
type Bundle struct {
	PreKeyID    uint32
	IdentityPub curve25519.PublicKey
	PreKeyPub   curve25519.PublicKey
}

// Directory is the Postgres-backed Provisioning collaborator.
type Directory struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema exists, following the
// teacher's NewPostgresDB pool-sizing convention.
func Open(connStr string) (*Directory, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, "provisioning: open", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.NetworkError, "provisioning: ping", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.GenericError, "provisioning: migrate schema", err)
	}
	return &Directory{db: db}, nil
}

func (d *Directory) Close() error { return d.db.Close() }

// RegisterDevice implements registerDevice(bundle) → httpStatus (spec.md
// §6.5), publishing the device's identity key and an initial batch of
// pre-keys so peers can initiate sessions asynchronously.
func (d *Directory) RegisterDevice(ctx context.Context, userID, deviceID, name string, identity curve25519.PublicKey, preKeys map[uint32]curve25519.PublicKey) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.NetworkError, "provisioning: begin register", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (user_id, device_id, name, identity_key) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET name=$3, identity_key=$4`,
		userID, deviceID, name, identity[:])
	if err != nil {
		return errs.Wrap(errs.GenericError, "provisioning: upsert device", err)
	}

	for id, pub := range preKeys {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO prekey_bundles (user_id, device_id, prekey_id, prekey_public) VALUES ($1,$2,$3,$4)
			 ON CONFLICT (user_id, device_id, prekey_id) DO NOTHING`,
			userID, deviceID, id, pub[:])
		if err != nil {
			return errs.Wrap(errs.GenericError, "provisioning: insert pre-key bundle", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.GenericError, "provisioning: commit register", err)
	}
	log.Printf("[Provisioning] registered device %s/%s identity=%s (%d pre-keys published)", userID, deviceID, encodePub(identity), len(preKeys))
	return nil
}

// GetDevices implements getDevices(peer) → [(deviceId, deviceName)].
func (d *Directory) GetDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT device_id, name FROM devices WHERE user_id=$1 ORDER BY device_id`, userID)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, "provisioning: query devices", err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		var dev Device
		if err := rows.Scan(&dev.ID, &dev.Name); err != nil {
			return nil, errs.Wrap(errs.GenericError, "provisioning: scan device", err)
		}
		out = append(out, dev)
	}
	if len(out) == 0 {
		return nil, errs.New(errs.NoDevsFound, "provisioning: no devices for user")
	}
	return out, rows.Err()
}

// GetPreKeyBundle implements getPreKeyBundle(peer, device) → (preKeyId,
// identityPub, preKeyPub), atomically claiming one unused pre-key the way
// the original's server-side counterpart to PreKeys.cpp does, so concurrent
// initiators never receive the same one-time key twice.
func (d *Directory) GetPreKeyBundle(ctx context.Context, userID, deviceID string) (*Bundle, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, "provisioning: begin bundle fetch", err)
	}
	defer tx.Rollback()

	var identityRaw []byte
	err = tx.QueryRowContext(ctx, `SELECT identity_key FROM devices WHERE user_id=$1 AND device_id=$2`, userID, deviceID).Scan(&identityRaw)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NoDevsFound, "provisioning: unknown device")
	}
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "provisioning: load identity", err)
	}

	var preKeyID uint32
	var preKeyRaw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT prekey_id, prekey_public FROM prekey_bundles WHERE user_id=$1 AND device_id=$2 ORDER BY prekey_id LIMIT 1`,
		userID, deviceID).Scan(&preKeyID, &preKeyRaw)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NoPreKeyFound, "provisioning: device has no published pre-keys")
	}
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "provisioning: load pre-key", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM prekey_bundles WHERE user_id=$1 AND device_id=$2 AND prekey_id=$3`, userID, deviceID, preKeyID); err != nil {
		return nil, errs.Wrap(errs.GenericError, "provisioning: claim pre-key", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.GenericError, "provisioning: commit bundle fetch", err)
	}

	bundle := &Bundle{PreKeyID: preKeyID}
	copy(bundle.IdentityPub[:], identityRaw)
	copy(bundle.PreKeyPub[:], preKeyRaw)
	return bundle, nil
}

// GetIdentity looks up a device's published long-term identity key without
// touching its pre-key pool, for callers (e.g. the receive pipeline's Bob-role
// initiation) that need the sender's identity key but not a fresh pre-key.
func (d *Directory) GetIdentity(ctx context.Context, userID, deviceID string) (*curve25519.PublicKey, error) {
	var raw []byte
	err := d.db.QueryRowContext(ctx, `SELECT identity_key FROM devices WHERE user_id=$1 AND device_id=$2`, userID, deviceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NoDevsFound, "provisioning: unknown device")
	}
	if err != nil {
		return nil, errs.Wrap(errs.GenericError, "provisioning: load identity", err)
	}
	var pub curve25519.PublicKey
	copy(pub[:], raw)
	return &pub, nil
}

// RemainingPreKeys reports how many unclaimed pre-keys a device has
// published, feeding the PreKeysRemaining metric and the app's own
// replenishment decision.
func (d *Directory) RemainingPreKeys(ctx context.Context, userID, deviceID string) (int, error) {
	row := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prekey_bundles WHERE user_id=$1 AND device_id=$2`, userID, deviceID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errs.Wrap(errs.GenericError, "provisioning: count pre-keys", err)
	}
	return n, nil
}

// encodePub truncates a public key to a short base64 prefix for log lines,
// so diagnostics can distinguish identities without printing raw key material.
func encodePub(pub curve25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub[:4])
}
