// Package index implements the store's relational metadata index:
// records, envelopes, pins, and quotas.
//
// The index is the single source of truth for ownership, expiry, and
// byte accounting. Every mutating operation runs inside a transaction
// that commits only after all invariants hold, and rolls back on any
// failure, so partial writes never become visible.
package index

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
)

// Schema is the SQL that New executes.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
  id BLOB PRIMARY KEY NOT NULL,
  creator TEXT NOT NULL,
  schema_ref BLOB,
  nonce BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS envelopes (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id BLOB NOT NULL UNIQUE,
  record_id BLOB NOT NULL,
  author TEXT NOT NULL,
  from_version BLOB NOT NULL,
  to_version BLOB NOT NULL,
  ops BLOB NOT NULL,
  signature BLOB NOT NULL,
  size INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS envelope_record_idx ON envelopes (record_id, seq);

CREATE TABLE IF NOT EXISTS blobs (
  hash BLOB PRIMARY KEY NOT NULL,
  owner TEXT NOT NULL,
  size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blob_pins (
  owner TEXT NOT NULL,
  hash BLOB NOT NULL,
  expires INTEGER NOT NULL,
  size INTEGER NOT NULL,
  PRIMARY KEY (owner, hash)
);

CREATE INDEX IF NOT EXISTS blob_pin_expiry_idx ON blob_pins (expires);

CREATE TABLE IF NOT EXISTS record_pins (
  owner TEXT NOT NULL,
  record_id BLOB NOT NULL,
  expires INTEGER NOT NULL,
  PRIMARY KEY (owner, record_id)
);

CREATE INDEX IF NOT EXISTS record_pin_expiry_idx ON record_pins (expires);

CREATE TABLE IF NOT EXISTS user_quotas (
  owner TEXT PRIMARY KEY NOT NULL,
  bytes_used INTEGER NOT NULL DEFAULT 0,
  quota_bytes INTEGER NOT NULL
);
`

// DefaultQuota is the per-owner quota assigned
// when an owner's quota row is created lazily.
const DefaultQuota int64 = 64 << 20

// Index is a SQLite-backed metadata index.
type Index struct {
	db           *sql.DB
	defaultQuota int64
}

// Option configures an Index.
type Option func(*Index)

// WithDefaultQuota overrides DefaultQuota for lazily created quota rows.
func WithDefaultQuota(n int64) Option {
	return func(idx *Index) { idx.defaultQuota = n }
}

// DSN builds the sqlite3 data-source name for an index database at
// path. Write transactions take the database lock at BEGIN, and a
// writer finding the lock held waits instead of failing immediately.
func DSN(path string) string {
	return path + "?_txlock=immediate&_busy_timeout=5000"
}

// New produces a new Index using `db` for storage,
// creating the schema as needed.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Index, error) {
	idx := &Index{db: db, defaultQuota: DefaultQuota}
	for _, o := range opts {
		o(idx)
	}
	_, err := db.ExecContext(ctx, Schema)
	return idx, errors.Wrap(err, "creating index schema")
}

// InTx runs f inside a transaction,
// committing if f succeeds and rolling back if it fails.
func (idx *Index) InTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "also failed to roll back (%s)", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// RecordRow is a row of the records table.
type RecordRow struct {
	ID        ds.Ref
	Creator   ds.DID
	SchemaRef ds.Ref
	Nonce     []byte
	CreatedAt time.Time
	Size      int64
}

// InsertRecord inserts a record row.
// Inserting a record that already exists is an error.
func (idx *Index) InsertRecord(ctx context.Context, tx *sql.Tx, row RecordRow) error {
	const q = `INSERT INTO records (id, creator, schema_ref, nonce, created_at, size) VALUES ($1, $2, $3, $4, $5, $6)`

	var schemaRef []byte
	if !row.SchemaRef.IsZero() {
		schemaRef = row.SchemaRef[:]
	}
	_, err := tx.ExecContext(ctx, q, row.ID[:], string(row.Creator), schemaRef, row.Nonce, unixOrZero(row.CreatedAt), row.Size)
	return errors.Wrap(err, "inserting record")
}

// Record fetches a record row by ID.
func (idx *Index) Record(ctx context.Context, id ds.Ref) (RecordRow, error) {
	const q = `SELECT creator, schema_ref, nonce, created_at, size FROM records WHERE id = $1`

	var (
		row       = RecordRow{ID: id}
		creator   string
		schemaRef []byte
		createdAt int64
	)
	err := idx.db.QueryRowContext(ctx, q, id[:]).Scan(&creator, &schemaRef, &row.Nonce, &createdAt, &row.Size)
	if stderrs.Is(err, sql.ErrNoRows) {
		return RecordRow{}, ds.Errorf(ds.KindRecordNotFound, "no record %s", id)
	}
	if err != nil {
		return RecordRow{}, errors.Wrap(err, "querying record")
	}
	row.Creator = ds.DID(creator)
	if len(schemaRef) > 0 {
		row.SchemaRef = ds.RefFromBytes(schemaRef)
	}
	row.CreatedAt = time.Unix(0, createdAt).UTC()
	return row, nil
}

// RecordFilter selects records for Records.
// Zero fields match everything.
type RecordFilter struct {
	Creator   ds.DID
	SchemaRef ds.Ref
}

// Records calls f for each record ID matching the filter,
// in insertion order.
func (idx *Index) Records(ctx context.Context, filter RecordFilter, f func(ds.Ref) error) error {
	const q = `SELECT id FROM records
		WHERE ($1 = '' OR creator = $1)
		AND ($2 IS NULL OR schema_ref = $2)
		ORDER BY created_at, id`

	var schemaRef []byte
	if !filter.SchemaRef.IsZero() {
		schemaRef = filter.SchemaRef[:]
	}
	return sqlutil.ForQueryRows(ctx, idx.db, q, string(filter.Creator), schemaRef, func(id []byte) error {
		return f(ds.RefFromBytes(id))
	})
}

// InsertEnvelope inserts an envelope row,
// keyed by the envelope's content hash.
// Inserting a duplicate envelope is a no-op;
// the returned boolean reports whether the row was added.
func (idx *Index) InsertEnvelope(ctx context.Context, tx *sql.Tx, env *ds.Envelope) (bool, error) {
	const q = `INSERT INTO envelopes (id, record_id, author, from_version, to_version, ops, signature, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	id := env.ID()
	// An empty vector encodes to zero bytes; bind non-nil slices so
	// sqlite stores empty blobs rather than NULLs.
	from := ds.AppendVersionVector([]byte{}, env.From)
	to := ds.AppendVersionVector([]byte{}, env.To)
	res, err := tx.ExecContext(ctx, q,
		id[:], env.Record[:], string(env.Author),
		from, to,
		env.Ops, env.Signature, env.Size())
	if err != nil {
		return false, errors.Wrap(err, "inserting envelope")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "counting affected rows")
	}
	return aff > 0, nil
}

// HasEnvelope reports whether the envelope with the given ID is stored.
func (idx *Index) HasEnvelope(ctx context.Context, id ds.Ref) (bool, error) {
	const q = `SELECT COUNT(*) FROM envelopes WHERE id = $1`

	var n int
	err := idx.db.QueryRowContext(ctx, q, id[:]).Scan(&n)
	return n > 0, errors.Wrap(err, "querying envelope")
}

// Envelopes calls f for each envelope of a record,
// in local insertion order.
// Insertion order respects causality for locally accepted envelopes:
// an envelope is only accepted once its from-version is dominated.
func (idx *Index) Envelopes(ctx context.Context, record ds.Ref, f func(*ds.Envelope) error) error {
	const q = `SELECT author, from_version, to_version, ops, signature FROM envelopes WHERE record_id = $1 ORDER BY seq`

	return sqlutil.ForQueryRows(ctx, idx.db, q, record[:], func(author string, fromBytes, toBytes, ops, sig []byte) error {
		from, err := ds.DecodeVersionVector(fromBytes)
		if err != nil {
			return errors.Wrap(err, "decoding from-version")
		}
		to, err := ds.DecodeVersionVector(toBytes)
		if err != nil {
			return errors.Wrap(err, "decoding to-version")
		}
		return f(&ds.Envelope{
			Record:    record,
			Author:    ds.DID(author),
			From:      from,
			To:        to,
			Ops:       ops,
			Signature: sig,
		})
	})
}

// DeleteRecord removes a record, its envelopes,
// and any remaining pins on it,
// refunding the creator's and each envelope author's quota.
func (idx *Index) DeleteRecord(ctx context.Context, tx *sql.Tx, id ds.Ref) error {
	var (
		creator string
		size    int64
	)
	err := tx.QueryRowContext(ctx, `SELECT creator, size FROM records WHERE id = $1`, id[:]).Scan(&creator, &size)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "querying record")
	}
	if err = idx.ReleaseBytes(ctx, tx, ds.DID(creator), size); err != nil {
		return err
	}

	err = sqlutil.ForQueryRows(ctx, tx, `SELECT author, SUM(size) FROM envelopes WHERE record_id = $1 GROUP BY author`, id[:],
		func(author string, total int64) error {
			return idx.ReleaseBytes(ctx, tx, ds.DID(author), total)
		})
	if err != nil {
		return errors.Wrap(err, "refunding envelope authors")
	}

	for _, q := range []string{
		`DELETE FROM envelopes WHERE record_id = $1`,
		`DELETE FROM record_pins WHERE record_id = $1`,
		`DELETE FROM records WHERE id = $1`,
	} {
		if _, err = tx.ExecContext(ctx, q, id[:]); err != nil {
			return errors.Wrap(err, "deleting record rows")
		}
	}
	return nil
}
