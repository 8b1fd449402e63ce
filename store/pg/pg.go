// Package pg implements a Postgresql-based content store.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/store"
)

var _ ds.Deleter = &Store{}

// Store is a Postgresql-based content store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
  ref BYTEA PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL
);
`

// New produces a new Store using `db` for storage.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, err
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref ds.Ref) (ds.Blob, error) {
	const q = `SELECT data FROM blobs WHERE ref = $1`

	var b ds.Blob
	err := s.db.QueryRowContext(ctx, q, ref[:]).Scan((*[]byte)(&b))
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, ds.ErrNotFound
	}
	return b, errors.Wrap(err, "querying blob")
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b ds.Blob) (ds.Ref, bool, error) {
	const q = `INSERT INTO blobs (ref, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	ref := b.Ref()
	res, err := s.db.ExecContext(ctx, q, ref[:], []byte(b))
	if err != nil {
		return ds.Ref{}, false, errors.Wrap(err, "inserting blob")
	}

	aff, err := res.RowsAffected()
	if err != nil {
		return ds.Ref{}, false, errors.Wrap(err, "counting affected rows")
	}

	return ref, aff > 0, nil
}

// Delete removes the blob with hash `ref`.
func (s *Store) Delete(ctx context.Context, ref ds.Ref) error {
	const q = `DELETE FROM blobs WHERE ref = $1`

	_, err := s.db.ExecContext(ctx, q, ref[:])
	return errors.Wrap(err, "deleting blob")
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start ds.Ref, f func(ds.Ref) error) error {
	const q = `SELECT ref FROM blobs WHERE ref > $1 ORDER BY ref`

	return sqlutil.ForQueryRows(ctx, s.db, q, start[:], func(ref []byte) error {
		return f(ds.RefFromBytes(ref))
	})
}

func init() {
	store.Register("pg", func(ctx context.Context, conf map[string]interface{}) (ds.Store, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
