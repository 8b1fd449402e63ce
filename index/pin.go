package index

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
)

// RegisterBlob records a raw blob's owner and size for refund accounting.
// Re-registering an existing blob is a no-op;
// the returned boolean reports whether the row was added,
// which tells the caller whether to charge the owner.
func (idx *Index) RegisterBlob(ctx context.Context, tx *sql.Tx, hash ds.Ref, owner ds.DID, size int64) (bool, error) {
	const q = `INSERT INTO blobs (hash, owner, size) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING`

	res, err := tx.ExecContext(ctx, q, hash[:], string(owner), size)
	if err != nil {
		return false, errors.Wrap(err, "registering blob")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "counting affected rows")
	}
	return aff > 0, nil
}

// Blob reports the registered owner and size of a blob.
func (idx *Index) Blob(ctx context.Context, hash ds.Ref) (ds.DID, int64, error) {
	const q = `SELECT owner, size FROM blobs WHERE hash = $1`

	var (
		owner string
		size  int64
	)
	err := idx.db.QueryRowContext(ctx, q, hash[:]).Scan(&owner, &size)
	if stderrs.Is(err, sql.ErrNoRows) {
		return "", 0, ds.Errorf(ds.KindBlobNotFound, "no blob %s", hash)
	}
	return ds.DID(owner), size, errors.Wrap(err, "querying blob")
}

// UnregisterBlob removes a blob's row,
// refunding its owner.
func (idx *Index) UnregisterBlob(ctx context.Context, tx *sql.Tx, hash ds.Ref) error {
	var (
		owner string
		size  int64
	)
	err := tx.QueryRowContext(ctx, `SELECT owner, size FROM blobs WHERE hash = $1`, hash[:]).Scan(&owner, &size)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "querying blob")
	}
	if err = idx.ReleaseBytes(ctx, tx, ds.DID(owner), size); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = $1`, hash[:])
	return errors.Wrap(err, "deleting blob row")
}

// PinBlob adds or renews the owner's pin on a blob,
// extending expiry to now+ttl.
// Renewing never shortens an existing pin.
func (idx *Index) PinBlob(ctx context.Context, tx *sql.Tx, owner ds.DID, hash ds.Ref, size int64, expires time.Time) error {
	const q = `INSERT INTO blob_pins (owner, hash, expires, size) VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, hash) DO UPDATE SET expires = MAX(expires, $3)`

	_, err := tx.ExecContext(ctx, q, string(owner), hash[:], expires.UnixNano(), size)
	return errors.Wrap(err, "pinning blob")
}

// PinRecord adds or renews the owner's pin on a record.
func (idx *Index) PinRecord(ctx context.Context, tx *sql.Tx, owner ds.DID, record ds.Ref, expires time.Time) error {
	const q = `INSERT INTO record_pins (owner, record_id, expires) VALUES ($1, $2, $3)
		ON CONFLICT (owner, record_id) DO UPDATE SET expires = MAX(expires, $3)`

	_, err := tx.ExecContext(ctx, q, string(owner), record[:], expires.UnixNano())
	return errors.Wrap(err, "pinning record")
}

// UnpinBlob removes the owner's pin on a blob.
// Unpinning a blob the owner has not pinned is a NotPinned error.
func (idx *Index) UnpinBlob(ctx context.Context, tx *sql.Tx, owner ds.DID, hash ds.Ref) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM blob_pins WHERE owner = $1 AND hash = $2`, string(owner), hash[:])
	if err != nil {
		return errors.Wrap(err, "unpinning blob")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return ds.Errorf(ds.KindNotPinned, "%s has no pin on blob %s", owner, hash)
	}
	return nil
}

// UnpinRecord removes the owner's pin on a record.
func (idx *Index) UnpinRecord(ctx context.Context, tx *sql.Tx, owner ds.DID, record ds.Ref) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM record_pins WHERE owner = $1 AND record_id = $2`, string(owner), record[:])
	if err != nil {
		return errors.Wrap(err, "unpinning record")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return ds.Errorf(ds.KindNotPinned, "%s has no pin on record %s", owner, record)
	}
	return nil
}

// BlobPin is a row of the blob_pins table.
type BlobPin struct {
	Owner   ds.DID
	Hash    ds.Ref
	Expires time.Time
	Size    int64
}

// RecordPin is a row of the record_pins table.
type RecordPin struct {
	Owner   ds.DID
	Record  ds.Ref
	Expires time.Time
}

// ExpiredBlobPins calls f for each blob pin expiring at or before now.
func (idx *Index) ExpiredBlobPins(ctx context.Context, now time.Time, f func(BlobPin) error) error {
	const q = `SELECT owner, hash, expires, size FROM blob_pins WHERE expires <= $1 ORDER BY expires`

	return sqlutil.ForQueryRows(ctx, idx.db, q, now.UnixNano(), func(owner string, hash []byte, expires, size int64) error {
		return f(BlobPin{
			Owner:   ds.DID(owner),
			Hash:    ds.RefFromBytes(hash),
			Expires: time.Unix(0, expires).UTC(),
			Size:    size,
		})
	})
}

// ExpiredRecordPins calls f for each record pin expiring at or before now.
func (idx *Index) ExpiredRecordPins(ctx context.Context, now time.Time, f func(RecordPin) error) error {
	const q = `SELECT owner, record_id, expires FROM record_pins WHERE expires <= $1 ORDER BY expires`

	return sqlutil.ForQueryRows(ctx, idx.db, q, now.UnixNano(), func(owner string, record []byte, expires int64) error {
		return f(RecordPin{
			Owner:   ds.DID(owner),
			Record:  ds.RefFromBytes(record),
			Expires: time.Unix(0, expires).UTC(),
		})
	})
}

// LiveBlobPins counts unexpired pins on a blob.
func (idx *Index) LiveBlobPins(ctx context.Context, tx *sql.Tx, hash ds.Ref, now time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM blob_pins WHERE hash = $1 AND expires > $2`

	var n int
	err := tx.QueryRowContext(ctx, q, hash[:], now.UnixNano()).Scan(&n)
	return n, errors.Wrap(err, "counting blob pins")
}

// LiveRecordPins counts unexpired pins on a record.
func (idx *Index) LiveRecordPins(ctx context.Context, tx *sql.Tx, record ds.Ref, now time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM record_pins WHERE record_id = $1 AND expires > $2`

	var n int
	err := tx.QueryRowContext(ctx, q, record[:], now.UnixNano()).Scan(&n)
	return n, errors.Wrap(err, "counting record pins")
}

// DeleteExpiredBlobPin removes one expired blob pin row.
// The expiry check repeats inside the delete
// so a pin renewed since the sweep began survives.
func (idx *Index) DeleteExpiredBlobPin(ctx context.Context, tx *sql.Tx, owner ds.DID, hash ds.Ref, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM blob_pins WHERE owner = $1 AND hash = $2 AND expires <= $3`,
		string(owner), hash[:], now.UnixNano())
	if err != nil {
		return false, errors.Wrap(err, "deleting expired blob pin")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "counting affected rows")
	}
	return aff > 0, nil
}

// DeleteExpiredRecordPin removes one expired record pin row.
func (idx *Index) DeleteExpiredRecordPin(ctx context.Context, tx *sql.Tx, owner ds.DID, record ds.Ref, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM record_pins WHERE owner = $1 AND record_id = $2 AND expires <= $3`,
		string(owner), record[:], now.UnixNano())
	if err != nil {
		return false, errors.Wrap(err, "deleting expired record pin")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "counting affected rows")
	}
	return aff > 0, nil
}
