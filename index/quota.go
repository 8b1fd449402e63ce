package index

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/pkg/errors"

	"github.com/docmesh/ds"
)

// ensureQuotaRow creates the owner's quota row if it does not exist,
// with the index's default quota.
func (idx *Index) ensureQuotaRow(ctx context.Context, tx *sql.Tx, owner ds.DID) error {
	const q = `INSERT INTO user_quotas (owner, bytes_used, quota_bytes) VALUES ($1, 0, $2) ON CONFLICT (owner) DO NOTHING`

	_, err := tx.ExecContext(ctx, q, string(owner), idx.defaultQuota)
	return errors.Wrap(err, "ensuring quota row")
}

// ReserveBytes charges n bytes against the owner's quota.
// It is a single conditional update:
// if the charge would exceed the owner's quota,
// no row changes and the result is a QuotaExceeded error.
func (idx *Index) ReserveBytes(ctx context.Context, tx *sql.Tx, owner ds.DID, n int64) error {
	const q = `UPDATE user_quotas SET bytes_used = bytes_used + $1 WHERE owner = $2 AND bytes_used + $1 <= quota_bytes`

	if err := idx.ensureQuotaRow(ctx, tx, owner); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, q, n, string(owner))
	if err != nil {
		return errors.Wrap(err, "reserving bytes")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return ds.Errorf(ds.KindQuotaExceeded, "%d bytes would exceed quota for %s", n, owner)
	}
	return nil
}

// ReleaseBytes refunds n bytes to the owner's quota,
// clamping at zero.
func (idx *Index) ReleaseBytes(ctx context.Context, tx *sql.Tx, owner ds.DID, n int64) error {
	const q = `UPDATE user_quotas SET bytes_used = MAX(0, bytes_used - $1) WHERE owner = $2`

	_, err := tx.ExecContext(ctx, q, n, string(owner))
	return errors.Wrap(err, "releasing bytes")
}

// UserQuota is an owner's byte accounting.
type UserQuota struct {
	Owner ds.DID
	Used  int64
	Quota int64
}

// Quota reports the owner's current usage and limit.
// Owners with no quota row report zero usage and the default quota.
func (idx *Index) Quota(ctx context.Context, owner ds.DID) (UserQuota, error) {
	const q = `SELECT bytes_used, quota_bytes FROM user_quotas WHERE owner = $1`

	uq := UserQuota{Owner: owner, Quota: idx.defaultQuota}
	err := idx.db.QueryRowContext(ctx, q, string(owner)).Scan(&uq.Used, &uq.Quota)
	if stderrs.Is(err, sql.ErrNoRows) {
		return uq, nil
	}
	return uq, errors.Wrap(err, "querying quota")
}

// SetQuota sets the owner's quota limit,
// preserving current usage.
func (idx *Index) SetQuota(ctx context.Context, owner ds.DID, quota int64) error {
	const q = `INSERT INTO user_quotas (owner, bytes_used, quota_bytes) VALUES ($1, 0, $2)
		ON CONFLICT (owner) DO UPDATE SET quota_bytes = $2`

	_, err := idx.db.ExecContext(ctx, q, string(owner), quota)
	return errors.Wrap(err, "setting quota")
}
