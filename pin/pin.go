// Package pin implements TTL pinning and the garbage collector
// driven by pin expiry.
//
// Content stays alive exactly as long as someone holds an unexpired
// pin on it. Expiry is handled two ways: pins shorter than
// FastThreshold get a dedicated timer so short-lived content leaves
// promptly, and a periodic sweep catches everything else, including
// timers lost to a restart.
package pin

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/index"
)

// DefaultFastThreshold is the TTL below which a pin gets its own
// expiry timer instead of waiting for the next sweep.
const DefaultFastThreshold = 30 * time.Second

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = time.Minute

// Manager tracks pins and collects expired content.
type Manager struct {
	idx    *index.Index
	blobs  ds.Deleter
	logger zerolog.Logger

	fastThreshold time.Duration
	sweepEvery    time.Duration

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	closed bool
}

type timerKey struct {
	owner  ds.DID
	ref    ds.Ref
	record bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithFastThreshold overrides DefaultFastThreshold.
func WithFastThreshold(d time.Duration) Option {
	return func(m *Manager) { m.fastThreshold = d }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepEvery = d }
}

// New produces a Manager collecting from blobs as pins in idx expire.
func New(idx *index.Index, blobs ds.Deleter, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		idx:           idx,
		blobs:         blobs,
		logger:        logger.With().Str("component", "pin").Logger(),
		fastThreshold: DefaultFastThreshold,
		sweepEvery:    DefaultSweepInterval,
		timers:        make(map[timerKey]*time.Timer),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// PinBlob stores data and pins it for owner until now+ttl,
// charging owner for the bytes if the blob is new here.
// Pinning an already pinned blob renews the pin;
// renewal never shortens it.
func (m *Manager) PinBlob(ctx context.Context, owner ds.DID, data ds.Blob, ttl time.Duration) (ds.Ref, error) {
	var (
		ref     = data.Ref()
		size    = int64(len(data))
		expires = time.Now().Add(ttl)
	)
	err := m.idx.InTx(ctx, func(tx *sql.Tx) error {
		added, err := m.idx.RegisterBlob(ctx, tx, ref, owner, size)
		if err != nil {
			return err
		}
		if added {
			if err = m.idx.ReserveBytes(ctx, tx, owner, size); err != nil {
				return err
			}
		}
		return m.idx.PinBlob(ctx, tx, owner, ref, size, expires)
	})
	if err != nil {
		return ds.Zero, err
	}
	if _, _, err = m.blobs.Put(ctx, data); err != nil {
		return ds.Zero, errors.Wrap(err, "storing pinned blob")
	}
	m.schedule(timerKey{owner: owner, ref: ref}, ttl)
	return ref, nil
}

// RenewBlob extends owner's existing pin on a blob without re-sending it.
func (m *Manager) RenewBlob(ctx context.Context, owner ds.DID, ref ds.Ref, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	err := m.idx.InTx(ctx, func(tx *sql.Tx) error {
		_, size, err := m.idx.Blob(ctx, ref)
		if err != nil {
			return err
		}
		return m.idx.PinBlob(ctx, tx, owner, ref, size, expires)
	})
	if err != nil {
		return err
	}
	m.schedule(timerKey{owner: owner, ref: ref}, ttl)
	return nil
}

// PinRecord pins a record for owner until now+ttl.
// Record bytes are charged at admission,
// so the pin itself is free.
func (m *Manager) PinRecord(ctx context.Context, owner ds.DID, id ds.Ref, ttl time.Duration) error {
	if _, err := m.idx.Record(ctx, id); err != nil {
		return err
	}
	expires := time.Now().Add(ttl)
	err := m.idx.InTx(ctx, func(tx *sql.Tx) error {
		return m.idx.PinRecord(ctx, tx, owner, id, expires)
	})
	if err != nil {
		return err
	}
	m.schedule(timerKey{owner: owner, ref: id, record: true}, ttl)
	return nil
}

// UnpinBlob drops owner's pin on a blob,
// collecting the blob if no live pins remain.
func (m *Manager) UnpinBlob(ctx context.Context, owner ds.DID, ref ds.Ref) error {
	m.cancel(timerKey{owner: owner, ref: ref})

	var collect bool
	err := m.idx.InTx(ctx, func(tx *sql.Tx) error {
		if err := m.idx.UnpinBlob(ctx, tx, owner, ref); err != nil {
			return err
		}
		n, err := m.idx.LiveBlobPins(ctx, tx, ref, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		collect = true
		return m.idx.UnregisterBlob(ctx, tx, ref)
	})
	if err != nil {
		return err
	}
	if collect {
		return m.deleteBlob(ctx, ref)
	}
	return nil
}

// UnpinRecord drops owner's pin on a record,
// collecting the record if no live pins remain.
func (m *Manager) UnpinRecord(ctx context.Context, owner ds.DID, id ds.Ref) error {
	m.cancel(timerKey{owner: owner, ref: id, record: true})

	var collect bool
	err := m.idx.InTx(ctx, func(tx *sql.Tx) error {
		if err := m.idx.UnpinRecord(ctx, tx, owner, id); err != nil {
			return err
		}
		n, err := m.idx.LiveRecordPins(ctx, tx, id, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		collect = true
		return m.idx.DeleteRecord(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	if collect {
		return m.deleteBlob(ctx, id)
	}
	return nil
}

func (m *Manager) deleteBlob(ctx context.Context, ref ds.Ref) error {
	err := m.blobs.Delete(ctx, ref)
	if ds.IsKind(err, ds.KindBlobNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "deleting blob %s", ref)
	}
	m.logger.Debug().Stringer("ref", ref).Msg("collected")
	return nil
}

// schedule arms a per-pin expiry timer for short TTLs.
func (m *Manager) schedule(key timerKey, ttl time.Duration) {
	if ttl >= m.fastThreshold {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(ttl, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		m.expire(context.Background(), key)
	})
}

func (m *Manager) cancel(key timerKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
}

// expire sweeps one pin.
// The expiry recheck inside the transaction makes a stale timer
// harmless: a renewed pin is simply left alone.
func (m *Manager) expire(ctx context.Context, key timerKey) {
	var collect bool
	err := m.idx.InTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if key.record {
			deleted, err := m.idx.DeleteExpiredRecordPin(ctx, tx, key.owner, key.ref, now)
			if err != nil || !deleted {
				return err
			}
			n, err := m.idx.LiveRecordPins(ctx, tx, key.ref, now)
			if err != nil || n > 0 {
				return err
			}
			collect = true
			return m.idx.DeleteRecord(ctx, tx, key.ref)
		}
		deleted, err := m.idx.DeleteExpiredBlobPin(ctx, tx, key.owner, key.ref, now)
		if err != nil || !deleted {
			return err
		}
		n, err := m.idx.LiveBlobPins(ctx, tx, key.ref, now)
		if err != nil || n > 0 {
			return err
		}
		collect = true
		return m.idx.UnregisterBlob(ctx, tx, key.ref)
	})
	if err != nil {
		m.logger.Error().Err(err).Stringer("ref", key.ref).Msg("expiring pin")
		return
	}
	if collect {
		if err = m.deleteBlob(ctx, key.ref); err != nil {
			m.logger.Error().Err(err).Stringer("ref", key.ref).Msg("collecting content")
		}
	}
}

// SweepOnce collects everything whose pins have expired as of now.
func (m *Manager) SweepOnce(ctx context.Context, now time.Time) error {
	var blobPins []index.BlobPin
	err := m.idx.ExpiredBlobPins(ctx, now, func(p index.BlobPin) error {
		blobPins = append(blobPins, p)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing expired blob pins")
	}
	for _, p := range blobPins {
		m.expire(ctx, timerKey{owner: p.Owner, ref: p.Hash})
	}

	var recPins []index.RecordPin
	err = m.idx.ExpiredRecordPins(ctx, now, func(p index.RecordPin) error {
		recPins = append(recPins, p)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing expired record pins")
	}
	for _, p := range recPins {
		m.expire(ctx, timerKey{owner: p.Owner, ref: p.Record, record: true})
	}
	return nil
}

// Run sweeps periodically until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	defer m.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := m.SweepOnce(ctx, now); err != nil {
				m.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (m *Manager) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}
