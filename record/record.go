// Package record implements the record manager:
// creation, envelope admission, materialization, and queries.
//
// The manager is the only path by which envelopes become durable.
// Admission re-derives everything it checks from stored state
// (signature, causal readiness, the ACL at the envelope's from-version,
// the schema, the author's quota), so a replica accepts an envelope
// only when its own copy of the record justifies it.
package record

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/acl"
	"github.com/docmesh/ds/doc"
	"github.com/docmesh/ds/index"
	"github.com/docmesh/ds/schema"
)

// MaxEnvelopeSize bounds an envelope's encoded length.
const MaxEnvelopeSize = 1 << 20

// Manager coordinates the index, the content store,
// and the schema cache for one node.
type Manager struct {
	idx     *index.Index
	blobs   ds.Store
	schemas *schema.Cache
	logger  zerolog.Logger
}

// New produces a Manager.
func New(idx *index.Index, blobs ds.Store, schemas *schema.Cache, logger zerolog.Logger) *Manager {
	return &Manager{
		idx:     idx,
		blobs:   blobs,
		schemas: schemas,
		logger:  logger.With().Str("component", "record").Logger(),
	}
}

// Index exposes the manager's index for pinning and sync.
func (m *Manager) Index() *index.Index { return m.idx }

// Blobs exposes the manager's content store.
func (m *Manager) Blobs() ds.Store { return m.blobs }

// Create makes a new record owned by creator:
// a fresh genesis block plus a first envelope installing the
// creator-only ACL. Both land in one transaction,
// so a record either exists with an ACL or not at all.
func (m *Manager) Create(ctx context.Context, creator *ds.Identity, schemaRef ds.Ref) (ds.Ref, error) {
	g, err := ds.NewGenesis(creator.DID(), schemaRef)
	if err != nil {
		return ds.Zero, errors.Wrap(err, "creating genesis")
	}

	d := doc.New()
	op, err := d.Set(creator.DID(), []string{acl.Key}, acl.Owner(creator.DID()).Value())
	if err != nil {
		return ds.Zero, errors.Wrap(err, "building initial acl op")
	}

	env := &ds.Envelope{
		Record: g.ID(),
		Author: creator.DID(),
		From:   ds.VersionVector{},
		To:     d.VersionVector(),
		Ops:    doc.EncodeOps([]doc.Op{op}),
	}
	if err = env.Sign(creator); err != nil {
		return ds.Zero, errors.Wrap(err, "signing initial envelope")
	}

	return g.ID(), m.CreateRaw(ctx, g, env)
}

// CreateRaw admits an externally built genesis and initial envelope.
// Clients that hold their own keys use this path over the API:
// the node cannot sign for them, so they send both pieces.
func (m *Manager) CreateRaw(ctx context.Context, g *ds.Genesis, env *ds.Envelope) error {
	id := g.ID()
	if env.Record != id {
		return ds.Errorf(ds.KindSyncFailed, "envelope record %s does not match genesis %s", env.Record, id)
	}
	if env.Author != g.Creator {
		return ds.NewError(ds.KindAccessDenied, "initial envelope must be authored by the record creator")
	}
	if err := env.Verify(); err != nil {
		return err
	}
	ops, err := doc.DecodeOps(env.Ops)
	if err != nil {
		return ds.WrapError(ds.KindSyncFailed, err, "decoding envelope ops")
	}
	if err = validateOps(env, ops); err != nil {
		return err
	}
	if !g.Schema.IsZero() {
		// The schema blob must already exist: a record cannot
		// reference a schema this node cannot validate against.
		if _, err := m.schemas.Load(ctx, g.Schema); err != nil {
			return ds.WrapError(ds.KindBlobNotFound, err, "loading record schema")
		}
	}

	genesisBlob := ds.Blob(g.Encode())
	// Store the genesis before the index commit: an orphaned blob is
	// harmless, a committed record whose genesis cannot be served is not.
	if _, _, err = m.blobs.Put(ctx, genesisBlob); err != nil {
		return errors.Wrap(err, "storing genesis blob")
	}

	err = m.idx.InTx(ctx, func(tx *sql.Tx) error {
		size := int64(len(genesisBlob)) + env.Size()
		if err := m.idx.ReserveBytes(ctx, tx, g.Creator, size); err != nil {
			return err
		}
		if err := m.idx.InsertRecord(ctx, tx, index.RecordRow{
			ID:        id,
			Creator:   g.Creator,
			SchemaRef: g.Schema,
			Nonce:     g.Nonce[:],
			CreatedAt: g.CreatedAt,
			Size:      int64(len(genesisBlob)),
		}); err != nil {
			return err
		}
		added, err := m.idx.InsertEnvelope(ctx, tx, env)
		if err != nil {
			return err
		}
		if !added {
			return ds.Errorf(ds.KindSyncFailed, "initial envelope for %s already present", id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Stringer("record", id).
		Str("creator", string(g.Creator)).
		Msg("record created")
	return nil
}

// load replays a record's stored envelopes into a document.
func (m *Manager) load(ctx context.Context, id ds.Ref) (index.RecordRow, *doc.Doc, error) {
	row, err := m.idx.Record(ctx, id)
	if err != nil {
		return index.RecordRow{}, nil, err
	}
	d := doc.New()
	err = m.idx.Envelopes(ctx, id, func(env *ds.Envelope) error {
		ops, err := doc.DecodeOps(env.Ops)
		if err != nil {
			return errors.Wrapf(err, "decoding ops of envelope %s", env.ID())
		}
		d.Apply(ops)
		return nil
	})
	if err != nil {
		return index.RecordRow{}, nil, errors.Wrapf(err, "replaying record %s", id)
	}
	return row, d, nil
}

// aclAt computes the record's ACL as of a causal cut,
// replaying the stored envelopes the cut covers.
// A replica admits whole envelopes only, so the state an author saw
// at `at` is exactly the envelopes whose to-version `at` dominates;
// replaying them keeps superseded ACL writes visible at cuts that
// predate the superseding edit.
// Before any ops exist the record is governed by its creator alone.
func (m *Manager) aclAt(ctx context.Context, row index.RecordRow, at ds.VersionVector) (acl.ACL, error) {
	if len(at) == 0 {
		return acl.Owner(row.Creator), nil
	}
	cut := doc.New()
	err := m.idx.Envelopes(ctx, row.ID, func(env *ds.Envelope) error {
		if !at.Dominates(env.To) {
			return nil
		}
		ops, err := doc.DecodeOps(env.Ops)
		if err != nil {
			return errors.Wrapf(err, "decoding ops of envelope %s", env.ID())
		}
		cut.Apply(ops)
		return nil
	})
	if err != nil {
		return acl.ACL{}, errors.Wrapf(err, "replaying record %s at a cut", row.ID)
	}
	return acl.FromDoc(cut.Value()), nil
}

// validateOps checks decoded ops against their envelope's claims:
// every op is by the envelope's author with a sequence number inside
// (from, to], and the to-version advances the from-version in the
// author's slot alone. Without this a writer could attribute ops to
// others or inflate their counters, suppressing their future writes.
func validateOps(env *ds.Envelope, ops []doc.Op) error {
	lo, hi := env.From.Get(env.Author), env.To.Get(env.Author)
	if hi <= lo {
		return ds.Errorf(ds.KindAccessDenied, "envelope for %s does not advance its author", env.Record)
	}
	for a, n := range env.To {
		if a != env.Author && env.From.Get(a) != n {
			return ds.Errorf(ds.KindAccessDenied, "envelope for %s advances %s, not its author", env.Record, a)
		}
	}
	for a, n := range env.From {
		if a != env.Author && env.To.Get(a) != n {
			return ds.Errorf(ds.KindAccessDenied, "envelope for %s drops %s from its to-version", env.Record, a)
		}
	}
	for _, op := range ops {
		if op.Author != env.Author {
			return ds.Errorf(ds.KindAccessDenied, "op by %s inside an envelope by %s", op.Author, env.Author)
		}
		if op.Seq <= lo || op.Seq > hi {
			return ds.Errorf(ds.KindAccessDenied, "op sequence %d outside envelope range (%d, %d]", op.Seq, lo, hi)
		}
	}
	return nil
}

// ApplyEnvelope admits one envelope into a record.
// Re-applying an envelope the record has already seen is a no-op.
func (m *Manager) ApplyEnvelope(ctx context.Context, env *ds.Envelope) error {
	if env.Size() > MaxEnvelopeSize {
		return ds.Errorf(ds.KindQuotaExceeded, "envelope exceeds %d bytes", MaxEnvelopeSize)
	}
	if err := env.Verify(); err != nil {
		return err
	}

	row, d, err := m.load(ctx, env.Record)
	if err != nil {
		return err
	}

	// Causal readiness: the envelope's from-version must already be
	// covered here, or ops it depends on would be missing.
	if !d.VersionVector().Dominates(env.From) {
		return ds.Errorf(ds.KindSyncFailed, "envelope for %s arrived before its dependencies", env.Record)
	}

	// Authorization is judged against the ACL the author saw,
	// so racing permission changes cannot retroactively reject
	// an edit that was legal when made.
	a, err := m.aclAt(ctx, row, env.From)
	if err != nil {
		return err
	}
	if !a.CanWrite(env.Author) {
		return ds.Errorf(ds.KindAccessDenied, "%s may not write record %s", env.Author, env.Record)
	}

	ops, err := doc.DecodeOps(env.Ops)
	if err != nil {
		return ds.WrapError(ds.KindSyncFailed, err, "decoding envelope ops")
	}
	if err = validateOps(env, ops); err != nil {
		return err
	}

	if !row.SchemaRef.IsZero() {
		f, err := m.schemas.Load(ctx, row.SchemaRef)
		if err != nil {
			return errors.Wrap(err, "loading record schema")
		}

		// Restricted-field policy applies per written path, with the
		// verb and who-lists judged against the pre-edit state,
		// so an edit cannot grant itself access.
		before := d.Value()
		for _, op := range ops {
			if len(op.Path) > 0 && op.Path[0] == acl.Key {
				continue
			}
			verb := schema.Update
			if op.Kind == doc.OpDelete {
				verb = schema.Delete
			} else if _, ok := before.Get(op.Path...); !ok {
				verb = schema.Create
			}
			vctx := &schema.Context{Actor: env.Author, Verb: verb, Root: before}
			if err = f.CheckAction(op.Path, vctx); err != nil {
				return err
			}
		}

		merged := doc.New()
		merged.Merge(d)
		merged.Apply(ops)
		if err = f.Validate(payloadOf(merged.Value()), nil); err != nil {
			return ds.WrapError(ds.KindAccessDenied, err, "schema violation")
		}
	}

	err = m.idx.InTx(ctx, func(tx *sql.Tx) error {
		added, err := m.idx.InsertEnvelope(ctx, tx, env)
		if err != nil {
			return err
		}
		if !added {
			return nil
		}
		// Charge only once per envelope identity.
		return m.idx.ReserveBytes(ctx, tx, env.Author, env.Size())
	})
	if err != nil {
		return err
	}

	m.logger.Debug().
		Stringer("record", env.Record).
		Str("author", string(env.Author)).
		Msg("envelope applied")
	return nil
}

// payloadOf strips the ACL key before schema validation:
// the ACL is infrastructure, present in every record,
// and schemas describe only the user payload.
func payloadOf(v doc.Value) doc.Value {
	if v.Kind != doc.KindMap {
		return v
	}
	out := make(map[string]doc.Value, len(v.Map))
	for k, e := range v.Map {
		if k == acl.Key {
			continue
		}
		out[k] = e
	}
	return doc.MapOf(out)
}

// Snapshot is a materialized record state.
type Snapshot struct {
	ID      ds.Ref
	Creator ds.DID
	Schema  ds.Ref
	Version ds.VersionVector
	Value   doc.Value
}

// Get materializes a record with no access check.
// It is the trusted-path read; use GetFor at an API boundary.
func (m *Manager) Get(ctx context.Context, id ds.Ref) (*Snapshot, error) {
	row, d, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:      id,
		Creator: row.Creator,
		Schema:  row.SchemaRef,
		Version: d.VersionVector(),
		Value:   d.Value(),
	}, nil
}

// GetFor materializes a record for a reader.
// A record the reader may not see reports RecordNotFound,
// identically to a record that does not exist,
// so probing cannot distinguish the two.
func (m *Manager) GetFor(ctx context.Context, id ds.Ref, reader ds.DID) (*Snapshot, error) {
	row, d, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	// The creator holds no standing right: stripped from the current
	// ACL, they are masked like any other reader.
	if !acl.FromDoc(d.Value()).CanRead(reader) {
		return nil, ds.Errorf(ds.KindRecordNotFound, "no record %s", id)
	}
	return &Snapshot{
		ID:      id,
		Creator: row.Creator,
		Schema:  row.SchemaRef,
		Version: d.VersionVector(),
		Value:   d.Value(),
	}, nil
}

// Readable reports whether reader may see the record.
func (m *Manager) Readable(ctx context.Context, id ds.Ref, reader ds.DID) (bool, error) {
	_, d, err := m.load(ctx, id)
	if ds.IsKind(err, ds.KindRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acl.FromDoc(d.Value()).CanRead(reader), nil
}

// Query lists record IDs matching the filter that reader may see.
func (m *Manager) Query(ctx context.Context, filter index.RecordFilter, reader ds.DID) ([]ds.Ref, error) {
	var out []ds.Ref
	err := m.idx.Records(ctx, filter, func(id ds.Ref) error {
		ok, err := m.Readable(ctx, id, reader)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

// Ingest admits a record from a peer during sync:
// the genesis blob plus any envelopes the peer sent.
// Envelopes that are not yet causally ready are retried after the rest,
// since peers stream in their own insertion order, not ours.
func (m *Manager) Ingest(ctx context.Context, genesisBlob ds.Blob, envs []*ds.Envelope) error {
	g, err := ds.DecodeGenesis(genesisBlob)
	if err != nil {
		return ds.WrapError(ds.KindSyncFailed, err, "decoding genesis")
	}
	id := g.ID()

	if _, err = m.idx.Record(ctx, id); ds.IsKind(err, ds.KindRecordNotFound) {
		var initial *ds.Envelope
		for _, env := range envs {
			if env.Author == g.Creator && len(env.From) == 0 {
				initial = env
				break
			}
		}
		if initial == nil {
			return ds.Errorf(ds.KindSyncFailed, "peer sent record %s without its initial envelope", id)
		}
		if err = m.CreateRaw(ctx, g, initial); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	pending := envs
	for len(pending) > 0 {
		var (
			next     []*ds.Envelope
			progress bool
		)
		for _, env := range pending {
			err := m.ApplyEnvelope(ctx, env)
			switch {
			case err == nil:
				progress = true
			case ds.IsKind(err, ds.KindSyncFailed):
				next = append(next, env)
			default:
				return err
			}
		}
		if !progress {
			return ds.Errorf(ds.KindSyncFailed, "%d envelopes for %s never became applicable", len(next), id)
		}
		pending = next
	}
	return nil
}
