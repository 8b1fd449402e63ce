package record

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/acl"
	"github.com/docmesh/ds/doc"
	"github.com/docmesh/ds/index"
	"github.com/docmesh/ds/schema"
	"github.com/docmesh/ds/store/mem"
	"github.com/docmesh/ds/testutil"
)

func newManager(t *testing.T, opts ...index.Option) (context.Context, *Manager) {
	t.Helper()

	db, err := sql.Open("sqlite3", index.DSN(filepath.Join(t.TempDir(), "index.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	idx, err := index.New(ctx, db, opts...)
	if err != nil {
		t.Fatal(err)
	}
	blobs := mem.New()
	schemas, err := schema.NewCache(blobs, 16)
	if err != nil {
		t.Fatal(err)
	}
	return ctx, New(idx, blobs, schemas, zerolog.Nop())
}

func edit(t *testing.T, m *Manager, ctx context.Context, id ds.Ref, who *ds.Identity, f func(*Draft)) error {
	t.Helper()

	snap, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDraft(id, who.DID(), snap.Version)
	f(d)
	env, err := d.Envelope(who)
	if err != nil {
		t.Fatal(err)
	}
	return m.ApplyEnvelope(ctx, env)
}

func TestCreateAndGet(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	snap, err := m.GetFor(ctx, id, alice.DID())
	if err != nil {
		t.Fatal(err)
	}
	a := acl.FromDoc(snap.Value)
	if !a.CanManage(alice.DID()) {
		t.Error("creator cannot manage a fresh record")
	}
	if a.Public {
		t.Error("fresh record is public")
	}
}

func TestWriteDenied(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	err = edit(t, m, ctx, id, bob, func(d *Draft) {
		d.Set([]string{"title"}, doc.String("bob was here"))
	})
	if !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("got %v, want AccessDenied", err)
	}

	snap, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap.Value.Get("title"); ok {
		t.Error("denied write is visible")
	}
}

func TestGrantWrite(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	granted := acl.Owner(alice.DID())
	granted.Write = []ds.DID{bob.DID()}
	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{acl.Key}, granted.Value())
	})
	if err != nil {
		t.Fatal(err)
	}

	err = edit(t, m, ctx, id, bob, func(d *Draft) {
		d.Set([]string{"title"}, doc.String("hello"))
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := snap.Value.Get("title"); !ok || got.Str != "hello" {
		t.Errorf("got %v, want title=hello", got)
	}
}

func TestGrantSurvivesACLRewrite(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")
	carol := testutil.Identity(t, "carol")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	granted := acl.Owner(alice.DID())
	granted.Write = []ds.DID{bob.DID()}
	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{acl.Key}, granted.Value())
	})
	if err != nil {
		t.Fatal(err)
	}

	// Bob drafts against the version carrying the grant.
	snap, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	bobEnv, err := NewDraft(id, bob.DID(), snap.Version).
		Set([]string{"title"}, doc.String("from bob")).
		Envelope(bob)
	if err != nil {
		t.Fatal(err)
	}

	// Alice rewrites the whole ACL before bob's edit lands.
	// Bob is still a writer in the new ACL; the rewrite must not
	// erase the grant from the cut bob's draft was judged against.
	rewritten := acl.Owner(alice.DID())
	rewritten.Write = []ds.DID{bob.DID()}
	rewritten.Read = []ds.DID{carol.DID()}
	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{acl.Key}, rewritten.Value())
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = m.ApplyEnvelope(ctx, bobEnv); err != nil {
		t.Fatalf("edit legal at its from-version rejected: %v", err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := got.Value.Get("title"); !ok || v.Str != "from bob" {
		t.Errorf("got %v, want title=from bob", v)
	}
}

func TestReadMasking(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	// A denied read and a missing record are indistinguishable.
	if _, err = m.GetFor(ctx, id, bob.DID()); !ds.IsKind(err, ds.KindRecordNotFound) {
		t.Errorf("got %v, want RecordNotFound", err)
	}

	public := acl.Owner(alice.DID())
	public.Public = true
	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{acl.Key}, public.Value())
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = m.GetFor(ctx, id, bob.DID()); err != nil {
		t.Errorf("public record unreadable: %v", err)
	}
}

func TestQueryMasks(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Query(ctx, index.RecordFilter{}, bob.DID())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("bob sees %d records, want 0", len(got))
	}

	got, err = m.Query(ctx, index.RecordFilter{Creator: alice.DID()}, alice.DID())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != id {
		t.Errorf("got %v, want [%s]", got, id)
	}
}

func TestZeroQuota(t *testing.T) {
	ctx, m := newManager(t, index.WithDefaultQuota(0))
	alice := testutil.Identity(t, "alice")

	_, err := m.Create(ctx, alice, ds.Zero)
	if !ds.IsKind(err, ds.KindQuotaExceeded) {
		t.Fatalf("got %v, want QuotaExceeded", err)
	}

	// The rejected create leaves no rows behind.
	got, err := m.Query(ctx, index.RecordFilter{}, alice.DID())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records after rejected create, want 0", len(got))
	}
}

func TestDuplicateEnvelopeChargesOnce(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	snap, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	env, err := NewDraft(id, alice.DID(), snap.Version).
		Set([]string{"n"}, doc.Integer(1)).
		Envelope(alice)
	if err != nil {
		t.Fatal(err)
	}

	if err = m.ApplyEnvelope(ctx, env); err != nil {
		t.Fatal(err)
	}
	before, err := m.Index().Quota(ctx, alice.DID())
	if err != nil {
		t.Fatal(err)
	}

	if err = m.ApplyEnvelope(ctx, env); err != nil {
		t.Fatal(err)
	}
	after, err := m.Index().Quota(ctx, alice.DID())
	if err != nil {
		t.Fatal(err)
	}
	if after.Used != before.Used {
		t.Errorf("duplicate apply changed usage from %d to %d", before.Used, after.Used)
	}
}

func TestCausalReadiness(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	ahead := ds.VersionVector{alice.DID(): 99}
	env, err := NewDraft(id, alice.DID(), ahead).
		Set([]string{"n"}, doc.Integer(1)).
		Envelope(alice)
	if err != nil {
		t.Fatal(err)
	}
	if err = m.ApplyEnvelope(ctx, env); !ds.IsKind(err, ds.KindSyncFailed) {
		t.Errorf("got %v, want SyncFailed", err)
	}
}

func TestBadSignature(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	snap, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	env, err := NewDraft(id, alice.DID(), snap.Version).
		Set([]string{"n"}, doc.Integer(1)).
		Envelope(alice)
	if err != nil {
		t.Fatal(err)
	}
	env.Author = bob.DID() // signature no longer matches
	if err = m.ApplyEnvelope(ctx, env); !ds.IsKind(err, ds.KindInvalidSignature) {
		t.Errorf("got %v, want InvalidSignature", err)
	}
}

func TestForgedOps(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	// An op claiming another author, inside alice's signed envelope.
	from := snap.Version.Clone()
	to := from.Clone()
	to.Observe(alice.DID(), from.Get(alice.DID())+1)
	forged := &ds.Envelope{
		Record: id,
		Author: alice.DID(),
		From:   from.Clone(),
		To:     to,
		Ops: doc.EncodeOps([]doc.Op{{
			Author: bob.DID(),
			Seq:    1,
			Path:   []string{"x"},
			Kind:   doc.OpSet,
			Value:  doc.Integer(1),
		}}),
	}
	if err = forged.Sign(alice); err != nil {
		t.Fatal(err)
	}
	if err = m.ApplyEnvelope(ctx, forged); !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("got %v, want AccessDenied for a foreign op author", err)
	}

	// A to-version inflating another author's counter.
	to = from.Clone()
	to.Observe(alice.DID(), from.Get(alice.DID())+1)
	to.Observe(bob.DID(), 5)
	inflated := &ds.Envelope{
		Record: id,
		Author: alice.DID(),
		From:   from.Clone(),
		To:     to,
		Ops: doc.EncodeOps([]doc.Op{{
			Author: alice.DID(),
			Seq:    from.Get(alice.DID()) + 1,
			Path:   []string{"x"},
			Kind:   doc.OpSet,
			Value:  doc.Integer(1),
		}}),
	}
	if err = inflated.Sign(alice); err != nil {
		t.Fatal(err)
	}
	if err = m.ApplyEnvelope(ctx, inflated); !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("got %v, want AccessDenied for an inflated to-version", err)
	}

	if got, err := m.Get(ctx, id); err != nil {
		t.Fatal(err)
	} else if _, ok := got.Value.Get("x"); ok {
		t.Error("rejected envelope is visible")
	}
}

func TestRevokedCreatorMasked(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	id, err := m.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}

	granted := acl.Owner(alice.DID())
	granted.Manage = append(granted.Manage, bob.DID())
	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{acl.Key}, granted.Value())
	})
	if err != nil {
		t.Fatal(err)
	}

	// Bob, now a manager, cuts alice out entirely.
	only := acl.ACL{Manage: []ds.DID{bob.DID()}}
	err = edit(t, m, ctx, id, bob, func(d *Draft) {
		d.Set([]string{acl.Key}, only.Value())
	})
	if err != nil {
		t.Fatal(err)
	}

	// Creating a record grants no standing read right.
	if _, err = m.GetFor(ctx, id, alice.DID()); !ds.IsKind(err, ds.KindRecordNotFound) {
		t.Errorf("got %v, want RecordNotFound", err)
	}
	ok, err := m.Readable(ctx, id, alice.DID())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("revoked creator can still read")
	}
}

type failingStore struct {
	ds.Store
}

func (failingStore) Put(context.Context, ds.Blob) (ds.Ref, bool, error) {
	return ds.Zero, false, ds.NewError(ds.KindInternal, "disk full")
}

func TestGenesisStoreFailureLeavesNoRecord(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")

	schemas, err := schema.NewCache(mem.New(), 16)
	if err != nil {
		t.Fatal(err)
	}
	broken := New(m.Index(), failingStore{m.Blobs()}, schemas, zerolog.Nop())

	if _, err = broken.Create(ctx, alice, ds.Zero); err == nil {
		t.Fatal("create succeeded with a failing store")
	}

	// No committed row may point at a genesis that was never stored.
	got, err := m.Query(ctx, index.RecordFilter{}, alice.DID())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records after failed create, want 0", len(got))
	}
	uq, err := m.Index().Quota(ctx, alice.DID())
	if err != nil {
		t.Fatal(err)
	}
	if uq.Used != 0 {
		t.Errorf("got %d bytes used after failed create, want 0", uq.Used)
	}
}

func TestSchemaEnforced(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")

	f := &schema.Field{
		Kind: schema.Struct,
		Fields: map[string]*schema.Field{
			"title": {Kind: schema.String},
			"count": {Kind: schema.Optional, Elem: &schema.Field{Kind: schema.Int}},
		},
	}
	ref, err := schema.Put(ctx, m.Blobs(), f)
	if err != nil {
		t.Fatal(err)
	}

	id, err := m.Create(ctx, alice, ref)
	if err != nil {
		t.Fatal(err)
	}

	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{"title"}, doc.Integer(42))
	})
	if !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("got %v, want a schema rejection", err)
	}

	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{"title"}, doc.String("ok"))
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRestrictedFieldPerWrite(t *testing.T) {
	ctx, m := newManager(t)
	alice := testutil.Identity(t, "alice")
	bob := testutil.Identity(t, "bob")

	f := &schema.Field{
		Kind: schema.Struct,
		Fields: map[string]*schema.Field{
			"title": {Kind: schema.Optional, Elem: &schema.Field{Kind: schema.String}},
			"locked": {Kind: schema.Optional, Elem: &schema.Field{
				Kind: schema.Restricted,
				Elem: &schema.Field{Kind: schema.String},
				Actions: []schema.Action{
					{WhoPath: []string{"acl", "manage"}, Verbs: []schema.Verb{schema.Create, schema.Update, schema.Delete}},
				},
			}},
			"note": {Kind: schema.Optional, Elem: &schema.Field{
				Kind: schema.Restricted,
				Elem: &schema.Field{Kind: schema.String},
				Actions: []schema.Action{
					{Anyone: true, Verbs: []schema.Verb{schema.Create}},
					{WhoPath: []string{"acl", "manage"}, Verbs: []schema.Verb{schema.Update, schema.Delete}},
				},
			}},
		},
	}
	ref, err := schema.Put(ctx, m.Blobs(), f)
	if err != nil {
		t.Fatal(err)
	}

	id, err := m.Create(ctx, alice, ref)
	if err != nil {
		t.Fatal(err)
	}
	granted := acl.Owner(alice.DID())
	granted.Write = []ds.DID{bob.DID()}
	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{acl.Key}, granted.Value())
	})
	if err != nil {
		t.Fatal(err)
	}

	// Alice, a manager, seeds the locked field.
	err = edit(t, m, ctx, id, alice, func(d *Draft) {
		d.Set([]string{"locked"}, doc.String("secret"))
	})
	if err != nil {
		t.Fatal(err)
	}

	// A populated restricted field does not block unrelated edits.
	err = edit(t, m, ctx, id, bob, func(d *Draft) {
		d.Set([]string{"title"}, doc.String("hello"))
	})
	if err != nil {
		t.Fatalf("unrelated edit blocked: %v", err)
	}

	// Bob may not touch the restricted field itself.
	err = edit(t, m, ctx, id, bob, func(d *Draft) {
		d.Set([]string{"locked"}, doc.String("mine"))
	})
	if !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("got %v, want AccessDenied", err)
	}

	// The first write of note is a create, open to anyone;
	// the second is an update, managers only.
	err = edit(t, m, ctx, id, bob, func(d *Draft) {
		d.Set([]string{"note"}, doc.String("first"))
	})
	if err != nil {
		t.Fatalf("create blocked: %v", err)
	}
	err = edit(t, m, ctx, id, bob, func(d *Draft) {
		d.Set([]string{"note"}, doc.String("second"))
	})
	if !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("got %v, want AccessDenied for the update", err)
	}
}

func TestIngestConverges(t *testing.T) {
	ctx, src := newManager(t)
	alice := testutil.Identity(t, "alice")

	id, err := src.Create(ctx, alice, ds.Zero)
	if err != nil {
		t.Fatal(err)
	}
	err = edit(t, src, ctx, id, alice, func(d *Draft) {
		d.Set([]string{"title"}, doc.String("synced"))
	})
	if err != nil {
		t.Fatal(err)
	}

	genesisBlob, err := src.Blobs().Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	var envs []*ds.Envelope
	err = src.Index().Envelopes(ctx, id, func(env *ds.Envelope) error {
		envs = append(envs, env)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Reverse delivery order; ingest must still converge.
	for i, j := 0, len(envs)-1; i < j; i, j = i+1, j-1 {
		envs[i], envs[j] = envs[j], envs[i]
	}

	_, dst := newManager(t)
	if err = dst.Ingest(ctx, genesisBlob, envs); err != nil {
		t.Fatal(err)
	}

	want, err := src.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dst.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Value.Equal(want.Value) {
		t.Error("replica state diverged from source")
	}
	if !got.Version.Equal(want.Version) {
		t.Errorf("got version %v, want %v", got.Version, want.Version)
	}
}
