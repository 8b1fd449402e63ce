package doc

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/docmesh/ds"
)

const (
	alice = ds.DID("did:key:zAlice")
	bob   = ds.DID("did:key:zBob")
)

func TestSetGet(t *testing.T) {
	d := New()
	_, err := d.Set(alice, []string{"title"}, String("hello"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Set(alice, []string{"meta", "lang"}, String("en"))
	if err != nil {
		t.Fatal(err)
	}

	v := d.Value()
	got, ok := v.Get("title")
	if !ok || got.Str != "hello" {
		t.Errorf("got %v, want title=hello", got)
	}
	got, ok = v.Get("meta", "lang")
	if !ok || got.Str != "en" {
		t.Errorf("got %v, want meta/lang=en", got)
	}
}

func TestDelete(t *testing.T) {
	d := New()
	d.Set(alice, []string{"a", "b"}, Integer(1))
	d.Set(alice, []string{"a", "c"}, Integer(2))
	d.Delete(alice, []string{"a"})

	v := d.Value()
	if _, ok := v.Get("a", "b"); ok {
		t.Error("a/b survived delete of a")
	}

	// A later write below the deleted path recreates the subtree.
	d.Set(alice, []string{"a", "b"}, Integer(3))
	got, ok := d.Value().Get("a", "b")
	if !ok || got.Int != 3 {
		t.Errorf("got %v, want a/b=3", got)
	}
}

func TestApplyIdempotent(t *testing.T) {
	d := New()
	op1, _ := d.Set(alice, []string{"x"}, Integer(1))
	op2, _ := d.Set(alice, []string{"y"}, Integer(2))

	before := d.Value().Encode()
	d.Apply([]Op{op1, op2})
	d.Apply([]Op{op2, op1})
	after := d.Value().Encode()

	if !bytes.Equal(before, after) {
		t.Error("re-applying ops changed document state")
	}
}

func TestConvergenceUnderReordering(t *testing.T) {
	// Build a pile of ops from two authors on one doc.
	src := New()
	var ops []Op
	add := func(op Op, err error) {
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}
	add(src.Set(alice, []string{"title"}, String("one")))
	add(src.Set(bob, []string{"title"}, String("two")))
	add(src.Set(alice, []string{"meta", "lang"}, String("en")))
	add(src.Set(bob, []string{"meta"}, MapOf(map[string]Value{"lang": String("fr")})))
	add(src.Delete(alice, []string{"meta", "lang"}))
	add(src.Set(bob, []string{"tags"}, ListOf(String("x"), String("y"))))

	want := applyOrder(ops)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]Op(nil), ops...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := applyOrder(shuffled)
		if !bytes.Equal(want, got) {
			t.Fatalf("order %d diverged", i)
		}
	}
}

func applyOrder(ops []Op) []byte {
	d := New()
	for _, op := range ops {
		d.Apply([]Op{op})
	}
	return d.Value().Encode()
}

func TestMerge(t *testing.T) {
	a := New()
	a.Set(alice, []string{"from-alice"}, Integer(1))

	b := New()
	b.Set(bob, []string{"from-bob"}, Integer(2))

	a.Merge(b)
	b.Merge(a)

	if diff := cmp.Diff(a.Value().Encode(), b.Value().Encode()); diff != "" {
		t.Errorf("replicas diverged (-a +b):\n%s", diff)
	}
	if !a.VersionVector().Equal(b.VersionVector()) {
		t.Error("version vectors diverged")
	}
}

func TestExportOps(t *testing.T) {
	d := New()
	d.Set(alice, []string{"a"}, Integer(1))
	seen := d.VersionVector()
	d.Set(alice, []string{"b"}, Integer(2))
	d.Set(bob, []string{"c"}, Integer(3))

	ops := d.ExportOps(seen)
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}

	// A replica at `seen` catches up from the export.
	r := New()
	r.Set(alice, []string{"a"}, Integer(1))
	r.Apply(ops)
	if !bytes.Equal(r.Value().Encode(), d.Value().Encode()) {
		t.Error("replica did not converge from exported ops")
	}
}

func TestOpsRoundTrip(t *testing.T) {
	d := New()
	op1, _ := d.Set(alice, []string{"s"}, String("v"))
	op2, _ := d.Set(alice, []string{"n"}, Float(2.5))
	op3, _ := d.Delete(alice, []string{"s"})

	enc := EncodeOps([]Op{op1, op2, op3})
	got, err := DecodeOps(enc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Op{op1, op2, op3}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestValueRoundTrip(t *testing.T) {
	v := MapOf(map[string]Value{
		"b":    Boolean(true),
		"i":    Integer(-42),
		"f":    Float(1.5),
		"s":    String("hi"),
		"by":   BytesValue([]byte{1, 2, 3}),
		"l":    ListOf(Integer(1), String("two")),
		"m":    MapOf(map[string]Value{"nested": Null()}),
		"null": Null(),
	})

	got, err := DecodeValue(v.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(v) {
		t.Error("value round trip mismatch")
	}
	if !bytes.Equal(got.Encode(), v.Encode()) {
		t.Error("re-encoding is not canonical")
	}
}
