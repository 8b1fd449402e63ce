package lru

import (
	"context"
	"testing"

	"github.com/docmesh/ds/store/mem"
	"github.com/docmesh/ds/testutil"
)

func TestStore(t *testing.T) {
	s, err := New(mem.New(), 10)
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(context.Background(), t, s, []byte("the quick brown fox jumps over the lazy dog"))
}

func TestCacheHit(t *testing.T) {
	ctx := context.Background()

	nested := mem.New()
	s, err := New(nested, 10)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("cached")
	ref, _, err := s.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}

	// Remove from the nested store; the cache should still serve it.
	if err = nested.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("got %q, want %q", got, data)
	}
}
