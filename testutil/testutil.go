// Package testutil contains helpers for testing content-store
// implementations and for minting test identities.
package testutil

import (
	"bytes"
	"context"
	"testing"

	"github.com/docmesh/ds"
)

// ReadWrite permits testing a Store implementation
// by writing some data to it,
// then reading it back out to make sure it's the same,
// and checking the content-addressing properties along the way.
func ReadWrite(ctx context.Context, t *testing.T, store ds.Store, data []byte) {
	ref, added, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("first Put reports added=false")
	}
	if want := ds.Blob(data).Ref(); ref != want {
		t.Errorf("Put returned ref %s, want %s", ref, want)
	}

	// Idempotence: the same bytes yield the same ref and no new blob.
	ref2, added, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second Put reports added=true")
	}
	if ref2 != ref {
		t.Errorf("second Put returned ref %s, want %s", ref2, ref)
	}

	got, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned %d bytes that do not match the %d written", len(got), len(data))
	}

	found := false
	err = store.ListRefs(ctx, ds.Ref{}, func(r ds.Ref) error {
		if r == ref {
			found = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Errorf("ListRefs did not produce %s", ref)
	}
}

// Deletes permits testing a Deleter implementation.
func Deletes(ctx context.Context, t *testing.T, store ds.Deleter, data []byte) {
	ref, _, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Delete(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Get(ctx, ref)
	if !ds.IsKind(err, ds.KindBlobNotFound) {
		t.Errorf("Get after Delete: got %v, want not-found", err)
	}
}

// Identity derives a deterministic test identity from a name.
func Identity(t *testing.T, name string) *ds.Identity {
	seed := make([]byte, 32)
	copy(seed, name)
	id, err := ds.IdentityFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	return id
}
