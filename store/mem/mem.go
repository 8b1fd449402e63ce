// Package mem implements an in-memory content store.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/store"
)

var _ ds.Deleter = &Store{}

// Store is a memory-based implementation of a content store.
type Store struct {
	mu    sync.Mutex
	blobs map[ds.Ref]ds.Blob
}

// New produces a new Store.
func New() *Store {
	return &Store{blobs: make(map[ds.Ref]ds.Blob)}
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref ds.Ref) (ds.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.blobs[ref]; ok {
		return b, nil
	}
	return nil, ds.ErrNotFound
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b ds.Blob) (ds.Ref, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added bool

	r := b.Ref()
	if _, ok := s.blobs[r]; !ok {
		s.blobs[r] = b
		added = true
	}

	return r, added, nil
}

// Delete removes the blob with hash `ref`.
func (s *Store) Delete(_ context.Context, ref ds.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, ref)
	return nil
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start ds.Ref, f func(ds.Ref) error) error {
	s.mu.Lock()
	refs := make([]ds.Ref, 0, len(s.blobs))
	for ref := range s.blobs {
		refs = append(refs, ref)
	}
	s.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	index := sort.Search(len(refs), func(n int) bool {
		return start.Less(refs[n])
	})

	for i := index; i < len(refs); i++ {
		err := f(refs[i])
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (ds.Store, error) {
		return New(), nil
	})
}
