// Package lru implements a content store that acts as a least-recently-used cache for a nested store.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/store"
)

var _ ds.Store = &Store{}

// Store implements a memory-based least-recently-used cache for a content store.
// Writes pass through to the underlying store.
type Store struct {
	c *lru.Cache // ds.Ref -> ds.Blob
	s ds.Store
}

// New produces a new Store backed by `s` and caching up to `size` blobs.
func New(s ds.Store, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, err
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref ds.Ref) (ds.Blob, error) {
	if got, ok := s.c.Get(ref); ok {
		return got.(ds.Blob), nil
	}
	blob, err := s.s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.c.Add(ref, blob)
	return blob, nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b ds.Blob) (ds.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	if err != nil {
		return ref, added, err
	}
	s.c.Add(ref, b)
	return ref, added, nil
}

// Delete removes a blob from the cache and the nested store.
func (s *Store) Delete(ctx context.Context, ref ds.Ref) error {
	s.c.Remove(ref)
	if d, ok := s.s.(ds.Deleter); ok {
		return d.Delete(ctx, ref)
	}
	return nil
}

// ListRefs produces all blob refs in the nested store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start ds.Ref, f func(ds.Ref) error) error {
	return s.s.ListRefs(ctx, start, f)
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (ds.Store, error) {
		size, ok := conf["size"].(int)
		if !ok {
			if f, fok := conf["size"].(float64); fok {
				size, ok = int(f), true
			}
		}
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, ok := conf["nested"].(map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "nested" parameter`)
		}
		nestedType, ok := nested["type"].(string)
		if !ok {
			return nil, errors.New(`"nested" parameter missing "type"`)
		}
		nestedStore, err := store.Create(ctx, nestedType, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		return New(nestedStore, size)
	})
}
