package schema

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
)

// Cache resolves schema refs to decoded field trees through an LRU.
// Schema blobs are immutable, so cached entries never go stale.
// Construct one per server and hand it to whoever validates records;
// there is no ambient global.
type Cache struct {
	g ds.Getter
	c *lru.Cache // ds.Ref -> *Field
}

// NewCache produces a Cache reading schema blobs from g
// and caching up to size decoded schemas.
func NewCache(g ds.Getter, size int) (*Cache, error) {
	c, err := lru.New(size)
	return &Cache{g: g, c: c}, err
}

// Load returns the field tree stored at ref.
func (c *Cache) Load(ctx context.Context, ref ds.Ref) (*Field, error) {
	if got, ok := c.c.Get(ref); ok {
		return got.(*Field), nil
	}
	blob, err := c.g.Get(ctx, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "getting schema blob %s", ref)
	}
	f, err := Decode(blob)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding schema %s", ref)
	}
	c.c.Add(ref, f)
	return f, nil
}

// Put stores a schema as a content-addressed blob and returns its ref.
func Put(ctx context.Context, s ds.Store, f *Field) (ds.Ref, error) {
	ref, _, err := s.Put(ctx, f.Encode())
	return ref, errors.Wrap(err, "storing schema blob")
}
