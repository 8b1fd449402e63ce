package store

import (
	"context"
	"fmt"

	"github.com/docmesh/ds"
)

// Factory constructs a content store from a config map.
type Factory func(context.Context, map[string]interface{}) (ds.Store, error)

var registry = make(map[string]Factory)

// Register adds a store type to the registry.
// Backends call it from init, so importing a backend package
// (possibly blank) is what makes its type available.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create constructs a store of the registered type named by key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (ds.Store, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}
