// Package file implements a content store using files and directories.
package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/store"
)

var _ ds.Deleter = &Store{}

// Store is a file-based implementation of a content store.
// Blobs live under root, sharded by ref prefix
// to keep directories small.
type Store struct {
	root string
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) blobpath(ref ds.Ref) string {
	h := ref.String()
	return filepath.Join(s.blobroot(), h[:2], h[:4], h)
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref ds.Ref) (ds.Blob, error) {
	b, err := os.ReadFile(s.blobpath(ref))
	if os.IsNotExist(err) {
		return nil, ds.ErrNotFound
	}
	return b, errors.Wrapf(err, "reading blob %s", ref)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b ds.Blob) (ds.Ref, bool, error) {
	var (
		ref  = b.Ref()
		path = s.blobpath(ref)
		dir  = filepath.Dir(path)
	)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return ref, false, errors.Wrapf(err, "creating dir %s", dir)
	}

	if _, err := os.Stat(path); err == nil {
		return ref, false, nil
	} else if !os.IsNotExist(err) {
		return ref, false, errors.Wrapf(err, "statting %s", path)
	}

	// Write-then-rename keeps a crashed Put from leaving a
	// half-written blob under its final name.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ref, false, errors.Wrap(err, "creating tempfile")
	}
	if _, err = tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ref, false, errors.Wrap(err, "writing tempfile")
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ref, false, errors.Wrap(err, "closing tempfile")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return ref, false, errors.Wrapf(err, "renaming into %s", path)
	}
	return ref, true, nil
}

// Delete removes the blob with hash `ref`.
func (s *Store) Delete(_ context.Context, ref ds.Ref) error {
	err := os.Remove(s.blobpath(ref))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "removing blob %s", ref)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start ds.Ref, f func(ds.Ref) error) error {
	var refs []ds.Ref
	err := filepath.Walk(s.blobroot(), func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipDir
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ref, err := ds.RefFromHex(info.Name())
		if err != nil {
			return nil // not a blob file
		}
		if start.Less(ref) {
			refs = append(refs, ref)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "walking blob root")
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	for _, ref := range refs {
		if err := f(ref); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (ds.Store, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
