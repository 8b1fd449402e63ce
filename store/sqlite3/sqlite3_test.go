package sqlite3

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docmesh/ds/testutil"
)

func TestStore(t *testing.T) {
	withStore(t, func(ctx context.Context, store *Store) {
		testutil.ReadWrite(ctx, t, store, []byte("the quick brown fox jumps over the lazy dog"))
	})
}

func TestDelete(t *testing.T) {
	withStore(t, func(ctx context.Context, store *Store) {
		testutil.Deletes(ctx, t, store, []byte("ephemeral"))
	})
}

func withStore(t *testing.T, f func(context.Context, *Store)) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	store, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}

	f(ctx, store)
}
