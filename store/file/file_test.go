package file

import (
	"context"
	"testing"

	"github.com/docmesh/ds/testutil"
)

func TestStore(t *testing.T) {
	s := New(t.TempDir())
	testutil.ReadWrite(context.Background(), t, s, []byte("the quick brown fox jumps over the lazy dog"))
}

func TestDelete(t *testing.T) {
	s := New(t.TempDir())
	testutil.Deletes(context.Background(), t, s, []byte("ephemeral"))
}
