package ds

import (
	"context"
)

// Getter is a read-only Store (qv).
type Getter interface {
	// Get gets a blob by its ref.
	Get(context.Context, Ref) (Blob, error)

	// ListRefs calls a function for each blob ref in the store in lexicographic order,
	// beginning with the first ref _after_ the specified one.
	//
	// The calls reflect at least the set of refs
	// known at the moment ListRefs was called.
	// It is unspecified whether later changes,
	// that happen concurrently with ListRefs,
	// are reflected.
	//
	// If the callback function returns an error,
	// ListRefs exits with that error.
	ListRefs(context.Context, Ref, func(r Ref) error) error
}

// Store is a content store.
// It stores byte sequences - "blobs" - of arbitrary length.
// Each blob can be retrieved using its "ref" as a lookup key.
// A ref is simply the SHA2-256 hash of the blob's content.
type Store interface {
	Getter

	// Put adds b to the store if it was not already present.
	// It returns b's ref and a boolean that is true iff the blob had to be added.
	Put(ctx context.Context, b Blob) (ref Ref, added bool, err error)
}

// Deleter is a Store that supports removal.
// The pin subsystem's garbage collector requires it.
type Deleter interface {
	Store
	Delete(context.Context, Ref) error
}

// PutVerified stores b after checking it against the caller's claims:
// the blob must not exceed maxSize (checked before any bytes are
// persisted; zero means unlimited), and its computed ref must equal
// claimed. A mismatch is a hard error, not a silent accept - the
// claimed ref comes from an untrusted caller and a poisoned entry
// under the wrong ref would shadow the real content forever.
func PutVerified(ctx context.Context, s Store, b Blob, claimed Ref, maxSize int64) (Ref, bool, error) {
	if maxSize > 0 && int64(len(b)) > maxSize {
		return Zero, false, ErrTooLarge
	}
	ref := b.Ref()
	if ref != claimed {
		return Zero, false, Errorf(KindInvalidSignature, "content hashes to %s, caller claimed %s", ref, claimed)
	}
	return s.Put(ctx, b)
}
