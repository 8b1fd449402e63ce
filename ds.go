// Package ds describes a distributed, content-addressed document store.
//
// The store keeps two kinds of data.
// Blobs are arbitrary byte sequences indexed by their sha2-256 hash,
// which serves as a unique key called the blob's reference, or _ref_.
// Records are mutable documents built on top of blobs:
// each record is identified by the ref of its immutable genesis block
// and evolves through a chain of signed envelopes
// merged in causal order.
//
// Because a ref is computed from content rather than assigned,
// storing the same bytes twice always yields the same ref,
// and replicas that exchange envelopes for a record
// converge on the same document state without a central authority.
//
// Principals are identified by DIDs:
// self-certifying names that resolve to ed25519 public keys.
// Every envelope is signed by its author's DID,
// and every record carries its own access-control list
// inside the document it governs.
package ds

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

type (
	// Blob is the type of a blob.
	Blob []byte

	// Ref is the ref of a blob: its sha256 hash.
	Ref [sha256.Size]byte
)

// Ref computes the Ref of a blob.
func (b Blob) Ref() Ref {
	return sha256.Sum256(b)
}

// Zero is the zero value of a Ref.
var Zero Ref

func (r Ref) String() string {
	return hex.EncodeToString(r[:])
}

func (r Ref) IsZero() bool {
	return r == Zero
}

func (r Ref) Less(other Ref) bool {
	return bytes.Compare(r[:], other[:]) < 0
}

func (r *Ref) FromHex(s string) error {
	if len(s) != 2*sha256.Size {
		return errors.New("wrong length")
	}
	_, err := hex.Decode(r[:], []byte(s))
	return err
}

func RefFromBytes(b []byte) Ref {
	var out Ref
	copy(out[:], b)
	return out
}

func RefFromHex(s string) (Ref, error) {
	var out Ref
	err := out.FromHex(s)
	return out, err
}
