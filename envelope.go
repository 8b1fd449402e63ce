package ds

import (
	"crypto/rand"
	"time"

	"github.com/pkg/errors"
)

// NonceSize is the size of a genesis nonce.
const NonceSize = 16

// Genesis is the immutable creation block of a record.
// Its canonical encoding's ref is the record's identity.
// The nonce guarantees that two genesis blocks with identical
// creator, timestamp, and schema still hash distinctly.
type Genesis struct {
	Creator   DID
	CreatedAt time.Time
	Nonce     [NonceSize]byte
	Schema    Ref // Zero when the record is schemaless
}

// NewGenesis produces a genesis block for creator with a random nonce.
func NewGenesis(creator DID, schema Ref) (*Genesis, error) {
	g := &Genesis{
		Creator:   creator,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Schema:    schema,
	}
	_, err := rand.Read(g.Nonce[:])
	return g, errors.Wrap(err, "generating nonce")
}

// ID computes the record ID: the ref of the genesis encoding.
func (g *Genesis) ID() Ref {
	return Blob(g.Encode()).Ref()
}

// Envelope is a signed, appended unit of document change.
// Once accepted it is never mutated or reordered,
// only merged per the causal order implied by its version vectors.
type Envelope struct {
	Record Ref
	Author DID

	// From is the causal state the ops were produced against;
	// To is From with the author's counter advanced.
	From VersionVector
	To   VersionVector

	// Ops is the canonical encoding of the document operations
	// (see the doc package). Opaque at this layer.
	Ops []byte

	Signature []byte
}

// ID computes the envelope's identity:
// the ref of its full canonical encoding.
// Replicas dedupe envelopes on it,
// which is what makes re-application a no-op.
func (e *Envelope) ID() Ref {
	return Blob(e.Encode()).Ref()
}

// Size is the envelope's accounting size: its encoded length.
func (e *Envelope) Size() int64 {
	return int64(len(e.Encode()))
}

// Sign signs the envelope with id, which must match e.Author.
func (e *Envelope) Sign(id *Identity) error {
	if id.DID() != e.Author {
		return errors.Errorf("signer %s is not author %s", id.DID(), e.Author)
	}
	e.Signature = id.Sign(e.SigningBytes())
	return nil
}

// Verify checks the envelope's signature against its author's
// resolved public key.
func (e *Envelope) Verify() error {
	if len(e.Signature) == 0 {
		return Errorf(KindInvalidSignature, "envelope for %s is unsigned", e.Record)
	}
	return e.Author.Verify(e.SigningBytes(), e.Signature)
}
