package ds

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// DID is a decentralized identifier:
// a self-certifying principal name that resolves to a public key
// with no directory lookup.
// This store uses the did:key method with ed25519 keys,
// so the identifier itself encodes the key it resolves to.
type DID string

const didKeyPrefix = "did:key:z"

// ed25519-pub multicodec header, varint-encoded.
var ed25519PubPrefix = []byte{0xed, 0x01}

// KeyDID produces the DID for an ed25519 public key.
func KeyDID(pub ed25519.PublicKey) DID {
	b := make([]byte, 0, len(ed25519PubPrefix)+len(pub))
	b = append(b, ed25519PubPrefix...)
	b = append(b, pub...)
	return DID(didKeyPrefix + base58.Encode(b))
}

// PublicKey resolves d to its ed25519 public key.
func (d DID) PublicKey() (ed25519.PublicKey, error) {
	s, ok := strings.CutPrefix(string(d), didKeyPrefix)
	if !ok {
		return nil, errors.Errorf("unsupported DID %s", d)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding DID %s", d)
	}
	if len(b) != len(ed25519PubPrefix)+ed25519.PublicKeySize {
		return nil, errors.Errorf("DID %s has wrong length", d)
	}
	if b[0] != ed25519PubPrefix[0] || b[1] != ed25519PubPrefix[1] {
		return nil, errors.Errorf("DID %s is not an ed25519 key", d)
	}
	return ed25519.PublicKey(b[2:]), nil
}

// Verify checks sig over msg against d's resolved public key.
// A failure to resolve d, or a bad signature,
// both report KindInvalidSignature.
func (d DID) Verify(msg, sig []byte) error {
	pub, err := d.PublicKey()
	if err != nil {
		return WrapError(KindInvalidSignature, err, "resolving DID")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return Errorf(KindInvalidSignature, "signature by %s does not verify", d)
	}
	return nil
}

// Identity is a DID together with its private key:
// a principal that can sign envelopes.
type Identity struct {
	did  DID
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh ed25519 identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating key")
	}
	return &Identity{did: KeyDID(pub), priv: priv}, nil
}

// IdentityFromSeed derives a deterministic identity from a 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{did: KeyDID(priv.Public().(ed25519.PublicKey)), priv: priv}, nil
}

// DID is the identity's public name.
func (id *Identity) DID() DID {
	return id.did
}

// Seed exposes the private-key seed, for persisting the identity.
func (id *Identity) Seed() []byte {
	return id.priv.Seed()
}

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}
