package ds

import (
	"bytes"
	"strings"
	"testing"
)

func testIdentity(t *testing.T, name string) *Identity {
	t.Helper()

	seed := make([]byte, 32)
	copy(seed, name)
	id, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDIDRoundTrip(t *testing.T) {
	id := testIdentity(t, "alice")

	did := id.DID()
	if !strings.HasPrefix(string(did), "did:key:z") {
		t.Fatalf("unexpected DID form %s", did)
	}

	pub, err := did.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if KeyDID(pub) != did {
		t.Error("public key does not re-encode to the same DID")
	}
}

func TestSignVerify(t *testing.T) {
	alice := testIdentity(t, "alice")
	bob := testIdentity(t, "bob")

	msg := []byte("attributable statement")
	sig := alice.Sign(msg)

	if err := alice.DID().Verify(msg, sig); err != nil {
		t.Fatal(err)
	}
	if err := bob.DID().Verify(msg, sig); !IsKind(err, KindInvalidSignature) {
		t.Errorf("got %v, want InvalidSignature for the wrong key", err)
	}
	if err := alice.DID().Verify([]byte("altered"), sig); !IsKind(err, KindInvalidSignature) {
		t.Errorf("got %v, want InvalidSignature for altered message", err)
	}
}

func TestBadDIDs(t *testing.T) {
	for _, d := range []DID{
		"",
		"did:web:example.com",
		"did:key:zzzzz",
		"did:key:z0OIl", // not base58btc
	} {
		if _, err := d.PublicKey(); err == nil {
			t.Errorf("%q resolved to a key", d)
		}
		if err := d.Verify([]byte("m"), []byte("s")); !IsKind(err, KindInvalidSignature) {
			t.Errorf("%q: got %v, want InvalidSignature", d, err)
		}
	}
}

func TestIdentitySeed(t *testing.T) {
	id := testIdentity(t, "alice")

	again, err := IdentityFromSeed(id.Seed())
	if err != nil {
		t.Fatal(err)
	}
	if again.DID() != id.DID() {
		t.Error("seed does not reproduce the identity")
	}

	if _, err = IdentityFromSeed(bytes.Repeat([]byte{1}, 16)); err == nil {
		t.Error("short seed accepted")
	}
}
