package ds

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestGenesisRoundTrip(t *testing.T) {
	alice := testIdentity(t, "alice")

	g, err := NewGenesis(alice.DID(), Blob("schema").Ref())
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeGenesis(g.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(g, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.ID() != g.ID() {
		t.Error("decoded genesis has a different ID")
	}
}

func TestGenesisNonceDistinguishes(t *testing.T) {
	alice := testIdentity(t, "alice")

	a, err := NewGenesis(alice.DID(), Zero)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewGenesis(alice.DID(), Zero)
	if err != nil {
		t.Fatal(err)
	}
	b.CreatedAt = a.CreatedAt
	if a.ID() == b.ID() {
		t.Error("two geneses with identical metadata share an ID")
	}
}

func testEnvelope(t *testing.T, who *Identity) *Envelope {
	t.Helper()

	env := &Envelope{
		Record: Blob("genesis").Ref(),
		Author: who.DID(),
		From:   VersionVector{who.DID(): 1},
		To:     VersionVector{who.DID(): 2},
		Ops:    []byte{1, 2, 3, 4},
	}
	if err := env.Sign(who); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestEnvelopeRoundTrip(t *testing.T) {
	alice := testIdentity(t, "alice")
	env := testEnvelope(t, alice)

	got, err := DecodeEnvelope(env.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(env, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.ID() != env.ID() {
		t.Error("decoded envelope has a different ID")
	}
	if err = got.Verify(); err != nil {
		t.Error(err)
	}
}

func TestEnvelopeSigning(t *testing.T) {
	alice := testIdentity(t, "alice")
	bob := testIdentity(t, "bob")

	env := testEnvelope(t, alice)

	// Signing requires the author's own key.
	if err := env.Sign(bob); err == nil {
		t.Error("bob signed alice's envelope")
	}

	// Any mutation of the signed fields breaks verification.
	env.Ops = []byte{9}
	if err := env.Verify(); !IsKind(err, KindInvalidSignature) {
		t.Errorf("got %v, want InvalidSignature after tampering", err)
	}

	unsigned := &Envelope{Record: Blob("g").Ref(), Author: alice.DID()}
	if err := unsigned.Verify(); !IsKind(err, KindInvalidSignature) {
		t.Errorf("got %v, want InvalidSignature for unsigned envelope", err)
	}
}

func TestEnvelopeIDStable(t *testing.T) {
	alice := testIdentity(t, "alice")
	env := testEnvelope(t, alice)

	id := env.ID()
	for i := 0; i < 3; i++ {
		if env.ID() != id {
			t.Fatal("envelope ID not stable across encodings")
		}
	}

	redecoded, err := DecodeEnvelope(env.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if redecoded.ID() != id {
		t.Error("re-decoded envelope changes ID")
	}
}

func TestGenesisTimePrecision(t *testing.T) {
	alice := testIdentity(t, "alice")

	g, err := NewGenesis(alice.DID(), Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !g.CreatedAt.Equal(g.CreatedAt.Truncate(time.Microsecond)) {
		t.Error("genesis timestamp carries sub-microsecond precision")
	}
	if g.CreatedAt.Location() != time.UTC {
		t.Error("genesis timestamp not UTC")
	}
}
