package acl

import (
	"testing"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/doc"
)

const (
	alice = ds.DID("did:key:zAlice")
	bob   = ds.DID("did:key:zBob")
	carol = ds.DID("did:key:zCarol")
)

func TestTiers(t *testing.T) {
	a := ACL{
		Manage: []ds.DID{alice},
		Write:  []ds.DID{bob},
		Read:   []ds.DID{carol},
	}

	cases := []struct {
		did                 ds.DID
		read, write, manage bool
	}{
		{alice, true, true, true},
		{bob, true, true, false},
		{carol, true, false, false},
		{ds.DID("did:key:zMallory"), false, false, false},
	}
	for _, c := range cases {
		if got := a.CanRead(c.did); got != c.read {
			t.Errorf("CanRead(%s) = %v, want %v", c.did, got, c.read)
		}
		if got := a.CanWrite(c.did); got != c.write {
			t.Errorf("CanWrite(%s) = %v, want %v", c.did, got, c.write)
		}
		if got := a.CanManage(c.did); got != c.manage {
			t.Errorf("CanManage(%s) = %v, want %v", c.did, got, c.manage)
		}
	}
}

func TestPublic(t *testing.T) {
	a := ACL{Public: true}
	if !a.CanRead(bob) {
		t.Error("public record not readable")
	}
	if a.CanWrite(bob) {
		t.Error("public grants write")
	}
}

func TestDocRoundTrip(t *testing.T) {
	d := doc.New()
	want := ACL{Public: true, Manage: []ds.DID{alice}, Write: []ds.DID{bob}}
	if _, err := d.Set(alice, []string{Key}, want.Value()); err != nil {
		t.Fatal(err)
	}

	got := FromDoc(d.Value())
	if got.Public != want.Public || !got.CanManage(alice) || !got.CanWrite(bob) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestMissingACLLocksRecord(t *testing.T) {
	a := FromDoc(doc.MapOf(nil))
	if a.CanRead(alice) || a.CanWrite(alice) {
		t.Error("document without ACL should deny everything")
	}
}
