// Package acl evaluates a record's access-control list.
//
// The ACL is not separate metadata: it lives inside the document it
// governs, under the top-level "acl" key, so permission changes travel
// through the same envelope path as every other edit and merge the
// same way. Only a current writer can change who the writers are.
package acl

import (
	"github.com/docmesh/ds"
	"github.com/docmesh/ds/doc"
)

// Key is the document key the ACL lives under.
const Key = "acl"

// ACL is a record's permission set.
// Tiers escalate: manage implies write implies read,
// and Public grants read to everyone.
type ACL struct {
	Public bool
	Manage []ds.DID
	Write  []ds.DID
	Read   []ds.DID
}

// Owner produces the ACL a fresh record starts with:
// private, managed by its creator alone.
func Owner(creator ds.DID) ACL {
	return ACL{Manage: []ds.DID{creator}}
}

// FromDoc extracts the ACL from a document value.
// A document with no (or a malformed) ACL is locked:
// nobody reads, nobody writes.
func FromDoc(v doc.Value) ACL {
	aclVal, ok := v.Get(Key)
	if !ok || aclVal.Kind != doc.KindMap {
		return ACL{}
	}
	var a ACL
	if pub, ok := aclVal.Get("public"); ok && pub.Kind == doc.KindBool {
		a.Public = pub.Bool
	}
	a.Manage = didList(aclVal, "manage")
	a.Write = didList(aclVal, "write")
	a.Read = didList(aclVal, "read")
	return a
}

func didList(v doc.Value, key string) []ds.DID {
	lv, ok := v.Get(key)
	if !ok || lv.Kind != doc.KindList {
		return nil
	}
	var out []ds.DID
	for _, e := range lv.List {
		if e.Kind == doc.KindString && e.Str != "" {
			out = append(out, ds.DID(e.Str))
		}
	}
	return out
}

// Value encodes the ACL as a document value,
// suitable for setting at Key.
func (a ACL) Value() doc.Value {
	m := map[string]doc.Value{
		"public": doc.Boolean(a.Public),
		"manage": didValues(a.Manage),
		"write":  didValues(a.Write),
		"read":   didValues(a.Read),
	}
	return doc.MapOf(m)
}

func didValues(dids []ds.DID) doc.Value {
	vs := make([]doc.Value, len(dids))
	for i, d := range dids {
		vs[i] = doc.String(string(d))
	}
	return doc.ListOf(vs...)
}

// CanManage reports whether d may administer the record.
func (a ACL) CanManage(d ds.DID) bool {
	return contains(a.Manage, d)
}

// CanWrite reports whether d may apply envelopes to the record.
func (a ACL) CanWrite(d ds.DID) bool {
	return contains(a.Write, d) || a.CanManage(d)
}

// CanRead reports whether d may see the record at all.
func (a ACL) CanRead(d ds.DID) bool {
	return a.Public || contains(a.Read, d) || a.CanWrite(d)
}

func contains(dids []ds.DID, d ds.DID) bool {
	for _, x := range dids {
		if x == d {
			return true
		}
	}
	return false
}
