package schema

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/doc"
	"github.com/docmesh/ds/store/mem"
)

const (
	alice = ds.DID("did:key:zAlice")
	bob   = ds.DID("did:key:zBob")
)

func noteSchema() *Field {
	return &Field{
		Kind: Struct,
		Fields: map[string]*Field{
			"acl":   {Kind: Any},
			"title": {Kind: String},
			"tags":  {Kind: List, Elem: &Field{Kind: String}},
			"meta":  {Kind: Map, Elem: &Field{Kind: Any}},
			"draft": {Kind: Optional, Elem: &Field{Kind: Bool}},
		},
	}
}

func noteValue() doc.Value {
	return doc.MapOf(map[string]doc.Value{
		"acl":   doc.MapOf(nil),
		"title": doc.String("hello"),
		"tags":  doc.ListOf(doc.String("a"), doc.String("b")),
		"meta":  doc.MapOf(map[string]doc.Value{"x": doc.Integer(1)}),
	})
}

func TestValidate(t *testing.T) {
	if err := noteSchema().Validate(noteValue(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestViolationNamesPath(t *testing.T) {
	v := noteValue()
	v.Map["tags"] = doc.ListOf(doc.String("a"), doc.Integer(7))

	err := noteSchema().Validate(v, nil)
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if !strings.Contains(err.Error(), "tags/[1]") {
		t.Errorf("error does not name violating path: %s", err)
	}
}

func TestUnexpectedField(t *testing.T) {
	v := noteValue()
	v.Map["bogus"] = doc.Null()

	err := noteSchema().Validate(v, nil)
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Errorf("want unexpected-field error naming bogus, got %v", err)
	}
}

func TestMissingRequiredField(t *testing.T) {
	v := noteValue()
	delete(v.Map, "title")

	err := noteSchema().Validate(v, nil)
	if err == nil || !strings.Contains(err.Error(), "title") {
		t.Errorf("want missing-field error naming title, got %v", err)
	}
}

func TestTree(t *testing.T) {
	f := &Field{Kind: Tree, Elem: &Field{Kind: Int}}

	node := func(n int64, children ...doc.Value) doc.Value {
		m := map[string]doc.Value{"value": doc.Integer(n)}
		if len(children) > 0 {
			m["children"] = doc.ListOf(children...)
		}
		return doc.MapOf(m)
	}

	if err := f.Validate(node(1, node(2), node(3, node(4))), nil); err != nil {
		t.Fatal(err)
	}

	bad := node(1, doc.MapOf(map[string]doc.Value{"value": doc.String("no")}))
	if err := f.Validate(bad, nil); err == nil {
		t.Error("want error for non-int tree node")
	}
}

func TestRestricted(t *testing.T) {
	f := &Field{
		Kind: Struct,
		Fields: map[string]*Field{
			"editors": {Kind: List, Elem: &Field{Kind: String}},
			"body": {
				Kind: Restricted,
				Elem: &Field{Kind: String},
				Actions: []Action{
					{WhoPath: []string{"editors"}, Verbs: []Verb{Create, Update}},
				},
			},
		},
	}

	v := doc.MapOf(map[string]doc.Value{
		"editors": doc.ListOf(doc.String(string(alice))),
		"body":    doc.String("text"),
	})

	if err := f.Validate(v, &Context{Actor: alice, Verb: Update, Root: v}); err != nil {
		t.Errorf("alice should pass: %v", err)
	}

	err := f.Validate(v, &Context{Actor: bob, Verb: Update, Root: v})
	if !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("want AccessDenied for bob, got %v", err)
	}

	// Delete is not among the allowed verbs even for alice.
	err = f.Validate(v, &Context{Actor: alice, Verb: Delete, Root: v})
	if !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("want AccessDenied for delete, got %v", err)
	}
}

func TestCheckAction(t *testing.T) {
	f := &Field{
		Kind: Struct,
		Fields: map[string]*Field{
			"editors": {Kind: List, Elem: &Field{Kind: String}},
			"title":   {Kind: String},
			"body": {
				Kind: Restricted,
				Elem: &Field{Kind: String},
				Actions: []Action{
					{Anyone: true, Verbs: []Verb{Create}},
					{WhoPath: []string{"editors"}, Verbs: []Verb{Update}},
				},
			},
		},
	}
	root := doc.MapOf(map[string]doc.Value{
		"editors": doc.ListOf(doc.String(string(alice))),
		"body":    doc.String("text"),
	})

	// Writing an unrestricted field never consults the policy,
	// no matter what else the document holds.
	if err := f.CheckAction([]string{"title"}, &Context{Actor: bob, Verb: Update, Root: root}); err != nil {
		t.Errorf("unrestricted write blocked: %v", err)
	}

	// Anyone may create the body; only editors may update it.
	if err := f.CheckAction([]string{"body"}, &Context{Actor: bob, Verb: Create, Root: root}); err != nil {
		t.Errorf("create blocked: %v", err)
	}
	if err := f.CheckAction([]string{"body"}, &Context{Actor: alice, Verb: Update, Root: root}); err != nil {
		t.Errorf("editor update blocked: %v", err)
	}
	err := f.CheckAction([]string{"body"}, &Context{Actor: bob, Verb: Update, Root: root})
	if !ds.IsKind(err, ds.KindAccessDenied) {
		t.Errorf("got %v, want AccessDenied", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	f := noteSchema()
	f.Fields["body"] = &Field{
		Kind: Restricted,
		Elem: &Field{Kind: String},
		Actions: []Action{
			{Anyone: true, Verbs: []Verb{Create}},
			{WhoPath: []string{"acl", "write"}, Verbs: []Verb{Update, Delete}},
		},
	}

	enc := f.Encode()
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Encode(), enc) {
		t.Error("re-encoding is not canonical")
	}
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	s := mem.New()

	ref, err := Put(ctx, s, noteSchema())
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewCache(s, 10)
	if err != nil {
		t.Fatal(err)
	}

	f, err := c.Load(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Validate(noteValue(), nil); err != nil {
		t.Error(err)
	}

	// Second load hits the cache; same decoded schema comes back.
	f2, err := c.Load(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if f2 != f {
		t.Error("cache miss on second load")
	}
}
