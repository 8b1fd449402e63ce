// Package schema implements structural validation of document values.
//
// A schema is a recursive Field tree describing the allowed shape of a
// document. Schemas are content-addressed blobs like everything else:
// a record's genesis references its schema by ref, never inline, so
// any number of records share one schema blob.
package schema

import (
	"fmt"
	"strings"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/doc"
)

// FieldKind enumerates the shapes a Field can require.
type FieldKind uint8

const (
	// Any matches every value.
	Any FieldKind = iota + 1
	Bool
	Int
	Float
	String
	Bytes
	// List requires a list of homogeneous elements matching Elem.
	List
	// MovableList is a List whose elements may be reordered by edits;
	// structurally it validates the same way.
	MovableList
	// Map requires a map with homogeneous values matching Elem.
	Map
	// Struct requires a map with exactly the keys in Fields,
	// each matching its own Field.
	Struct
	// Tree requires a node shape:
	// {"value": Elem, "children": list of the same node shape}.
	Tree
	// Optional matches a missing or null value, or Elem.
	Optional
	// Restricted matches Elem, and additionally requires the acting
	// principal to satisfy one of Actions.
	Restricted
)

func (k FieldKind) String() string {
	switch k {
	case Any:
		return "any"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	case List:
		return "list"
	case MovableList:
		return "movable-list"
	case Map:
		return "map"
	case Struct:
		return "struct"
	case Tree:
		return "tree"
	case Optional:
		return "optional"
	case Restricted:
		return "restricted"
	}
	return "invalid"
}

// Verb is an operation class an Action can allow.
type Verb uint8

const (
	Create Verb = iota + 1
	Update
	Delete
)

func (v Verb) String() string {
	switch v {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "invalid"
}

// Action names who may perform which verbs on a Restricted field.
// Who is either anyone, or the DID list found at a document path.
type Action struct {
	Anyone  bool
	WhoPath []string
	Verbs   []Verb
}

func (a Action) allowsVerb(v Verb) bool {
	for _, av := range a.Verbs {
		if av == v {
			return true
		}
	}
	return false
}

// Field is one node of a schema tree.
type Field struct {
	Kind FieldKind

	// Elem is the inner field for List, MovableList, Map, Tree,
	// Optional and Restricted.
	Elem *Field

	// Fields is the exact key set for Struct.
	Fields map[string]*Field

	// Actions is the authorization policy for Restricted.
	Actions []Action
}

// Error reports a validation failure at a specific document path.
type Error struct {
	Path []string
	Msg  string
}

func (e *Error) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("schema violation at document root: %s", e.Msg)
	}
	return fmt.Sprintf("schema violation at %q: %s", strings.Join(e.Path, "/"), e.Msg)
}

func violation(path []string, format string, args ...interface{}) error {
	return &Error{Path: append([]string(nil), path...), Msg: fmt.Sprintf(format, args...)}
}

// Context carries the acting principal through a validation pass.
// Root is the full document, for resolving Action WhoPaths.
type Context struct {
	Actor ds.DID
	Verb  Verb
	Root  doc.Value
}

// Validate checks v against the field tree,
// reporting the specific violating path on failure.
func (f *Field) Validate(v doc.Value, vctx *Context) error {
	return f.validate(v, nil, vctx)
}

func (f *Field) validate(v doc.Value, path []string, vctx *Context) error {
	switch f.Kind {
	case Any:
		return nil

	case Bool, Int, Float, String, Bytes:
		want := map[FieldKind]doc.ValueKind{
			Bool:   doc.KindBool,
			Int:    doc.KindInt,
			Float:  doc.KindFloat,
			String: doc.KindString,
			Bytes:  doc.KindBytes,
		}[f.Kind]
		if v.Kind != want {
			return violation(path, "want %s, got %s", f.Kind, v.Kind)
		}
		return nil

	case List, MovableList:
		if v.Kind != doc.KindList {
			return violation(path, "want list, got %s", v.Kind)
		}
		for i, e := range v.List {
			if err := f.Elem.validate(e, append(path, fmt.Sprintf("[%d]", i)), vctx); err != nil {
				return err
			}
		}
		return nil

	case Map:
		if v.Kind != doc.KindMap {
			return violation(path, "want map, got %s", v.Kind)
		}
		for k, e := range v.Map {
			if err := f.Elem.validate(e, append(path, k), vctx); err != nil {
				return err
			}
		}
		return nil

	case Struct:
		if v.Kind != doc.KindMap {
			return violation(path, "want struct, got %s", v.Kind)
		}
		for k, sub := range f.Fields {
			e, ok := v.Map[k]
			if !ok {
				if sub.Kind == Optional {
					continue
				}
				return violation(append(path, k), "missing required field")
			}
			if err := sub.validate(e, append(path, k), vctx); err != nil {
				return err
			}
		}
		for k := range v.Map {
			if _, ok := f.Fields[k]; !ok {
				return violation(append(path, k), "unexpected field")
			}
		}
		return nil

	case Tree:
		return f.validateTreeNode(v, path, vctx)

	case Optional:
		if v.Kind == doc.KindNull {
			return nil
		}
		return f.Elem.validate(v, path, vctx)

	case Restricted:
		if err := f.checkActions(path, vctx); err != nil {
			return err
		}
		return f.Elem.validate(v, path, vctx)
	}

	return violation(path, "invalid schema field kind %d", f.Kind)
}

// CheckAction authorizes one write against the Restricted fields on
// the written path's spine. Structural checks are Validate's job;
// this consults only the fields the path crosses, so a populated
// Restricted field elsewhere in the document never blocks an
// unrelated edit.
func (f *Field) CheckAction(path []string, vctx *Context) error {
	return f.checkAction(path, nil, vctx)
}

func (f *Field) checkAction(rest, seen []string, vctx *Context) error {
	switch f.Kind {
	case Restricted:
		if err := f.checkActions(seen, vctx); err != nil {
			return err
		}
		return f.Elem.checkAction(rest, seen, vctx)
	case Optional:
		return f.Elem.checkAction(rest, seen, vctx)
	}
	if len(rest) == 0 {
		return nil
	}
	switch f.Kind {
	case Struct:
		sub, ok := f.Fields[rest[0]]
		if !ok {
			// Unknown keys are Validate's problem.
			return nil
		}
		return sub.checkAction(rest[1:], append(seen, rest[0]), vctx)
	case Map:
		return f.Elem.checkAction(rest[1:], append(seen, rest[0]), vctx)
	}
	return nil
}

func (f *Field) validateTreeNode(v doc.Value, path []string, vctx *Context) error {
	if v.Kind != doc.KindMap {
		return violation(path, "want tree node, got %s", v.Kind)
	}
	val, ok := v.Map["value"]
	if !ok {
		return violation(append(path, "value"), "tree node missing value")
	}
	if err := f.Elem.validate(val, append(path, "value"), vctx); err != nil {
		return err
	}
	children, ok := v.Map["children"]
	if !ok {
		return nil
	}
	if children.Kind != doc.KindList {
		return violation(append(path, "children"), "want list, got %s", children.Kind)
	}
	for i, c := range children.List {
		if err := f.validateTreeNode(c, append(path, fmt.Sprintf("children[%d]", i)), vctx); err != nil {
			return err
		}
	}
	for k := range v.Map {
		if k != "value" && k != "children" {
			return violation(append(path, k), "unexpected tree-node field")
		}
	}
	return nil
}

func (f *Field) checkActions(path []string, vctx *Context) error {
	if vctx == nil {
		return nil
	}
	for _, a := range f.Actions {
		if !a.allowsVerb(vctx.Verb) {
			continue
		}
		if a.Anyone {
			return nil
		}
		who, ok := vctx.Root.Get(a.WhoPath...)
		if !ok || who.Kind != doc.KindList {
			continue
		}
		for _, e := range who.List {
			if e.Kind == doc.KindString && ds.DID(e.Str) == vctx.Actor {
				return nil
			}
		}
	}
	return ds.WrapError(ds.KindAccessDenied,
		violation(path, "%s may not %s this field", vctx.Actor, vctx.Verb),
		"restricted field")
}
