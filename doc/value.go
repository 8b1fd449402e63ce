// Package doc implements the store's document engine:
// an operation-based CRDT whose state is a tree of values
// addressable by string paths.
//
// Concurrent writers converge because every operation carries a
// per-author sequence number, and competing writes to the same path
// resolve last-writer-wins on the (sequence, author) pair.
// The engine sits behind a narrow surface - Apply, ExportOps,
// VersionVector, Merge - so a different conflict-resolution strategy
// can replace it without touching the record layer.
package doc

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/docmesh/ds"
)

// ValueKind enumerates the shapes a document value can take.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "invalid"
}

// Value is one node of a document tree.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	List  []Value
	Map   map[string]Value
}

func Null() Value               { return Value{Kind: KindNull} }
func Boolean(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func Integer(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value     { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

func ListOf(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

func MapOf(m map[string]Value) Value {
	if m == nil {
		m = make(map[string]Value)
	}
	return Value{Kind: KindMap, Map: m}
}

// RefValue stores a content-store ref as a bytes value.
// The sync protocol scans documents for values of this shape
// when announcing blob dependencies.
func RefValue(r ds.Ref) Value { return BytesValue(r[:]) }

// AsRef interprets a bytes value of ref length as a content ref.
func (v Value) AsRef() (ds.Ref, bool) {
	if v.Kind != KindBytes || len(v.Bytes) != len(ds.Ref{}) {
		return ds.Zero, false
	}
	return ds.RefFromBytes(v.Bytes), true
}

// Get descends into nested maps along path.
func (v Value) Get(path ...string) (Value, bool) {
	cur := v
	for _, p := range path {
		if cur.Kind != KindMap {
			return Value{}, false
		}
		next, ok := cur.Map[p]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Equal reports deep equality, by comparing canonical encodings.
func (v Value) Equal(other Value) bool {
	return string(v.Encode()) == string(other.Encode())
}

// Clone produces an independent deep copy of v.
func (v Value) Clone() Value {
	out := v
	if v.Bytes != nil {
		out.Bytes = append([]byte(nil), v.Bytes...)
	}
	if v.List != nil {
		out.List = make([]Value, len(v.List))
		for i, e := range v.List {
			out.List[i] = e.Clone()
		}
	}
	if v.Map != nil {
		out.Map = make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			out.Map[k] = e.Clone()
		}
	}
	return out
}

// Value fields. Map entries encode as nested (key, value) messages
// in sorted key order, so equal values encode identically.
const (
	valKind    = 1
	valBool    = 2
	valInt     = 3
	valFloat   = 4
	valString  = 5
	valBytes   = 6
	valElem    = 7
	valMapItem = 8

	mapItemKey   = 1
	mapItemValue = 2
)

// Encode produces the canonical encoding of v.
func (v Value) Encode() []byte {
	return v.append(nil)
}

func (v Value) append(b []byte) []byte {
	b = protowire.AppendTag(b, valKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Kind))
	switch v.Kind {
	case KindBool:
		b = protowire.AppendTag(b, valBool, protowire.VarintType)
		if v.Bool {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
		}
	case KindInt:
		b = protowire.AppendTag(b, valInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.Int))
	case KindFloat:
		b = protowire.AppendTag(b, valFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.Float))
	case KindString:
		b = protowire.AppendTag(b, valString, protowire.BytesType)
		b = protowire.AppendString(b, v.Str)
	case KindBytes:
		b = protowire.AppendTag(b, valBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Bytes)
	case KindList:
		for _, e := range v.List {
			b = protowire.AppendTag(b, valElem, protowire.BytesType)
			b = protowire.AppendBytes(b, e.Encode())
		}
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var item []byte
			item = protowire.AppendTag(item, mapItemKey, protowire.BytesType)
			item = protowire.AppendString(item, k)
			item = protowire.AppendTag(item, mapItemValue, protowire.BytesType)
			item = protowire.AppendBytes(item, v.Map[k].Encode())

			b = protowire.AppendTag(b, valMapItem, protowire.BytesType)
			b = protowire.AppendBytes(b, item)
		}
	}
	return b
}

// DecodeValue parses a value encoded by Encode.
func DecodeValue(b []byte) (Value, error) {
	var v Value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Value{}, errors.New("bad value tag")
		}
		b = b[n:]
		switch {
		case num == valKind && typ == protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Value{}, errors.New("bad value kind")
			}
			v.Kind, b = ValueKind(u), b[n:]
		case num == valBool && typ == protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Value{}, errors.New("bad bool value")
			}
			v.Bool, b = u != 0, b[n:]
		case num == valInt && typ == protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Value{}, errors.New("bad int value")
			}
			v.Int, b = protowire.DecodeZigZag(u), b[n:]
		case num == valFloat && typ == protowire.Fixed64Type:
			u, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Value{}, errors.New("bad float value")
			}
			v.Float, b = math.Float64frombits(u), b[n:]
		case num == valString && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Value{}, errors.New("bad string value")
			}
			v.Str, b = s, b[n:]
		case num == valBytes && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Value{}, errors.New("bad bytes value")
			}
			v.Bytes, b = append([]byte(nil), d...), b[n:]
		case num == valElem && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Value{}, errors.New("bad list element")
			}
			b = b[n:]
			elem, err := DecodeValue(d)
			if err != nil {
				return Value{}, err
			}
			v.List = append(v.List, elem)
		case num == valMapItem && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Value{}, errors.New("bad map item")
			}
			b = b[n:]
			key, elem, err := decodeMapItem(d)
			if err != nil {
				return Value{}, err
			}
			if v.Map == nil {
				v.Map = make(map[string]Value)
			}
			v.Map[key] = elem
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Value{}, errors.New("bad value field")
			}
			b = b[n:]
		}
	}
	return v, nil
}

func decodeMapItem(b []byte) (string, Value, error) {
	var (
		key  string
		elem Value
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", Value{}, errors.New("bad map-item tag")
		}
		b = b[n:]
		switch {
		case num == mapItemKey && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", Value{}, errors.New("bad map key")
			}
			key, b = s, b[n:]
		case num == mapItemValue && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", Value{}, errors.New("bad map value")
			}
			b = b[n:]
			var err error
			elem, err = DecodeValue(d)
			if err != nil {
				return "", Value{}, err
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", Value{}, errors.New("bad map-item field")
			}
			b = b[n:]
		}
	}
	return key, elem, nil
}
