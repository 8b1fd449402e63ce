package schema

import (
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field encoding. Struct members are emitted in sorted key order so
// equal schemas produce identical blobs and therefore identical refs.
const (
	fldKind   = 1
	fldElem   = 2
	fldMember = 3
	fldAction = 4

	memberKey   = 1
	memberField = 2

	actAnyone = 1
	actWho    = 2
	actVerb   = 3
)

// Encode produces the canonical encoding of the field tree.
// Store the result as a blob and reference it from a genesis by ref.
func (f *Field) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.Elem != nil {
		b = protowire.AppendTag(b, fldElem, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Elem.Encode())
	}
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var m []byte
		m = protowire.AppendTag(m, memberKey, protowire.BytesType)
		m = protowire.AppendString(m, k)
		m = protowire.AppendTag(m, memberField, protowire.BytesType)
		m = protowire.AppendBytes(m, f.Fields[k].Encode())

		b = protowire.AppendTag(b, fldMember, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, a := range f.Actions {
		var ab []byte
		if a.Anyone {
			ab = protowire.AppendTag(ab, actAnyone, protowire.VarintType)
			ab = protowire.AppendVarint(ab, 1)
		}
		for _, p := range a.WhoPath {
			ab = protowire.AppendTag(ab, actWho, protowire.BytesType)
			ab = protowire.AppendString(ab, p)
		}
		for _, v := range a.Verbs {
			ab = protowire.AppendTag(ab, actVerb, protowire.VarintType)
			ab = protowire.AppendVarint(ab, uint64(v))
		}

		b = protowire.AppendTag(b, fldAction, protowire.BytesType)
		b = protowire.AppendBytes(b, ab)
	}
	return b
}

// Decode parses a field tree encoded by Encode.
func Decode(b []byte) (*Field, error) {
	var f Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("bad field tag")
		}
		b = b[n:]
		switch {
		case num == fldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("bad field kind")
			}
			f.Kind, b = FieldKind(v), b[n:]
		case num == fldElem && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("bad field elem")
			}
			b = b[n:]
			elem, err := Decode(d)
			if err != nil {
				return nil, err
			}
			f.Elem = elem
		case num == fldMember && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("bad struct member")
			}
			b = b[n:]
			key, member, err := decodeMember(d)
			if err != nil {
				return nil, err
			}
			if f.Fields == nil {
				f.Fields = make(map[string]*Field)
			}
			f.Fields[key] = member
		case num == fldAction && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("bad action")
			}
			b = b[n:]
			a, err := decodeAction(d)
			if err != nil {
				return nil, err
			}
			f.Actions = append(f.Actions, a)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("bad field")
			}
			b = b[n:]
		}
	}
	if f.Kind == 0 {
		return nil, errors.New("field missing kind")
	}
	return &f, nil
}

func decodeMember(b []byte) (string, *Field, error) {
	var (
		key    string
		member *Field
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, errors.New("bad member tag")
		}
		b = b[n:]
		switch {
		case num == memberKey && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, errors.New("bad member key")
			}
			key, b = s, b[n:]
		case num == memberField && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, errors.New("bad member field")
			}
			b = b[n:]
			var err error
			member, err = Decode(d)
			if err != nil {
				return "", nil, err
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, errors.New("bad member")
			}
			b = b[n:]
		}
	}
	if key == "" || member == nil {
		return "", nil, errors.New("incomplete struct member")
	}
	return key, member, nil
}

func decodeAction(b []byte) (Action, error) {
	var a Action
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Action{}, errors.New("bad action tag")
		}
		b = b[n:]
		switch {
		case num == actAnyone && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Action{}, errors.New("bad action anyone")
			}
			a.Anyone, b = v != 0, b[n:]
		case num == actWho && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Action{}, errors.New("bad action who-path")
			}
			a.WhoPath, b = append(a.WhoPath, s), b[n:]
		case num == actVerb && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Action{}, errors.New("bad action verb")
			}
			a.Verbs, b = append(a.Verbs, Verb(v)), b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Action{}, errors.New("bad action field")
			}
			b = b[n:]
		}
	}
	return a, nil
}
