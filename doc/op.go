package doc

import (
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/docmesh/ds"
)

// OpKind enumerates document operations.
type OpKind uint8

const (
	// OpSet writes a value at a path,
	// creating intermediate maps as needed.
	OpSet OpKind = iota + 1
	// OpDelete removes the value at a path and everything below it.
	OpDelete
)

// Op is a single document operation.
// Seq is the author's per-document counter;
// the (Seq, Author) pair totally orders competing ops,
// with the larger pair winning.
type Op struct {
	Author ds.DID
	Seq    uint64
	Path   []string
	Kind   OpKind
	Value  Value
}

// wins reports whether o beats other in last-writer-wins order.
func (o Op) wins(other Op) bool {
	if o.Seq != other.Seq {
		return o.Seq > other.Seq
	}
	return o.Author > other.Author
}

// Path components never contain the separator:
// Set and Delete reject it.
const pathSep = "\x1f"

func pathKey(path []string) string {
	return strings.Join(path, pathSep)
}

func validPath(path []string) error {
	if len(path) == 0 {
		return errors.New("empty path")
	}
	for _, p := range path {
		if p == "" {
			return errors.New("empty path component")
		}
		if strings.Contains(p, pathSep) {
			return errors.New("path component contains separator byte")
		}
	}
	return nil
}

// Op fields.
const (
	opAuthor = 1
	opSeq    = 2
	opPath   = 3
	opKind   = 4
	opValue  = 5

	opsFieldOp = 1
)

// EncodeOps produces the canonical encoding of an op list.
func EncodeOps(ops []Op) []byte {
	var b []byte
	for _, op := range ops {
		var ob []byte
		ob = protowire.AppendTag(ob, opAuthor, protowire.BytesType)
		ob = protowire.AppendString(ob, string(op.Author))
		ob = protowire.AppendTag(ob, opSeq, protowire.VarintType)
		ob = protowire.AppendVarint(ob, op.Seq)
		for _, p := range op.Path {
			ob = protowire.AppendTag(ob, opPath, protowire.BytesType)
			ob = protowire.AppendString(ob, p)
		}
		ob = protowire.AppendTag(ob, opKind, protowire.VarintType)
		ob = protowire.AppendVarint(ob, uint64(op.Kind))
		if op.Kind == OpSet {
			ob = protowire.AppendTag(ob, opValue, protowire.BytesType)
			ob = protowire.AppendBytes(ob, op.Value.Encode())
		}

		b = protowire.AppendTag(b, opsFieldOp, protowire.BytesType)
		b = protowire.AppendBytes(b, ob)
	}
	return b
}

// DecodeOps parses an op list encoded by EncodeOps.
func DecodeOps(b []byte) ([]Op, error) {
	var ops []Op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("bad ops tag")
		}
		b = b[n:]
		if num != opsFieldOp || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("bad ops field")
			}
			b = b[n:]
			continue
		}
		ob, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.New("bad op")
		}
		b = b[n:]

		op, err := decodeOp(ob)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Op{}, errors.New("bad op tag")
		}
		b = b[n:]
		switch {
		case num == opAuthor && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Op{}, errors.New("bad op author")
			}
			op.Author, b = ds.DID(s), b[n:]
		case num == opSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, errors.New("bad op seq")
			}
			op.Seq, b = v, b[n:]
		case num == opPath && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Op{}, errors.New("bad op path")
			}
			op.Path, b = append(op.Path, s), b[n:]
		case num == opKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, errors.New("bad op kind")
			}
			op.Kind, b = OpKind(v), b[n:]
		case num == opValue && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Op{}, errors.New("bad op value")
			}
			b = b[n:]
			val, err := DecodeValue(d)
			if err != nil {
				return Op{}, err
			}
			op.Value = val
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Op{}, errors.New("bad op field")
			}
			b = b[n:]
		}
	}
	if op.Author == "" || op.Seq == 0 {
		return Op{}, errors.New("op missing author or seq")
	}
	if err := validPath(op.Path); err != nil {
		return Op{}, errors.Wrap(err, "op path")
	}
	if op.Kind != OpSet && op.Kind != OpDelete {
		return Op{}, errors.New("unknown op kind")
	}
	return op, nil
}
