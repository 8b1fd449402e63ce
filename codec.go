package ds

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Canonical binary encodings for the store's persistent and wire types.
//
// The format is the protobuf wire format with fixed field numbers,
// written and read by hand (no generated code):
// compact, versioned by construction
// (unknown fields are skipped, absent fields default),
// and canonical because map-like content is emitted in sorted order.
// Two encodings of equal values are byte-identical,
// which the content-addressed refs depend on.

// Version-vector fields.
const (
	vvFieldEntry = 1
	vvAuthor     = 1
	vvCounter    = 2
)

// AppendVersionVector appends the canonical encoding of vv to b.
func AppendVersionVector(b []byte, vv VersionVector) []byte {
	for _, a := range vv.Authors() {
		var entry []byte
		entry = protowire.AppendTag(entry, vvAuthor, protowire.BytesType)
		entry = protowire.AppendString(entry, string(a))
		entry = protowire.AppendTag(entry, vvCounter, protowire.VarintType)
		entry = protowire.AppendVarint(entry, vv[a])

		b = protowire.AppendTag(b, vvFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeVersionVector parses a version vector encoded by AppendVersionVector.
func DecodeVersionVector(b []byte) (VersionVector, error) {
	vv := make(VersionVector)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("bad version-vector tag")
		}
		b = b[n:]
		if num != vvFieldEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("bad version-vector field")
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.New("bad version-vector entry")
		}
		b = b[n:]

		var (
			author  DID
			counter uint64
		)
		for len(entry) > 0 {
			num, typ, n := protowire.ConsumeTag(entry)
			if n < 0 {
				return nil, errors.New("bad version-vector entry tag")
			}
			entry = entry[n:]
			switch {
			case num == vvAuthor && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(entry)
				if n < 0 {
					return nil, errors.New("bad version-vector author")
				}
				author, entry = DID(s), entry[n:]
			case num == vvCounter && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(entry)
				if n < 0 {
					return nil, errors.New("bad version-vector counter")
				}
				counter, entry = v, entry[n:]
			default:
				n = protowire.ConsumeFieldValue(num, typ, entry)
				if n < 0 {
					return nil, errors.New("bad version-vector field")
				}
				entry = entry[n:]
			}
		}
		if author != "" && counter > 0 {
			vv[author] = counter
		}
	}
	return vv, nil
}

// Genesis fields.
const (
	genCreator = 1
	genCreated = 2
	genNonce   = 3
	genSchema  = 4
)

// Encode produces the canonical encoding of g.
func (g *Genesis) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, genCreator, protowire.BytesType)
	b = protowire.AppendString(b, string(g.Creator))
	b = protowire.AppendTag(b, genCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.CreatedAt.UnixNano()))
	b = protowire.AppendTag(b, genNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, g.Nonce[:])
	if !g.Schema.IsZero() {
		b = protowire.AppendTag(b, genSchema, protowire.BytesType)
		b = protowire.AppendBytes(b, g.Schema[:])
	}
	return b
}

// DecodeGenesis parses a genesis block encoded by Encode.
func DecodeGenesis(b []byte) (*Genesis, error) {
	var g Genesis
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("bad genesis tag")
		}
		b = b[n:]
		switch {
		case num == genCreator && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.New("bad genesis creator")
			}
			g.Creator, b = DID(s), b[n:]
		case num == genCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("bad genesis timestamp")
			}
			g.CreatedAt, b = time.Unix(0, int64(v)).UTC(), b[n:]
		case num == genNonce && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != NonceSize {
				return nil, errors.New("bad genesis nonce")
			}
			copy(g.Nonce[:], v)
			b = b[n:]
		case num == genSchema && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != len(Ref{}) {
				return nil, errors.New("bad genesis schema ref")
			}
			g.Schema, b = RefFromBytes(v), b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("bad genesis field")
			}
			b = b[n:]
		}
	}
	if g.Creator == "" {
		return nil, errors.New("genesis missing creator")
	}
	return &g, nil
}

// Envelope fields.
const (
	envRecord    = 1
	envAuthor    = 2
	envFrom      = 3
	envTo        = 4
	envOps       = 5
	envSignature = 6
)

// SigningBytes is the canonical encoding of everything but the signature.
func (e *Envelope) SigningBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, envRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Record[:])
	b = protowire.AppendTag(b, envAuthor, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Author))
	b = protowire.AppendTag(b, envFrom, protowire.BytesType)
	b = protowire.AppendBytes(b, AppendVersionVector(nil, e.From))
	b = protowire.AppendTag(b, envTo, protowire.BytesType)
	b = protowire.AppendBytes(b, AppendVersionVector(nil, e.To))
	b = protowire.AppendTag(b, envOps, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Ops)
	return b
}

// Encode produces the canonical encoding of e, signature included.
func (e *Envelope) Encode() []byte {
	b := e.SigningBytes()
	b = protowire.AppendTag(b, envSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signature)
	return b
}

// DecodeEnvelope parses an envelope encoded by Encode.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{
		From: make(VersionVector),
		To:   make(VersionVector),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("bad envelope tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.New("bad envelope field")
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.New("bad envelope field value")
		}
		b = b[n:]
		switch num {
		case envRecord:
			if len(v) != len(Ref{}) {
				return nil, errors.New("bad envelope record ref")
			}
			e.Record = RefFromBytes(v)
		case envAuthor:
			e.Author = DID(v)
		case envFrom:
			vv, err := DecodeVersionVector(v)
			if err != nil {
				return nil, errors.Wrap(err, "decoding from-version")
			}
			e.From = vv
		case envTo:
			vv, err := DecodeVersionVector(v)
			if err != nil {
				return nil, errors.Wrap(err, "decoding to-version")
			}
			e.To = vv
		case envOps:
			e.Ops = append([]byte(nil), v...)
		case envSignature:
			e.Signature = append([]byte(nil), v...)
		}
	}
	if e.Author == "" {
		return nil, errors.New("envelope missing author")
	}
	return e, nil
}
