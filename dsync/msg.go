package dsync

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/docmesh/ds"
)

// Begin payload fields.
const (
	beginRecord  = 1
	beginVersion = 2
)

// Blobs payload fields.
const (
	blobsHash    = 1
	blobsVersion = 2
)

type beginMsg struct {
	Record  ds.Ref
	Version ds.VersionVector
}

func (m beginMsg) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, beginRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Record[:])
	b = protowire.AppendTag(b, beginVersion, protowire.BytesType)
	b = protowire.AppendBytes(b, ds.AppendVersionVector(nil, m.Version))
	return b
}

func decodeBegin(b []byte) (beginMsg, error) {
	var m beginMsg
	err := eachField(b, func(num protowire.Number, val []byte) error {
		switch num {
		case beginRecord:
			if len(val) != len(m.Record) {
				return errors.Errorf("record ref of %d bytes", len(val))
			}
			m.Record = ds.RefFromBytes(val)
		case beginVersion:
			vv, err := ds.DecodeVersionVector(val)
			if err != nil {
				return err
			}
			m.Version = vv
		}
		return nil
	})
	return m, err
}

type blobsMsg struct {
	Hashes  []ds.Ref
	Version ds.VersionVector
}

func (m blobsMsg) encode() []byte {
	var b []byte
	for _, h := range m.Hashes {
		b = protowire.AppendTag(b, blobsHash, protowire.BytesType)
		b = protowire.AppendBytes(b, h[:])
	}
	b = protowire.AppendTag(b, blobsVersion, protowire.BytesType)
	b = protowire.AppendBytes(b, ds.AppendVersionVector(nil, m.Version))
	return b
}

func decodeBlobs(b []byte) (blobsMsg, error) {
	var m blobsMsg
	err := eachField(b, func(num protowire.Number, val []byte) error {
		switch num {
		case blobsHash:
			if len(val) != 32 {
				return errors.Errorf("blob hash of %d bytes", len(val))
			}
			m.Hashes = append(m.Hashes, ds.RefFromBytes(val))
		case blobsVersion:
			vv, err := ds.DecodeVersionVector(val)
			if err != nil {
				return err
			}
			m.Version = vv
		}
		return nil
	})
	return m, err
}

// eachField walks the length-delimited fields of a wire message,
// skipping anything of another type.
func eachField(b []byte, f func(num protowire.Number, val []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.New("bad message tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.New("bad message field")
			}
			b = b[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return errors.New("bad message value")
		}
		b = b[n:]
		if err := f(num, val); err != nil {
			return err
		}
	}
	return nil
}
