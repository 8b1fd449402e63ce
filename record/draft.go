package record

import (
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/doc"
)

// Draft stages edits against a known version of a record,
// for signing into a single envelope.
// It needs only the record's version vector, not its full state,
// so a remote client can build one from a fetched snapshot.
type Draft struct {
	record ds.Ref
	author ds.DID
	from   ds.VersionVector
	vv     ds.VersionVector
	ops    []doc.Op
}

// NewDraft starts a draft by author against the record version `from`.
func NewDraft(record ds.Ref, author ds.DID, from ds.VersionVector) *Draft {
	return &Draft{
		record: record,
		author: author,
		from:   from.Clone(),
		vv:     from.Clone(),
	}
}

// Set stages a write of value at path.
func (d *Draft) Set(path []string, value doc.Value) *Draft {
	d.stage(path, doc.OpSet, value)
	return d
}

// Delete stages a removal of path and its subtree.
func (d *Draft) Delete(path []string) *Draft {
	d.stage(path, doc.OpDelete, doc.Value{})
	return d
}

func (d *Draft) stage(path []string, kind doc.OpKind, value doc.Value) {
	seq := d.vv.Get(d.author) + 1
	d.vv.Observe(d.author, seq)
	d.ops = append(d.ops, doc.Op{
		Author: d.author,
		Seq:    seq,
		Path:   append([]string(nil), path...),
		Kind:   kind,
		Value:  value,
	})
}

// Envelope signs the staged ops into an envelope.
// The signing identity must be the draft's author.
func (d *Draft) Envelope(id *ds.Identity) (*ds.Envelope, error) {
	if len(d.ops) == 0 {
		return nil, errors.New("empty draft")
	}
	env := &ds.Envelope{
		Record: d.record,
		Author: d.author,
		From:   d.from.Clone(),
		To:     d.vv.Clone(),
		Ops:    doc.EncodeOps(d.ops),
	}
	if err := env.Sign(id); err != nil {
		return nil, errors.Wrap(err, "signing envelope")
	}
	return env, nil
}
