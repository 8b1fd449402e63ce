package doc

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/docmesh/ds"
)

// Doc is a causal document: the merge of all operations applied to it.
//
// State is a registry of winning ops keyed by exact path.
// An op at a path beats earlier ops at the same path last-writer-wins;
// a delete additionally suppresses any weaker op below its path.
// Because the winner set depends only on the set of ops observed,
// not the order they arrived in,
// two replicas that have seen the same ops materialize
// byte-identical values.
type Doc struct {
	vv  ds.VersionVector
	reg map[string]Op
}

// New produces an empty document.
func New() *Doc {
	return &Doc{
		vv:  make(ds.VersionVector),
		reg: make(map[string]Op),
	}
}

// VersionVector returns a copy of the document's causal state.
func (d *Doc) VersionVector() ds.VersionVector {
	return d.vv.Clone()
}

// Apply merges ops into the document.
// Re-applying ops the document has already seen is a no-op.
func (d *Doc) Apply(ops []Op) {
	for _, op := range ops {
		d.apply(op)
	}
}

func (d *Doc) apply(op Op) {
	d.vv.Observe(op.Author, op.Seq)

	key := pathKey(op.Path)

	// Same-path last-writer-wins.
	if existing, ok := d.reg[key]; ok && !op.wins(existing) {
		return
	}

	// An op owns the subtree below its path:
	// a weaker incoming op under a registered ancestor is suppressed.
	for i := 1; i < len(op.Path); i++ {
		if anc, ok := d.reg[pathKey(op.Path[:i])]; ok && !op.wins(anc) {
			return
		}
	}

	d.reg[key] = op

	// ...and symmetrically, a winning op prunes everything weaker below it.
	prefix := key + pathSep
	for k, existing := range d.reg {
		if strings.HasPrefix(k, prefix) && !existing.wins(op) {
			delete(d.reg, k)
		}
	}
}

// Merge folds another document's state into d.
// It is equivalent to applying every op other has seen.
func (d *Doc) Merge(other *Doc) {
	for _, op := range other.sortedOps() {
		d.apply(op)
	}
	d.vv.Merge(other.vv)
}

// ExportOps returns the document's winning ops
// not yet covered by since,
// in deterministic order.
// Applying them to the replica that produced since
// brings it up to date with d.
func (d *Doc) ExportOps(since ds.VersionVector) []Op {
	var out []Op
	for _, op := range d.sortedOps() {
		if op.Seq > since.Get(op.Author) {
			out = append(out, op)
		}
	}
	return out
}

func (d *Doc) sortedOps() []Op {
	ops := make([]Op, 0, len(d.reg))
	for _, op := range d.reg {
		ops = append(ops, op)
	}
	// Weakest first: materialization applies stronger ops later,
	// and the registry keeps descendants stronger than their ancestors,
	// so nested values land inside already-built maps.
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Seq != ops[j].Seq {
			return ops[i].Seq < ops[j].Seq
		}
		return ops[i].Author < ops[j].Author
	})
	return ops
}

// Set produces (and applies) an op writing value at path,
// authored by author at its next sequence number.
func (d *Doc) Set(author ds.DID, path []string, value Value) (Op, error) {
	return d.mutate(author, path, OpSet, value)
}

// Delete produces (and applies) an op removing path and its subtree.
func (d *Doc) Delete(author ds.DID, path []string) (Op, error) {
	return d.mutate(author, path, OpDelete, Value{})
}

func (d *Doc) mutate(author ds.DID, path []string, kind OpKind, value Value) (Op, error) {
	if err := validPath(path); err != nil {
		return Op{}, errors.Wrap(err, "invalid path")
	}
	op := Op{
		Author: author,
		Seq:    d.vv.Get(author) + 1,
		Path:   append([]string(nil), path...),
		Kind:   kind,
		Value:  value,
	}
	d.apply(op)
	return op, nil
}

// Value materializes the document's current merged state.
// Repeated calls yield byte-identical encodings.
func (d *Doc) Value() Value {
	root := MapOf(nil)
	for _, op := range d.sortedOps() {
		if op.Kind != OpSet {
			continue
		}
		setInto(root, op.Path, op.Value)
	}
	return root
}

func setInto(root Value, path []string, v Value) {
	m := root.Map
	for _, p := range path[:len(path)-1] {
		next, ok := m[p]
		if !ok || next.Kind != KindMap || next.Map == nil {
			next = MapOf(nil)
			m[p] = next
		}
		m = next.Map
	}
	m[path[len(path)-1]] = v.Clone()
}
