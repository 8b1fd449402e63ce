package ds

import "sort"

// VersionVector is a per-author counter set expressing causal
// "has seen up to" state without a central sequence number.
// A missing author is equivalent to a zero counter.
type VersionVector map[DID]uint64

// Get returns the counter for an author.
func (vv VersionVector) Get(author DID) uint64 {
	return vv[author]
}

// Bump increments an author's counter and returns the new value.
func (vv VersionVector) Bump(author DID) uint64 {
	vv[author]++
	return vv[author]
}

// Clone produces an independent copy of vv.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for a, n := range vv {
		out[a] = n
	}
	return out
}

// Merge folds other into vv, taking the per-author maximum.
func (vv VersionVector) Merge(other VersionVector) {
	for a, n := range other {
		if n > vv[a] {
			vv[a] = n
		}
	}
}

// Observe records that author's counter n has been seen.
func (vv VersionVector) Observe(author DID, n uint64) {
	if n > vv[author] {
		vv[author] = n
	}
}

// Dominates reports whether vv has seen everything other has.
// Every vector dominates the empty vector and itself.
func (vv VersionVector) Dominates(other VersionVector) bool {
	for a, n := range other {
		if vv[a] < n {
			return false
		}
	}
	return true
}

// Concurrent reports whether vv and other each contain state
// the other has not seen.
func (vv VersionVector) Concurrent(other VersionVector) bool {
	return !vv.Dominates(other) && !other.Dominates(vv)
}

// Equal reports whether vv and other express the same causal state.
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.Dominates(other) && other.Dominates(vv)
}

// Authors returns the authors with nonzero counters, sorted.
func (vv VersionVector) Authors() []DID {
	out := make([]DID, 0, len(vv))
	for a, n := range vv {
		if n > 0 {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
