package pbft

// MaxFaulty returns f, the number of Byzantine validators tolerated by a set
// of n validators: the largest f with n >= 3f+1.
func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumSize returns the number of distinct validators whose matching votes
// form a certificate: ceil((n+f+1)/2). Any two quorums then share at least
// f+1 validators. It is 2f+1 when n = 3f+1.
func QuorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + MaxFaulty(n) + 2) / 2
}

// WeakQuorumSize returns f+1, the smallest group guaranteed to contain at
// least one correct validator.
func WeakQuorumSize(n int) int {
	return MaxFaulty(n) + 1
}

// ValidatorSet is an immutable, ordered snapshot of the validators taking
// part in consensus. Order determines round-robin primary selection.
// A new membership is installed by swapping the whole snapshot.
type ValidatorSet struct {
	ids   []ValidatorID
	index map[ValidatorID]int
}

// NewValidatorSet creates a snapshot from ids in primary-rotation order.
// It requires at least four distinct, non-empty ids.
func NewValidatorSet(ids []ValidatorID) (*ValidatorSet, error) {
	if len(ids) < 4 {
		return nil, wrapConfigf("validator set needs at least 4 members, got %d", len(ids))
	}

	vs := &ValidatorSet{
		ids:   make([]ValidatorID, len(ids)),
		index: make(map[ValidatorID]int, len(ids)),
	}
	for i, id := range ids {
		if id == "" {
			return nil, wrapConfigf("validator %d has an empty id", i)
		}
		if _, dup := vs.index[id]; dup {
			return nil, wrapConfigf("duplicate validator %s", id.Short())
		}
		vs.ids[i] = id
		vs.index[id] = i
	}
	return vs, nil
}

// Count returns n.
func (vs *ValidatorSet) Count() int {
	return len(vs.ids)
}

// F returns the maximum number of faulty validators tolerated.
func (vs *ValidatorSet) F() int {
	return MaxFaulty(len(vs.ids))
}

// Quorum returns QuorumSize of the set.
func (vs *ValidatorSet) Quorum() int {
	return QuorumSize(len(vs.ids))
}

// WeakQuorum returns f+1.
func (vs *ValidatorSet) WeakQuorum() int {
	return WeakQuorumSize(len(vs.ids))
}

// Contains reports whether id is a member.
func (vs *ValidatorSet) Contains(id ValidatorID) bool {
	_, ok := vs.index[id]
	return ok
}

// IndexOf returns the rotation index of id, or -1.
func (vs *ValidatorSet) IndexOf(id ValidatorID) int {
	if i, ok := vs.index[id]; ok {
		return i
	}
	return -1
}

// Primary returns the primary for view: ids[view mod n].
func (vs *ValidatorSet) Primary(view uint64) ValidatorID {
	return vs.ids[view%uint64(len(vs.ids))]
}

// IDs returns a copy of the ordered membership.
func (vs *ValidatorSet) IDs() []ValidatorID {
	out := make([]ValidatorID, len(vs.ids))
	copy(out, vs.ids)
	return out
}

// Equal reports whether both snapshots list the same ids in the same order.
func (vs *ValidatorSet) Equal(other *ValidatorSet) bool {
	if other == nil || len(vs.ids) != len(other.ids) {
		return false
	}
	for i := range vs.ids {
		if vs.ids[i] != other.ids[i] {
			return false
		}
	}
	return true
}
