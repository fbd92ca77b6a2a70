package pbft

import (
	"sort"
	"time"
)

// Mode is the operating mode of a node.
type Mode uint8

const (
	// ModeNormal: participating in per-sequence agreement.
	ModeNormal Mode = iota

	// ModeViewChanging: waiting for a NewView; agreement is suspended.
	ModeViewChanging
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeViewChanging:
		return "view-changing"
	default:
		return "unknown"
	}
}

// Phase is the agreement phase of one sequence number.
type Phase uint8

const (
	PhasePrePreparing Phase = iota
	PhasePreparing
	PhaseCommitting
	PhaseCommitted
	PhaseFinalized
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePrePreparing:
		return "pre-preparing"
	case PhasePreparing:
		return "preparing"
	case PhaseCommitting:
		return "committing"
	case PhaseCommitted:
		return "committed"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// WorkingBlock tracks one in-flight sequence number. It refers to log
// contents by (View, Seq, Digest) only. View is the view the entry is being
// agreed in; once Committed it stays the view that committed it.
type WorkingBlock struct {
	Seq    uint64
	View   uint64
	Digest Digest
	Prev   Digest
	Phase  Phase

	Started time.Time
}

// State is the node's PBFT state: view, mode, watermarks and working
// blocks. Owned by the engine loop; not safe for concurrent use.
type State struct {
	view       uint64
	mode       Mode
	targetView uint64

	low    uint64
	window uint64

	// finalized is the highest sequence whose decision was issued in order.
	finalized uint64
	// confirmed is the highest contiguous sequence the host confirmed.
	confirmed uint64
	// head is the digest of the last confirmed non-null block.
	head Digest

	working map[uint64]*WorkingBlock
	decided map[uint64]Digest

	stable         *CheckpointProof
	ownCheckpoints map[uint64]Digest

	// primary bookkeeping
	nextSeq        uint64
	blockRequested bool

	// host blocks seen but not yet pre-prepared, in arrival order
	pending []BlockRef

	lastViewChange *Message
	lastNewView    *Message
	outOfSync      bool
}

// NewState creates the state of a node starting at genesis.
func NewState(window uint64) *State {
	return &State{
		window:         window,
		working:        make(map[uint64]*WorkingBlock),
		decided:        make(map[uint64]Digest),
		stable:         GenesisCheckpoint(),
		ownCheckpoints: make(map[uint64]Digest),
		nextSeq:        1,
	}
}

// View returns the current view.
func (s *State) View() uint64 { return s.view }

// Mode returns the operating mode.
func (s *State) Mode() Mode { return s.mode }

// TargetView returns the view being changed to (equal to View in normal mode).
func (s *State) TargetView() uint64 { return s.targetView }

// LowWatermark returns the sequence of the last stable checkpoint.
func (s *State) LowWatermark() uint64 { return s.low }

// HighWatermark returns low + window.
func (s *State) HighWatermark() uint64 { return s.low + s.window }

// InWindow reports low < seq <= high.
func (s *State) InWindow(seq uint64) bool {
	return seq > s.low && seq <= s.HighWatermark()
}

// LastFinalized returns the highest sequence decided in order.
func (s *State) LastFinalized() uint64 { return s.finalized }

// LastConfirmed returns the highest contiguous host-confirmed sequence.
func (s *State) LastConfirmed() uint64 { return s.confirmed }

// StableCheckpoint returns the last stable checkpoint proof.
func (s *State) StableCheckpoint() *CheckpointProof { return s.stable }

// Working returns the working block at seq, or nil.
func (s *State) Working(seq uint64) *WorkingBlock { return s.working[seq] }

// enterViewChange moves to view-changing mode toward target.
func (s *State) enterViewChange(target uint64) {
	s.mode = ModeViewChanging
	s.targetView = target
}

// adoptView installs view v in normal mode.
func (s *State) adoptView(v uint64) error {
	if v < s.view {
		return wrapInternalf("view regression %d -> %d", s.view, v)
	}
	s.view = v
	s.targetView = v
	s.mode = ModeNormal
	return nil
}

// decide records digest as the decision for seq. Deciding a different
// digest for an already decided sequence is an invariant violation.
func (s *State) decide(seq uint64, digest Digest) error {
	if prev, ok := s.decided[seq]; ok && prev != digest {
		return wrapInternalf("conflicting decisions at seq %d: %s then %s", seq, prev, digest)
	}
	s.decided[seq] = digest
	return nil
}

// advanceLow moves the low watermark to seq and discards working state at or
// below it. The watermark never moves backward.
func (s *State) advanceLow(proof *CheckpointProof) error {
	if proof.Seq < s.low {
		return wrapInternalf("watermark regression %d -> %d", s.low, proof.Seq)
	}
	if proof.Seq == s.low {
		return nil
	}
	s.low = proof.Seq
	s.stable = proof

	for seq := range s.working {
		if seq <= s.low {
			delete(s.working, seq)
		}
	}
	for seq := range s.decided {
		if seq <= s.low {
			delete(s.decided, seq)
		}
	}
	for seq := range s.ownCheckpoints {
		if seq < s.low {
			delete(s.ownCheckpoints, seq)
		}
	}
	return nil
}

// unsettled reports whether any working block is not yet finalized.
func (s *State) unsettled() bool {
	for _, wb := range s.working {
		if wb.Phase < PhaseFinalized {
			return true
		}
	}
	return false
}

// inFlight returns the number of working blocks that are not finalized.
func (s *State) inFlight() int {
	n := 0
	for _, wb := range s.working {
		if wb.Phase < PhaseFinalized {
			n++
		}
	}
	return n
}

// sortedWorking returns working blocks ordered by sequence.
func (s *State) sortedWorking() []*WorkingBlock {
	out := make([]*WorkingBlock, 0, len(s.working))
	for _, wb := range s.working {
		out = append(out, wb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// addPending remembers a host block that has not been pre-prepared yet.
func (s *State) addPending(b BlockRef) bool {
	for _, p := range s.pending {
		if p.Digest == b.Digest {
			return false
		}
	}
	s.pending = append(s.pending, b)
	return true
}

// removePending forgets the host block with digest.
func (s *State) removePending(digest Digest) (BlockRef, bool) {
	for i, p := range s.pending {
		if p.Digest == digest {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return p, true
		}
	}
	return BlockRef{}, false
}

// takePending removes and returns the oldest pending block.
func (s *State) takePending() (BlockRef, bool) {
	if len(s.pending) == 0 {
		return BlockRef{}, false
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	return b, true
}
