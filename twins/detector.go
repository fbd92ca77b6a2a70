package twins

import (
	"fmt"
	"sync"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// ViolationDetector watches finalizations and network traffic for safety
// violations and Byzantine misbehavior.
type ViolationDetector struct {
	mu sync.RWMutex

	// first signed message per (signer, type, view, seq)
	messages map[messageKey]*messageRecord

	// first digest finalized at each sequence
	committed map[uint64]commitRecord

	// per-node finalization history
	finalized map[int]map[uint64]pbft.Digest
	last      map[int]uint64

	violations []Violation
}

type messageKey struct {
	Signer pbft.ValidatorID
	Type   pbft.MessageType
	View   uint64
	Seq    uint64
}

type messageRecord struct {
	NodeID  int
	Message *pbft.Message
}

type commitRecord struct {
	NodeID int
	Digest pbft.Digest
}

// NewViolationDetector creates a new violation detector.
func NewViolationDetector() *ViolationDetector {
	return &ViolationDetector{
		messages:  make(map[messageKey]*messageRecord),
		committed: make(map[uint64]commitRecord),
		finalized: make(map[int]map[uint64]pbft.Digest),
		last:      make(map[int]uint64),
	}
}

// RecordCommit records a finalization by an honest node.
func (vd *ViolationDetector) RecordCommit(nodeID int, seq uint64, digest pbft.Digest) {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	if existing, ok := vd.committed[seq]; ok && existing.Digest != digest {
		vd.add(Violation{
			Type:        ViolationFork,
			Description: "Different blocks finalized at the same sequence",
			NodeID:      nodeID,
			Seq:         seq,
			Context: map[string]any{
				"digest_1":  existing.Digest.String(),
				"digest_2":  digest.String(),
				"node_id_1": existing.NodeID,
				"node_id_2": nodeID,
			},
		})
	} else if !ok {
		vd.committed[seq] = commitRecord{NodeID: nodeID, Digest: digest}
	}

	history := vd.finalized[nodeID]
	if history == nil {
		history = make(map[uint64]pbft.Digest)
		vd.finalized[nodeID] = history
	}
	if _, dup := history[seq]; dup {
		vd.add(Violation{
			Type:        ViolationDoubleFinalize,
			Description: "Sequence finalized twice",
			NodeID:      nodeID,
			Seq:         seq,
		})
	}
	history[seq] = digest

	if last := vd.last[nodeID]; seq <= last {
		vd.add(Violation{
			Type:        ViolationOutOfOrder,
			Description: fmt.Sprintf("Sequence %d finalized after %d", seq, last),
			NodeID:      nodeID,
			Seq:         seq,
		})
		return
	}
	vd.last[nodeID] = seq
}

// RecordMessage records a message put on the network by nodeID and reports
// conflicting messages signed by one validator.
func (vd *ViolationDetector) RecordMessage(nodeID int, msg *pbft.Message) {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	key := messageKey{Signer: msg.Signer, Type: msg.Type, View: msg.View, Seq: msg.Seq}
	existing, ok := vd.messages[key]
	if !ok {
		vd.messages[key] = &messageRecord{NodeID: nodeID, Message: msg}
		return
	}
	if existing.Message.SameVote(msg) {
		return
	}

	v := Violation{
		Type:        ViolationDoubleSign,
		Description: fmt.Sprintf("Validator signed conflicting %s messages", msg.Type),
		NodeID:      nodeID,
		View:        msg.View,
		Seq:         msg.Seq,
		Context: map[string]any{
			"signer":    msg.Signer.Short(),
			"digest_1":  existing.Message.Digest.String(),
			"digest_2":  msg.Digest.String(),
			"node_id_1": existing.NodeID,
			"node_id_2": nodeID,
		},
	}
	switch msg.Type {
	case pbft.MessagePrePrepare:
		v.Type = ViolationConflictingProposal
		v.Description = "Primary pre-prepared conflicting blocks for one sequence"
	case pbft.MessageNewView:
		v.Type = ViolationConflictingNewView
		v.Description = "Validator sent conflicting new views"
	}
	vd.add(v)
}

// RecordHalt records an honest engine stopping on err.
func (vd *ViolationDetector) RecordHalt(nodeID int, err error) {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	vd.add(Violation{
		Type:        ViolationHalted,
		Description: err.Error(),
		NodeID:      nodeID,
	})
}

// Record adds a violation found outside the detector.
func (vd *ViolationDetector) Record(v Violation) {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	vd.add(v)
}

func (vd *ViolationDetector) add(v Violation) {
	vd.violations = append(vd.violations, v)
}

// GetViolations returns all detected violations.
func (vd *ViolationDetector) GetViolations() []Violation {
	vd.mu.RLock()
	defer vd.mu.RUnlock()

	result := make([]Violation, len(vd.violations))
	copy(result, vd.violations)
	return result
}

// HasViolations returns true if any violations were detected.
func (vd *ViolationDetector) HasViolations() bool {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	return len(vd.violations) > 0
}

// HasSafetyViolations returns true if a safety violation was detected.
func (vd *ViolationDetector) HasSafetyViolations() bool {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	for _, v := range vd.violations {
		if v.Type.Safety() {
			return true
		}
	}
	return false
}

// ViolationsByType returns the violations of type t.
func (vd *ViolationDetector) ViolationsByType(t ViolationType) []Violation {
	vd.mu.RLock()
	defer vd.mu.RUnlock()

	var result []Violation
	for _, v := range vd.violations {
		if v.Type == t {
			result = append(result, v)
		}
	}
	return result
}

// Finalized returns the number of sequences nodeID finalized.
func (vd *ViolationDetector) Finalized(nodeID int) int {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	return len(vd.finalized[nodeID])
}

// Reset clears all recorded state.
func (vd *ViolationDetector) Reset() {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	vd.messages = make(map[messageKey]*messageRecord)
	vd.committed = make(map[uint64]commitRecord)
	vd.finalized = make(map[int]map[uint64]pbft.Digest)
	vd.last = make(map[int]uint64)
	vd.violations = nil
}
