// Package twins implements the Twins approach to Byzantine fault testing
// for the PBFT engine.
//
// A twin pair is two engines that share one validator key but run
// independently, so the rest of the network sees a single validator that
// may send conflicting messages. Scenarios combine twins with network
// partitions and message interceptors and check that honest behavior stays
// safe:
//   - no two nodes finalize different blocks at the same sequence
//   - every node finalizes sequences in order, each at most once
//   - no engine halts on an internal invariant violation
//
// Execution is synchronous and driven by a mock clock, so a scenario
// always produces the same result.
//
// Based on "Twins: BFT Systems Made Robust" by Bano et al.
package twins

import (
	"fmt"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// Scenario defines a Byzantine testing scenario.
type Scenario struct {
	// Replicas is the number of honest replicas (non-twins).
	Replicas int

	// Twins is the number of twin pairs. Each pair is one validator.
	Twins int

	// Partitions restricts which nodes can talk. Nodes not listed in any
	// partition reach everyone.
	Partitions []Partition

	// Blocks is the number of sequences honest replicas should finalize
	// before the run ends.
	Blocks int

	// Behavior is applied to the twins.
	Behavior ByzantineBehavior

	// TwinPrimary orders the validator set so the first twin pair is the
	// primary of view 0.
	TwinPrimary bool
}

// Partition is a group of node IDs that can communicate.
type Partition struct {
	Nodes []int
}

// ByzantineBehavior defines what the twins do.
type ByzantineBehavior int

const (
	// BehaviorHonest - both twins run the unmodified engine.
	BehaviorHonest ByzantineBehavior = iota

	// BehaviorDoubleSign - the first twin signs a conflicting copy of each
	// vote and sends it to half of the replicas.
	BehaviorDoubleSign

	// BehaviorEquivocation - each twin talks to a different half of the
	// replicas, so the validator tells each half a different story.
	BehaviorEquivocation

	// BehaviorSilent - twins send nothing (crash fault).
	BehaviorSilent
)

func (b ByzantineBehavior) String() string {
	switch b {
	case BehaviorHonest:
		return "Honest"
	case BehaviorDoubleSign:
		return "DoubleSign"
	case BehaviorEquivocation:
		return "Equivocation"
	case BehaviorSilent:
		return "Silent"
	default:
		return "Unknown"
	}
}

// Result represents the result of executing a scenario.
type Result struct {
	Scenario Scenario

	// Success is true when no safety violation was found.
	Success bool

	// Violations lists everything the detector saw, including expected
	// Byzantine misbehavior.
	Violations []Violation

	// Finalized is the lowest number of sequences finalized by any honest
	// replica.
	Finalized int

	// MaxView is the highest view any honest replica reached.
	MaxView uint64

	// Evidence is the number of equivocations honest replicas recorded.
	Evidence int

	// MessagesExchanged is the number of messages put on the network.
	MessagesExchanged int
}

// Violation represents a detected violation.
type Violation struct {
	Type        ViolationType
	Description string

	// NodeID is the node that observed or caused the violation.
	NodeID int

	View uint64
	Seq  uint64

	Context map[string]any
}

// ViolationType categorizes violations.
type ViolationType int

const (
	// ViolationNone - setup failure, not a protocol violation
	ViolationNone ViolationType = iota

	// ViolationFork - two blocks finalized at the same sequence
	ViolationFork

	// ViolationDoubleFinalize - one node finalized a sequence twice
	ViolationDoubleFinalize

	// ViolationOutOfOrder - a node finalized sequences out of order
	ViolationOutOfOrder

	// ViolationHalted - an engine stopped on an internal invariant violation
	ViolationHalted

	// ViolationDoubleSign - one validator signed conflicting votes
	ViolationDoubleSign

	// ViolationConflictingProposal - one primary pre-prepared two blocks
	// for the same slot
	ViolationConflictingProposal

	// ViolationConflictingNewView - one validator sent two different new
	// views for the same view
	ViolationConflictingNewView
)

func (v ViolationType) String() string {
	switch v {
	case ViolationNone:
		return "None"
	case ViolationFork:
		return "Fork"
	case ViolationDoubleFinalize:
		return "DoubleFinalize"
	case ViolationOutOfOrder:
		return "OutOfOrder"
	case ViolationHalted:
		return "Halted"
	case ViolationDoubleSign:
		return "DoubleSign"
	case ViolationConflictingProposal:
		return "ConflictingProposal"
	case ViolationConflictingNewView:
		return "ConflictingNewView"
	default:
		return "Unknown"
	}
}

// Safety reports whether the violation breaks a guarantee the engine must
// keep. Misbehavior by twins is expected and only recorded.
func (v ViolationType) Safety() bool {
	switch v {
	case ViolationNone, ViolationFork, ViolationDoubleFinalize, ViolationOutOfOrder, ViolationHalted:
		return true
	default:
		return false
	}
}

// Validators returns the number of distinct validators in s.
func (s Scenario) Validators() int {
	return s.Replicas + s.Twins
}

// Nodes returns the number of engines in s.
func (s Scenario) Nodes() int {
	return s.Replicas + s.Twins*2
}

// ValidateScenario checks if a scenario is valid.
func ValidateScenario(s Scenario) error {
	if s.Replicas < 1 {
		return fmt.Errorf("replicas must be >= 1, got %d", s.Replicas)
	}
	if s.Twins < 0 {
		return fmt.Errorf("twins must be >= 0, got %d", s.Twins)
	}

	n := s.Validators()
	if n < 4 {
		return fmt.Errorf("need at least 4 validators, got %d", n)
	}
	if f := pbft.MaxFaulty(n); s.Twins > f {
		return fmt.Errorf("scenario violates BFT assumptions: %d twins exceeds f=%d tolerance (n=%d)",
			s.Twins, f, n)
	}
	if s.TwinPrimary && s.Twins == 0 {
		return fmt.Errorf("twin primary needs at least one twin pair")
	}
	if s.Blocks < 1 {
		return fmt.Errorf("blocks must be >= 1, got %d", s.Blocks)
	}

	total := s.Nodes()
	for i, partition := range s.Partitions {
		for _, nodeID := range partition.Nodes {
			if nodeID < 0 || nodeID >= total {
				return fmt.Errorf("partition %d references invalid node ID %d (total nodes: %d)",
					i, nodeID, total)
			}
		}
	}
	return nil
}

// GenerateBasicScenarios returns a fixed set of scenarios.
func GenerateBasicScenarios() []Scenario {
	return []Scenario{
		{Replicas: 4, Blocks: 5, Behavior: BehaviorHonest},
		{Replicas: 3, Twins: 1, Blocks: 5, Behavior: BehaviorHonest},
		{Replicas: 3, Twins: 1, Blocks: 5, Behavior: BehaviorDoubleSign},
		{Replicas: 3, Twins: 1, Blocks: 5, Behavior: BehaviorEquivocation},
		{Replicas: 3, Twins: 1, Blocks: 5, Behavior: BehaviorSilent},
		{
			Replicas: 4,
			Blocks:   5,
			Behavior: BehaviorHonest,
			Partitions: []Partition{
				{Nodes: []int{0, 1}},
				{Nodes: []int{2, 3}},
			},
		},
		{Replicas: 5, Twins: 2, Blocks: 5, Behavior: BehaviorDoubleSign},
		{Replicas: 3, Twins: 1, Blocks: 5, Behavior: BehaviorHonest, TwinPrimary: true},
	}
}

// TwinID returns the node ID of twin twinIndex (0 or 1) of a pair. Twin
// pairs are numbered after all honest replicas.
func TwinID(replicas, twinPairIndex, twinIndex int) int {
	if twinIndex != 0 && twinIndex != 1 {
		return -1
	}
	return replicas + twinPairIndex*2 + twinIndex
}

// IsTwin returns true if the given node ID is part of a twin pair.
func IsTwin(nodeID, replicas int) bool {
	return nodeID >= replicas
}

// GetTwinPair returns the IDs of both twins in a pair, or (-1, -1).
func GetTwinPair(nodeID, replicas int) (int, int) {
	if !IsTwin(nodeID, replicas) {
		return -1, -1
	}
	pairIndex := (nodeID - replicas) / 2
	return TwinID(replicas, pairIndex, 0), TwinID(replicas, pairIndex, 1)
}

// GetValidatorIndex returns the validator index of a node. Both twins of a
// pair share one index.
func GetValidatorIndex(nodeID, replicas int) int {
	if !IsTwin(nodeID, replicas) {
		return nodeID
	}
	return replicas + (nodeID-replicas)/2
}
