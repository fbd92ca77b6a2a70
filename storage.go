package pbft

import (
	"sync"
)

// Certificate is the persisted evidence for one sequence: the accepted
// pre-prepare with the prepares and commits that certified it.
type Certificate struct {
	PrePrepare *Message   `json:"pre_prepare"`
	Prepares   []*Message `json:"prepares"`
	Commits    []*Message `json:"commits,omitempty"`
}

// DurableState is what a node must remember across restarts to avoid
// contradicting its own earlier votes.
type DurableState struct {
	View           uint64            `json:"view"`
	Checkpoint     *CheckpointProof  `json:"checkpoint"`
	LastFinalized  uint64            `json:"last_finalized"`
	LastConfirmed  uint64            `json:"last_confirmed"`
	Head           Digest            `json:"head"`
	OwnCheckpoints map[uint64]Digest `json:"own_checkpoints,omitempty"`
	Certificates   []*Certificate    `json:"certificates,omitempty"`
	Validators     []ValidatorID     `json:"validators,omitempty"`
}

// Storage persists DurableState. Save must be atomic: a crash leaves either
// the previous or the new state.
type Storage interface {
	// Load returns the last saved state, or nil and no error when nothing
	// was saved yet.
	Load() (*DurableState, error)

	// Save replaces the saved state.
	Save(state *DurableState) error
}

// MemoryStorage is an in-memory Storage for tests and simulations.
type MemoryStorage struct {
	mu    sync.Mutex
	state *DurableState
	saves int
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Load returns a copy of the saved state.
func (s *MemoryStorage) Load() (*DurableState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	return s.state.clone(), nil
}

// Save stores a copy of state.
func (s *MemoryStorage) Save(state *DurableState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.clone()
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStorage) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// clone copies the containers. Messages are never mutated after signing,
// so they are shared.
func (d *DurableState) clone() *DurableState {
	out := *d
	if d.OwnCheckpoints != nil {
		out.OwnCheckpoints = make(map[uint64]Digest, len(d.OwnCheckpoints))
		for k, v := range d.OwnCheckpoints {
			out.OwnCheckpoints[k] = v
		}
	}
	out.Certificates = append([]*Certificate(nil), d.Certificates...)
	out.Validators = append([]ValidatorID(nil), d.Validators...)
	return &out
}
