package pbft

import (
	"fmt"
)

// MessageType represents the type of a PBFT protocol message.
type MessageType uint8

const (
	// MessagePrePrepare assigns a block to a sequence number in a view (primary only).
	MessagePrePrepare MessageType = iota + 1

	// MessagePrepare acknowledges an accepted pre-prepare.
	MessagePrepare

	// MessageCommit is sent once a node holds a prepared certificate.
	MessageCommit

	// MessageCheckpoint announces the state digest at a checkpoint sequence.
	MessageCheckpoint

	// MessageViewChange votes to move to a new view.
	MessageViewChange

	// MessageNewView installs a new view from a quorum of view changes.
	MessageNewView
)

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessagePrePrepare:
		return "PREPREPARE"
	case MessagePrepare:
		return "PREPARE"
	case MessageCommit:
		return "COMMIT"
	case MessageCheckpoint:
		return "CHECKPOINT"
	case MessageViewChange:
		return "VIEWCHANGE"
	case MessageNewView:
		return "NEWVIEW"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether mt is a known message type.
func (mt MessageType) Valid() bool {
	return mt >= MessagePrePrepare && mt <= MessageNewView
}

// Message is a signed PBFT protocol message.
//
// Field use by type:
//   - PrePrepare: View, Seq, Digest, Prev
//   - Prepare, Commit: View, Seq, Digest
//   - Checkpoint: Seq, Digest (state digest); View is informational
//   - ViewChange: View (the target view), Seq and Digest of the stable
//     checkpoint, Checkpoint proof and Prepared certificates
//   - NewView: View, Seq (the reissue base), ViewChanges, PrePrepares
type Message struct {
	Type   MessageType `json:"type"`
	View   uint64      `json:"view"`
	Seq    uint64      `json:"seq"`
	Digest Digest      `json:"digest"`
	Prev   Digest      `json:"prev"`
	Signer ValidatorID `json:"signer"`

	Checkpoint *CheckpointProof `json:"checkpoint,omitempty"`
	Prepared   []*PreparedCert  `json:"prepared,omitempty"`

	ViewChanges []*Message `json:"view_changes,omitempty"`
	PrePrepares []*Message `json:"pre_prepares,omitempty"`

	Signature []byte `json:"signature,omitempty"`
}

// CheckpointProof is a stable checkpoint: a quorum of matching signed
// Checkpoint messages. The genesis proof has Seq 0 and no messages.
type CheckpointProof struct {
	Seq      uint64     `json:"seq"`
	Digest   Digest     `json:"digest"`
	Messages []*Message `json:"messages,omitempty"`
}

// PreparedCert is a pre-prepare plus the matching prepares that made it
// prepared.
type PreparedCert struct {
	PrePrepare *Message   `json:"pre_prepare"`
	Prepares   []*Message `json:"prepares"`
}

// View returns the view the certificate was formed in.
func (c *PreparedCert) View() uint64 { return c.PrePrepare.View }

// Seq returns the certified sequence number.
func (c *PreparedCert) Seq() uint64 { return c.PrePrepare.Seq }

// Digest returns the certified digest.
func (c *PreparedCert) Digest() Digest { return c.PrePrepare.Digest }

// GenesisCheckpoint returns the implicit stable checkpoint at sequence 0.
func GenesisCheckpoint() *CheckpointProof {
	return &CheckpointProof{}
}

// NewPrePrepare creates a PRE-PREPARE message.
func NewPrePrepare(view, seq uint64, digest, prev Digest, signer ValidatorID) *Message {
	return &Message{Type: MessagePrePrepare, View: view, Seq: seq, Digest: digest, Prev: prev, Signer: signer}
}

// NewPrepare creates a PREPARE message.
func NewPrepare(view, seq uint64, digest Digest, signer ValidatorID) *Message {
	return &Message{Type: MessagePrepare, View: view, Seq: seq, Digest: digest, Signer: signer}
}

// NewCommit creates a COMMIT message.
func NewCommit(view, seq uint64, digest Digest, signer ValidatorID) *Message {
	return &Message{Type: MessageCommit, View: view, Seq: seq, Digest: digest, Signer: signer}
}

// NewCheckpoint creates a CHECKPOINT message.
func NewCheckpoint(view, seq uint64, stateDigest Digest, signer ValidatorID) *Message {
	return &Message{Type: MessageCheckpoint, View: view, Seq: seq, Digest: stateDigest, Signer: signer}
}

// NewViewChange creates a VIEW-CHANGE message for target view.
func NewViewChange(target uint64, checkpoint *CheckpointProof, prepared []*PreparedCert, signer ValidatorID) *Message {
	if checkpoint == nil {
		checkpoint = GenesisCheckpoint()
	}
	return &Message{
		Type:       MessageViewChange,
		View:       target,
		Seq:        checkpoint.Seq,
		Digest:     checkpoint.Digest,
		Signer:     signer,
		Checkpoint: checkpoint,
		Prepared:   prepared,
	}
}

// NewNewView creates a NEW-VIEW message.
func NewNewView(view, base uint64, viewChanges, prePrepares []*Message, signer ValidatorID) *Message {
	return &Message{
		Type:        MessageNewView,
		View:        view,
		Seq:         base,
		Signer:      signer,
		ViewChanges: viewChanges,
		PrePrepares: prePrepares,
	}
}

// String returns a short description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s(v=%d n=%d d=%s from=%s)", m.Type, m.View, m.Seq, m.Digest, m.Signer.Short())
}

// SameVote reports whether two messages from the same slot carry the same
// vote. Signatures are ignored.
func (m *Message) SameVote(other *Message) bool {
	if m.Type != other.Type || m.View != other.View || m.Seq != other.Seq ||
		m.Digest != other.Digest || m.Prev != other.Prev || m.Signer != other.Signer {
		return false
	}

	switch m.Type {
	case MessageViewChange:
		if len(m.Prepared) != len(other.Prepared) {
			return false
		}
		for i := range m.Prepared {
			a, b := m.Prepared[i].PrePrepare, other.Prepared[i].PrePrepare
			if a.View != b.View || a.Seq != b.Seq || a.Digest != b.Digest {
				return false
			}
		}
	case MessageNewView:
		if len(m.PrePrepares) != len(other.PrePrepares) || len(m.ViewChanges) != len(other.ViewChanges) {
			return false
		}
		for i := range m.PrePrepares {
			if m.PrePrepares[i].Seq != other.PrePrepares[i].Seq || m.PrePrepares[i].Digest != other.PrePrepares[i].Digest {
				return false
			}
		}
		for i := range m.ViewChanges {
			if m.ViewChanges[i].Signer != other.ViewChanges[i].Signer {
				return false
			}
		}
	}
	return true
}

// checkShape validates the fields required by the message type. It does not
// check signatures or certificates.
func (m *Message) checkShape() error {
	if !m.Type.Valid() {
		return wrapInvalidMessagef("unknown message type %d", m.Type)
	}
	if m.Signer == "" {
		return wrapInvalidMessage("missing signer")
	}

	switch m.Type {
	case MessagePrePrepare, MessagePrepare, MessageCommit:
		if m.Seq == 0 {
			return wrapInvalidMessagef("%s with sequence 0", m.Type)
		}
	case MessageCheckpoint:
		if m.Seq == 0 {
			return wrapInvalidMessage("checkpoint at sequence 0")
		}
	case MessageViewChange:
		if m.Checkpoint == nil {
			return wrapInvalidMessage("view change without checkpoint proof")
		}
		if m.Checkpoint.Seq != m.Seq || m.Checkpoint.Digest != m.Digest {
			return wrapInvalidMessage("view change checkpoint does not match header")
		}
		for _, cert := range m.Prepared {
			if cert == nil || cert.PrePrepare == nil {
				return wrapInvalidMessage("view change with empty prepared certificate")
			}
		}
	case MessageNewView:
		if len(m.ViewChanges) == 0 {
			return wrapInvalidMessage("new view without view changes")
		}
	}
	return nil
}
