package pbft

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DigestSize is the size of a block digest in bytes.
const DigestSize = 32

// Digest identifies block contents. The zero value is the null digest used
// for no-op fillers reissued during a view change.
type Digest [DigestSize]byte

// NullDigest is the digest of a no-op sequence.
var NullDigest Digest

// DigestOf returns the SHA-256 digest of data.
func DigestOf(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// DigestFromBytes copies a 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("decode digest: %w", err)
	}
	return DigestFromBytes(b)
}

// IsNull reports whether d is the null digest.
func (d Digest) IsNull() bool {
	return d == NullDigest
}

// Bytes returns the digest as a slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// String returns the first 8 bytes in hex, or "null".
func (d Digest) String() string {
	if d.IsNull() {
		return "null"
	}
	return hex.EncodeToString(d[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(d[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ValidatorID is the hex-encoded public key of a validator.
type ValidatorID string

// ValidatorIDFromKey derives the id of a validator from its public key bytes.
func ValidatorIDFromKey(pub []byte) ValidatorID {
	return ValidatorID(hex.EncodeToString(pub))
}

// PublicKey decodes the public key bytes the id was derived from.
func (id ValidatorID) PublicKey() ([]byte, error) {
	return hex.DecodeString(string(id))
}

// Short returns a prefix suitable for logs.
func (id ValidatorID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// BlockRef is the host's description of a block: the core never sees block
// contents, only digests.
type BlockRef struct {
	Seq    uint64
	Digest Digest
	Prev   Digest
}

// Service is the set of commands the engine issues to the host. Calls must
// not block on delivery; errors are logged and never stop consensus.
type Service interface {
	// Broadcast sends payload to every other validator.
	Broadcast(payload []byte) error

	// SendTo sends payload to a single validator.
	SendTo(peer ValidatorID, payload []byte) error

	// RequestBlock asks the host to build a block on top of its chain head.
	// The host answers with a BlockReady event.
	RequestBlock() error

	// FinalizeBlock commits the block at seq. Issued in strict sequence order,
	// at most once per sequence. The host answers with BlockCommitted.
	FinalizeBlock(seq uint64, digest Digest) error

	// FailBlock tells the host to discard a block that will not be committed.
	FailBlock(seq uint64, digest Digest) error

	// UpdateValidatorSet reports a newly installed membership.
	UpdateValidatorSet(ids []ValidatorID) error
}

// Hooks provides callbacks for consensus events.
// All callbacks are optional - nil callbacks are safely ignored.
// Callbacks run synchronously on the engine loop and must be fast.
type Hooks struct {
	// OnPrePrepare is called when this node accepts a pre-prepare.
	OnPrePrepare func(view, seq uint64, digest Digest)

	// OnCommit is called when a finalize decision is issued to the host.
	OnCommit func(seq uint64, digest Digest)

	// OnViewChangeStarted is called when this node enters view-changing mode.
	OnViewChangeStarted func(target uint64)

	// OnViewChange is called when a NewView is adopted.
	OnViewChange func(oldView, newView uint64)

	// OnCheckpoint is called when a checkpoint becomes stable.
	OnCheckpoint func(seq uint64, digest Digest)

	// OnOutOfSync is called when the network has stabilized a checkpoint this
	// node cannot reach without state transfer.
	OnOutOfSync func(seq uint64, digest Digest)

	// OnEquivocation is called when a peer sends two different votes for one slot.
	OnEquivocation func(ev *Evidence)

	// OnFatal is called once when the engine halts on an invariant violation.
	OnFatal func(err error)
}

// Status is a read-only snapshot of engine state.
type Status struct {
	ID             ValidatorID `json:"id"`
	View           uint64      `json:"view"`
	Mode           string      `json:"mode"`
	TargetView     uint64      `json:"target_view"`
	Primary        ValidatorID `json:"primary"`
	LowWatermark   uint64      `json:"low_watermark"`
	HighWatermark  uint64      `json:"high_watermark"`
	LastFinalized  uint64      `json:"last_finalized"`
	LastConfirmed  uint64      `json:"last_confirmed"`
	InFlight       int         `json:"in_flight"`
	LogSize        int         `json:"log_size"`
	Backlog        int         `json:"backlog"`
	Validators     int         `json:"validators"`
	OutOfSync      bool        `json:"out_of_sync"`
	Halted         bool        `json:"halted"`
	HaltReason     string      `json:"halt_reason,omitempty"`
	EvidenceCount  int         `json:"evidence_count"`
	ConnectedPeers int         `json:"connected_peers"`
}
