// Package host connects the engine to a validator process over ZeroMQ.
//
// The validator and the engine exchange JSON envelopes on a DEALER/ROUTER
// pair. Updates flow from the validator to the engine and become engine
// events; commands flow the other way and are issued by Client, which
// implements pbft.Service.
package host

import (
	"encoding/json"
	"fmt"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// Update kinds, sent by the validator.
const (
	KindPeerMessage      = "peer_message"
	KindBlockNew         = "block_new"
	KindBlockCommit      = "block_commit"
	KindBlockInvalid     = "block_invalid"
	KindPeerConnected    = "peer_connected"
	KindPeerDisconnected = "peer_disconnected"
	KindValidatorSet     = "validator_set"
	KindShutdown         = "shutdown"
)

// Command kinds, sent by the engine.
const (
	KindRegister        = "register"
	KindBroadcast       = "broadcast"
	KindSendTo          = "send_to"
	KindInitializeBlock = "initialize_block"
	KindCommitBlock     = "commit_block"
	KindFailBlock       = "fail_block"
	KindUpdateMembers   = "update_validators"
)

// Envelope is one frame on the validator link. Fields not used by a kind
// are left empty.
type Envelope struct {
	Kind       string             `json:"kind"`
	Peer       pbft.ValidatorID   `json:"peer,omitempty"`
	Payload    []byte             `json:"payload,omitempty"`
	Seq        uint64             `json:"seq,omitempty"`
	Digest     *pbft.Digest       `json:"digest,omitempty"`
	Prev       *pbft.Digest       `json:"prev,omitempty"`
	Validators []pbft.ValidatorID `json:"validators,omitempty"`
}

// Encode serializes e.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Kind, err)
	}
	return data, nil
}

// DecodeEnvelope parses one frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Kind == "" {
		return nil, fmt.Errorf("decode envelope: missing kind")
	}
	return &e, nil
}

func digestPtr(d pbft.Digest) *pbft.Digest {
	return &d
}

func (e *Envelope) digest() (pbft.Digest, error) {
	if e.Digest == nil {
		return pbft.Digest{}, fmt.Errorf("%s: missing digest", e.Kind)
	}
	return *e.Digest, nil
}

// Event converts a validator update into an engine event.
func (e *Envelope) Event() (pbft.Event, error) {
	switch e.Kind {
	case KindPeerMessage:
		if e.Peer == "" || len(e.Payload) == 0 {
			return nil, fmt.Errorf("%s: missing peer or payload", e.Kind)
		}
		return pbft.PeerMessage{Sender: e.Peer, Payload: e.Payload}, nil

	case KindBlockNew:
		d, err := e.digest()
		if err != nil {
			return nil, err
		}
		b := pbft.BlockRef{Seq: e.Seq, Digest: d}
		if e.Prev != nil {
			b.Prev = *e.Prev
		}
		return pbft.BlockReady{Block: b}, nil

	case KindBlockCommit:
		d, err := e.digest()
		if err != nil {
			return nil, err
		}
		return pbft.BlockCommitted{Seq: e.Seq, Digest: d}, nil

	case KindBlockInvalid:
		d, err := e.digest()
		if err != nil {
			return nil, err
		}
		return pbft.BlockInvalid{Seq: e.Seq, Digest: d}, nil

	case KindPeerConnected:
		if e.Peer == "" {
			return nil, fmt.Errorf("%s: missing peer", e.Kind)
		}
		return pbft.PeerConnected{ID: e.Peer}, nil

	case KindPeerDisconnected:
		if e.Peer == "" {
			return nil, fmt.Errorf("%s: missing peer", e.Kind)
		}
		return pbft.PeerDisconnected{ID: e.Peer}, nil

	case KindValidatorSet:
		if len(e.Validators) == 0 {
			return nil, fmt.Errorf("%s: empty validator list", e.Kind)
		}
		return pbft.ValidatorSetUpdated{Validators: e.Validators}, nil

	case KindShutdown:
		return pbft.Shutdown{}, nil

	default:
		return nil, fmt.Errorf("unknown update kind %q", e.Kind)
	}
}
