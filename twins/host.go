package twins

import (
	"fmt"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// host is the in-process validator a node's engine talks to. It builds
// blocks on request, gossips them to reachable nodes and confirms every
// finalization straight away.
type host struct {
	node     int
	network  *Network
	detector *ViolationDetector

	// honest hosts report finalizations to the detector
	honest bool
	target int

	built     int
	finalized int
	failed    []pbft.BlockRef
	updates   int
	head      pbft.Digest
}

var _ pbft.Service = (*host)(nil)

func (h *host) Broadcast(payload []byte) error {
	return h.network.Send(h.node, Broadcast, payload)
}

func (h *host) SendTo(peer pbft.ValidatorID, payload []byte) error {
	return h.network.SendToValidator(h.node, peer, payload)
}

// RequestBlock builds the next block on this node's head until the target
// is reached.
func (h *host) RequestBlock() error {
	if h.finalized >= h.target {
		return nil
	}
	h.built++
	b := pbft.BlockRef{
		Seq:    uint64(h.finalized + 1),
		Digest: pbft.DigestOf([]byte(fmt.Sprintf("block-%d-%d", h.node, h.built))),
		Prev:   h.head,
	}
	h.network.Gossip(h.node, pbft.BlockReady{Block: b})
	return nil
}

func (h *host) FinalizeBlock(seq uint64, digest pbft.Digest) error {
	h.finalized++
	h.head = digest
	if h.honest {
		h.detector.RecordCommit(h.node, seq, digest)
	}
	h.network.Enqueue(h.node, pbft.BlockCommitted{Seq: seq, Digest: digest})
	return nil
}

func (h *host) FailBlock(seq uint64, digest pbft.Digest) error {
	h.failed = append(h.failed, pbft.BlockRef{Seq: seq, Digest: digest})
	return nil
}

func (h *host) UpdateValidatorSet([]pbft.ValidatorID) error {
	h.updates++
	return nil
}
