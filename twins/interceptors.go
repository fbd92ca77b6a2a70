package twins

import (
	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// SilentInterceptor drops everything a node sends.
type SilentInterceptor struct{}

// Outgoing drops msg.
func (SilentInterceptor) Outgoing(int, int, *pbft.Message) []Outgoing {
	return nil
}

// PassthroughInterceptor sends everything unchanged.
type PassthroughInterceptor struct{}

// Outgoing returns msg as addressed.
func (PassthroughInterceptor) Outgoing(_, to int, msg *pbft.Message) []Outgoing {
	return []Outgoing{{To: to, Message: msg}}
}

// EquivocationInterceptor limits a node to the targets it is assigned.
// Giving each twin a different half of the network makes the pair tell each
// half its own story.
type EquivocationInterceptor struct {
	targets map[int]bool
	order   []int
}

// NewEquivocationInterceptor creates an interceptor that only talks to
// targets.
func NewEquivocationInterceptor(targets []int) *EquivocationInterceptor {
	ic := &EquivocationInterceptor{targets: make(map[int]bool, len(targets))}
	for _, t := range targets {
		if !ic.targets[t] {
			ic.targets[t] = true
			ic.order = append(ic.order, t)
		}
	}
	return ic
}

// Outgoing turns a broadcast into direct sends to the targets and drops
// direct sends to anyone else.
func (ic *EquivocationInterceptor) Outgoing(_, to int, msg *pbft.Message) []Outgoing {
	if to != Broadcast {
		if ic.targets[to] {
			return []Outgoing{{To: to, Message: msg}}
		}
		return nil
	}
	out := make([]Outgoing, 0, len(ic.order))
	for _, t := range ic.order {
		out = append(out, Outgoing{To: t, Message: msg})
	}
	return out
}

// DoubleSignInterceptor sends every prepare and commit twice: the original
// to one group and a validly signed vote for a different digest to the
// other.
type DoubleSignInterceptor struct {
	auth   pbft.Authenticator
	honest []int
	forged []int

	// Signed counts forged votes.
	Signed int
}

// NewDoubleSignInterceptor creates an interceptor that signs forged votes
// with auth. honest receive the real vote, forged the conflicting one.
func NewDoubleSignInterceptor(auth pbft.Authenticator, honest, forged []int) *DoubleSignInterceptor {
	return &DoubleSignInterceptor{auth: auth, honest: honest, forged: forged}
}

// Outgoing splits votes and passes everything else through.
func (ic *DoubleSignInterceptor) Outgoing(_, to int, msg *pbft.Message) []Outgoing {
	if msg.Type != pbft.MessagePrepare && msg.Type != pbft.MessageCommit {
		return []Outgoing{{To: to, Message: msg}}
	}

	forged := &pbft.Message{
		Type:   msg.Type,
		View:   msg.View,
		Seq:    msg.Seq,
		Digest: ConflictingDigest(msg.Digest),
	}
	if err := ic.auth.Sign(forged); err != nil {
		return []Outgoing{{To: to, Message: msg}}
	}
	ic.Signed++

	var out []Outgoing
	for _, t := range ic.honest {
		if to == Broadcast || to == t {
			out = append(out, Outgoing{To: t, Message: msg})
		}
	}
	for _, t := range ic.forged {
		if to == Broadcast || to == t {
			out = append(out, Outgoing{To: t, Message: forged})
		}
	}
	return out
}

// ConflictingDigest derives a digest that differs from d.
func ConflictingDigest(d pbft.Digest) pbft.Digest {
	return pbft.DigestOf(append(d.Bytes(), "conflict"...))
}
