package pbft

import (
	"sort"
)

// slotKey identifies one voting slot. Checkpoints are keyed by sequence only
// (view 0); view changes and new views by view only (sequence 0).
type slotKey struct {
	Type MessageType
	View uint64
	Seq  uint64
}

func keyOf(msg *Message) slotKey {
	switch msg.Type {
	case MessageCheckpoint:
		return slotKey{Type: msg.Type, Seq: msg.Seq}
	case MessageViewChange, MessageNewView:
		return slotKey{Type: msg.Type, View: msg.View}
	default:
		return slotKey{Type: msg.Type, View: msg.View, Seq: msg.Seq}
	}
}

// Evidence records two conflicting messages from one sender for one slot.
type Evidence struct {
	Signer ValidatorID
	Type   MessageType
	View   uint64
	Seq    uint64
	First  *Message
	Second *Message
}

// MessageLog is the append-only, prunable store of received protocol
// messages. Certificates are predicates over its contents and never cached,
// so retransmitted messages cannot be double counted.
//
// Not safe for concurrent use; owned by the engine loop.
type MessageLog struct {
	slots      map[slotKey]map[ValidatorID]*Message
	conflicted map[slotKey]map[ValidatorID]bool
	evidence   []*Evidence

	// prunedBelow is the highest sequence Prune was called with.
	prunedBelow uint64

	backlog    []*Message
	maxBacklog int
}

// NewMessageLog creates an empty log whose backlog holds at most maxBacklog
// deferred messages.
func NewMessageLog(maxBacklog int) *MessageLog {
	return &MessageLog{
		slots:      make(map[slotKey]map[ValidatorID]*Message),
		conflicted: make(map[slotKey]map[ValidatorID]bool),
		maxBacklog: maxBacklog,
	}
}

// Insert adds msg to the log. It returns false without error for an exact
// duplicate. A second, different message from the same sender for the same
// slot is recorded as evidence, disqualifies the sender from that slot and
// returns an ErrByzantine error.
func (l *MessageLog) Insert(msg *Message) (bool, error) {
	key := keyOf(msg)
	if l.prunedBelow > 0 && isSequenced(key.Type) && key.Seq < l.prunedBelow {
		return false, nil
	}

	if l.conflicted[key][msg.Signer] {
		return false, wrapByzantinef("%s already equivocated on %s v=%d n=%d", msg.Signer.Short(), msg.Type, msg.View, msg.Seq)
	}

	senders := l.slots[key]
	if senders == nil {
		senders = make(map[ValidatorID]*Message)
		l.slots[key] = senders
	}

	existing, ok := senders[msg.Signer]
	if !ok {
		senders[msg.Signer] = msg
		return true, nil
	}
	if existing.SameVote(msg) {
		return false, nil
	}

	if l.conflicted[key] == nil {
		l.conflicted[key] = make(map[ValidatorID]bool)
	}
	l.conflicted[key][msg.Signer] = true
	l.evidence = append(l.evidence, &Evidence{
		Signer: msg.Signer,
		Type:   msg.Type,
		View:   msg.View,
		Seq:    msg.Seq,
		First:  existing,
		Second: msg,
	})
	return false, wrapByzantinef("%s equivocated on %s v=%d n=%d: %s vs %s",
		msg.Signer.Short(), msg.Type, msg.View, msg.Seq, existing.Digest, msg.Digest)
}

func isSequenced(t MessageType) bool {
	return t != MessageViewChange && t != MessageNewView
}

// votes returns the counted (non-conflicted) messages of a slot matching digest.
func (l *MessageLog) votes(key slotKey, digest Digest) []*Message {
	senders := l.slots[key]
	if len(senders) == 0 {
		return nil
	}
	bad := l.conflicted[key]

	out := make([]*Message, 0, len(senders))
	for id, m := range senders {
		if bad[id] || m.Digest != digest {
			continue
		}
		out = append(out, m)
	}
	sortBySigner(out)
	return out
}

// Count returns the number of distinct senders with a counted vote for
// (type, view, seq, digest).
func (l *MessageLog) Count(t MessageType, view, seq uint64, digest Digest) int {
	return len(l.votes(keyOf(&Message{Type: t, View: view, Seq: seq}), digest))
}

// HasQuorum reports whether at least quorum distinct senders voted for
// (type, view, seq, digest).
func (l *MessageLog) HasQuorum(t MessageType, view, seq uint64, digest Digest, quorum int) bool {
	return l.Count(t, view, seq, digest) >= quorum
}

// Messages returns the counted votes for (type, view, seq, digest) ordered
// by signer.
func (l *MessageLog) Messages(t MessageType, view, seq uint64, digest Digest) []*Message {
	return l.votes(keyOf(&Message{Type: t, View: view, Seq: seq}), digest)
}

// PrePrepare returns the accepted pre-prepare for (view, seq), or nil. A
// primary that equivocated has no accepted pre-prepare.
func (l *MessageLog) PrePrepare(view, seq uint64) *Message {
	key := slotKey{Type: MessagePrePrepare, View: view, Seq: seq}
	bad := l.conflicted[key]
	for id, m := range l.slots[key] {
		if !bad[id] {
			return m
		}
	}
	return nil
}

// Prepared reports whether a pre-prepare and a quorum of matching prepares
// exist for (view, seq, digest).
func (l *MessageLog) Prepared(view, seq uint64, digest Digest, quorum int) bool {
	pp := l.PrePrepare(view, seq)
	if pp == nil || pp.Digest != digest {
		return false
	}
	return l.HasQuorum(MessagePrepare, view, seq, digest, quorum)
}

// Committed reports whether (view, seq, digest) is prepared and a quorum of
// matching commits exists.
func (l *MessageLog) Committed(view, seq uint64, digest Digest, quorum int) bool {
	return l.Prepared(view, seq, digest, quorum) && l.HasQuorum(MessageCommit, view, seq, digest, quorum)
}

// PreparedCert assembles the prepared certificate for (view, seq, digest).
func (l *MessageLog) PreparedCert(view, seq uint64, digest Digest, quorum int) *PreparedCert {
	if !l.Prepared(view, seq, digest, quorum) {
		return nil
	}
	prepares := l.Messages(MessagePrepare, view, seq, digest)
	return &PreparedCert{
		PrePrepare: l.PrePrepare(view, seq),
		Prepares:   prepares[:quorum],
	}
}

// PreparedCerts returns, for every sequence in (low, high], the prepared
// certificate from the highest view, ordered by sequence.
func (l *MessageLog) PreparedCerts(low, high uint64, quorum int) []*PreparedCert {
	best := make(map[uint64]*PreparedCert)
	for key := range l.slots {
		if key.Type != MessagePrePrepare || key.Seq <= low || key.Seq > high {
			continue
		}
		if cur, ok := best[key.Seq]; ok && cur.View() >= key.View {
			continue
		}
		pp := l.PrePrepare(key.View, key.Seq)
		if pp == nil {
			continue
		}
		if cert := l.PreparedCert(key.View, key.Seq, pp.Digest, quorum); cert != nil {
			best[key.Seq] = cert
		}
	}

	out := make([]*PreparedCert, 0, len(best))
	for _, cert := range best {
		out = append(out, cert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq() < out[j].Seq() })
	return out
}

// ViewChanges returns the counted view changes for view ordered by signer.
func (l *MessageLog) ViewChanges(view uint64) []*Message {
	key := slotKey{Type: MessageViewChange, View: view}
	bad := l.conflicted[key]
	out := make([]*Message, 0, len(l.slots[key]))
	for id, m := range l.slots[key] {
		if !bad[id] {
			out = append(out, m)
		}
	}
	sortBySigner(out)
	return out
}

// NewView returns the logged new view for view, or nil.
func (l *MessageLog) NewView(view uint64) *Message {
	key := slotKey{Type: MessageNewView, View: view}
	bad := l.conflicted[key]
	for id, m := range l.slots[key] {
		if !bad[id] {
			return m
		}
	}
	return nil
}

// Checkpoints returns the counted checkpoints for (seq, digest).
func (l *MessageLog) Checkpoints(seq uint64, digest Digest) []*Message {
	return l.votes(slotKey{Type: MessageCheckpoint, Seq: seq}, digest)
}

// Voted reports whether signer has a message in the (type, view, seq) slot.
func (l *MessageLog) Voted(t MessageType, view, seq uint64, signer ValidatorID) bool {
	_, ok := l.slots[keyOf(&Message{Type: t, View: view, Seq: seq})][signer]
	return ok
}

// CheckpointDigests returns the distinct state digests announced for seq.
func (l *MessageLog) CheckpointDigests(seq uint64) []Digest {
	seen := make(map[Digest]struct{})
	var out []Digest
	for _, m := range l.slots[slotKey{Type: MessageCheckpoint, Seq: seq}] {
		if _, ok := seen[m.Digest]; ok {
			continue
		}
		seen[m.Digest] = struct{}{}
		out = append(out, m.Digest)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

// CheckpointSendersAbove returns the number of distinct senders that sent a
// checkpoint for a sequence greater than seq.
func (l *MessageLog) CheckpointSendersAbove(seq uint64) int {
	senders := make(map[ValidatorID]struct{})
	for key, msgs := range l.slots {
		if key.Type != MessageCheckpoint || key.Seq <= seq {
			continue
		}
		for id := range msgs {
			senders[id] = struct{}{}
		}
	}
	return len(senders)
}

// SupersedeAhead keeps at most one message of msg's type from msg's signer
// beyond above: checkpoints are ordered by sequence and view changes by view.
// It reports false when the signer already has a message further ahead, in
// which case msg should be dropped. Otherwise the signer's earlier messages
// beyond above are removed so msg can replace them.
func (l *MessageLog) SupersedeAhead(msg *Message, above uint64) bool {
	pos := func(k slotKey) uint64 {
		if k.Type == MessageCheckpoint {
			return k.Seq
		}
		return k.View
	}
	mine := pos(keyOf(msg))
	var stale []slotKey
	for key, msgs := range l.slots {
		if key.Type != msg.Type || pos(key) <= above {
			continue
		}
		if _, ok := msgs[msg.Signer]; !ok {
			continue
		}
		switch p := pos(key); {
		case p > mine:
			return false
		case p < mine:
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(l.slots[key], msg.Signer)
		if len(l.slots[key]) == 0 {
			delete(l.slots, key)
		}
	}
	return true
}

// Prune discards every sequenced entry strictly below below. Calling it with
// a value at or below a previous call is a no-op. It returns the number of
// messages removed.
func (l *MessageLog) Prune(below uint64) int {
	if below <= l.prunedBelow {
		return 0
	}
	l.prunedBelow = below

	removed := 0
	for key, msgs := range l.slots {
		if isSequenced(key.Type) && key.Seq < below {
			removed += len(msgs)
			delete(l.slots, key)
			delete(l.conflicted, key)
		}
	}

	kept := l.evidence[:0]
	for _, ev := range l.evidence {
		if !isSequenced(ev.Type) || ev.Seq >= below {
			kept = append(kept, ev)
		}
	}
	l.evidence = kept
	return removed
}

// PrunedBelow returns the current prune point.
func (l *MessageLog) PrunedBelow() uint64 {
	return l.prunedBelow
}

// PruneViews discards view changes and new views for views below view.
func (l *MessageLog) PruneViews(view uint64) int {
	removed := 0
	for key, msgs := range l.slots {
		if !isSequenced(key.Type) && key.View < view {
			removed += len(msgs)
			delete(l.slots, key)
			delete(l.conflicted, key)
		}
	}
	return removed
}

// Abandon drops the pre-prepare and votes for digest at (view, seq), used
// when the host declares the block invalid so a replacement can be proposed.
// Conflicts recorded for the slot are cleared; their evidence is kept.
func (l *MessageLog) Abandon(view, seq uint64, digest Digest) int {
	removed := 0
	for _, t := range []MessageType{MessagePrePrepare, MessagePrepare, MessageCommit} {
		key := slotKey{Type: t, View: view, Seq: seq}
		delete(l.conflicted, key)
		for id, m := range l.slots[key] {
			if m.Digest == digest {
				delete(l.slots[key], id)
				removed++
			}
		}
		if len(l.slots[key]) == 0 {
			delete(l.slots, key)
		}
	}
	return removed
}

// Len returns the number of stored messages.
func (l *MessageLog) Len() int {
	n := 0
	for _, msgs := range l.slots {
		n += len(msgs)
	}
	return n
}

// MinSeq returns the lowest sequence with a stored per-sequence message, or 0.
func (l *MessageLog) MinSeq() uint64 {
	var lowest uint64
	for key := range l.slots {
		if !isSequenced(key.Type) {
			continue
		}
		if lowest == 0 || key.Seq < lowest {
			lowest = key.Seq
		}
	}
	return lowest
}

// Evidence returns recorded equivocations.
func (l *MessageLog) Evidence() []*Evidence {
	out := make([]*Evidence, len(l.evidence))
	copy(out, l.evidence)
	return out
}

// Equivocated reports whether signer equivocated in any slot still held.
func (l *MessageLog) Equivocated(signer ValidatorID) bool {
	for _, ids := range l.conflicted {
		if ids[signer] {
			return true
		}
	}
	return false
}

// Defer holds msg until the node can use it. It returns false and drops msg
// when the backlog is full.
func (l *MessageLog) Defer(msg *Message) bool {
	if len(l.backlog) >= l.maxBacklog {
		return false
	}
	l.backlog = append(l.backlog, msg)
	return true
}

// TakeBacklog removes and returns all deferred messages in arrival order.
func (l *MessageLog) TakeBacklog() []*Message {
	out := l.backlog
	l.backlog = nil
	return out
}

// BacklogLen returns the number of deferred messages.
func (l *MessageLog) BacklogLen() int {
	return len(l.backlog)
}

func sortBySigner(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Signer < msgs[j].Signer })
}
