package pbft

import (
	"bytes"
	"sort"

	"go.uber.org/zap"
)

// reissue is one pre-prepare a NewView must carry.
type reissue struct {
	Seq    uint64
	Digest Digest
	Prev   Digest
}

// startViewChange votes to move to target. Cascading changes are a loop over
// strictly increasing targets: a request at or below the current target is
// ignored.
func (e *Engine) startViewChange(target uint64) {
	s := e.state
	if e.halted != nil || target <= s.View() {
		return
	}
	if s.Mode() == ModeViewChanging && target <= s.TargetView() {
		return
	}

	e.logger.Info("starting view change",
		zap.Uint64("view", s.View()),
		zap.Uint64("target_view", target),
		zap.String("next_primary", e.validators.Primary(target).Short()))

	s.enterViewChange(target)
	e.pm.StopCommit()
	e.pm.StartViewChange(s.View(), target)

	prepared := e.log.PreparedCerts(s.LowWatermark(), s.HighWatermark(), e.validators.Quorum())
	vc := NewViewChange(target, s.StableCheckpoint(), prepared, e.id)
	e.broadcast(vc)
	s.lastViewChange = vc

	if e.hooks.OnViewChangeStarted != nil {
		e.hooks.OnViewChangeStarted(target)
	}
}

// handleViewChange logs a valid ViewChange, joins a view change backed by
// f+1 nodes and, as the next primary, sends the NewView once a quorum is in.
func (e *Engine) handleViewChange(msg *Message) {
	s := e.state
	v := msg.View
	if v <= s.View() {
		// A peer still asking for the current view missed the NewView.
		if nv := s.lastNewView; v == s.View() && nv != nil && nv.View == v && msg.Signer != e.id {
			e.sendTo(msg.Signer, nv)
		}
		e.drop("stale_view", msg.Signer, wrapInvalidMessagef("view change to %d in view %d", v, s.View()))
		return
	}
	if err := e.validateViewChange(msg); err != nil {
		e.drop("invalid_view_change", msg.Signer, err)
		return
	}
	// A sender's later view change replaces its earlier ones.
	if !e.log.SupersedeAhead(msg, s.View()) {
		e.drop("superseded_view_change", msg.Signer, wrapInvalidMessagef("view change to %d behind the sender's latest", v))
		return
	}
	if !e.record(msg) {
		return
	}

	vcs := e.log.ViewChanges(v)
	e.logger.Debug("view change received",
		zap.Uint64("target_view", v),
		zap.String("sender", msg.Signer.Short()),
		zap.Int("count", len(vcs)))

	if len(vcs) >= e.validators.WeakQuorum() && (s.Mode() == ModeNormal || v > s.TargetView()) {
		e.startViewChange(v)
	}

	if e.validators.Primary(v) == e.id && s.Mode() == ModeViewChanging && s.TargetView() == v &&
		len(vcs) >= e.validators.Quorum() && (s.lastNewView == nil || s.lastNewView.View < v) {
		e.sendNewView(v, vcs)
	}
}

// validateViewChange checks a ViewChange's checkpoint proof and prepared
// certificates, including every nested signature.
func (e *Engine) validateViewChange(vc *Message) error {
	if vc.Type != MessageViewChange {
		return wrapInvalidMessagef("expected view change, got %s", vc.Type)
	}
	if err := vc.checkShape(); err != nil {
		return err
	}
	if !e.validators.Contains(vc.Signer) {
		return wrapInvalidMessagef("view change from non-validator %s", vc.Signer.Short())
	}
	if err := e.validateCheckpointProof(vc.Checkpoint); err != nil {
		return err
	}

	low := vc.Checkpoint.Seq
	seen := make(map[uint64]struct{}, len(vc.Prepared))
	for _, cert := range vc.Prepared {
		pp := cert.PrePrepare
		if _, dup := seen[pp.Seq]; dup {
			return wrapInvalidMessagef("two certificates for seq %d", pp.Seq)
		}
		seen[pp.Seq] = struct{}{}
		if pp.Seq <= low || pp.Seq > low+e.cfg.WindowSize {
			return wrapInvalidMessagef("certificate for seq %d outside (%d, %d]", pp.Seq, low, low+e.cfg.WindowSize)
		}
		if pp.View >= vc.View {
			return wrapInvalidMessagef("certificate from view %d in view change to %d", pp.View, vc.View)
		}
		if err := e.validatePreparedCert(cert); err != nil {
			return err
		}
	}
	return nil
}

// validateCheckpointProof checks that proof is genesis or backed by a quorum
// of distinct validators.
func (e *Engine) validateCheckpointProof(proof *CheckpointProof) error {
	if proof.Seq == 0 {
		if !proof.Digest.IsNull() || len(proof.Messages) != 0 {
			return wrapInvalidMessage("malformed genesis checkpoint")
		}
		return nil
	}
	if proof.Seq%e.cfg.CheckpointPeriod != 0 {
		return wrapInvalidMessagef("checkpoint at %d is off period", proof.Seq)
	}

	signers := make(map[ValidatorID]struct{}, len(proof.Messages))
	for _, m := range proof.Messages {
		if m == nil || m.Type != MessageCheckpoint || m.Seq != proof.Seq || m.Digest != proof.Digest {
			return wrapInvalidMessagef("checkpoint proof at %d has a mismatched message", proof.Seq)
		}
		if err := e.verifyNested(m); err != nil {
			return err
		}
		signers[m.Signer] = struct{}{}
	}
	if len(signers) < e.validators.Quorum() {
		return wrapInvalidMessagef("checkpoint proof at %d has %d signers, need %d", proof.Seq, len(signers), e.validators.Quorum())
	}
	return nil
}

// validatePreparedCert checks a pre-prepare from the view's primary plus a
// quorum of distinct matching prepares.
func (e *Engine) validatePreparedCert(cert *PreparedCert) error {
	pp := cert.PrePrepare
	if pp.Type != MessagePrePrepare {
		return wrapInvalidMessagef("certificate starts with %s", pp.Type)
	}
	if pp.Signer != e.validators.Primary(pp.View) {
		return wrapInvalidMessagef("certificate pre-prepare for view %d not from its primary", pp.View)
	}
	if err := e.verifyNested(pp); err != nil {
		return err
	}

	signers := make(map[ValidatorID]struct{}, len(cert.Prepares))
	for _, p := range cert.Prepares {
		if p == nil || p.Type != MessagePrepare || p.View != pp.View || p.Seq != pp.Seq || p.Digest != pp.Digest {
			return wrapInvalidMessagef("certificate for seq %d has a mismatched prepare", pp.Seq)
		}
		if err := e.verifyNested(p); err != nil {
			return err
		}
		signers[p.Signer] = struct{}{}
	}
	if len(signers) < e.validators.Quorum() {
		return wrapInvalidMessagef("certificate for seq %d has %d prepares, need %d", pp.Seq, len(signers), e.validators.Quorum())
	}
	return nil
}

// verifyNested authenticates a message carried inside another one.
func (e *Engine) verifyNested(m *Message) error {
	if err := m.checkShape(); err != nil {
		return err
	}
	if !e.validators.Contains(m.Signer) {
		return wrapInvalidMessagef("nested %s from non-validator %s", m.Type, m.Signer.Short())
	}
	// Only authenticated messages enter the log, so an exact copy of a
	// logged message needs no second check.
	if logged := e.loggedCopy(m); logged != nil && sameSigned(logged, m) {
		return nil
	}
	return e.cfg.Authenticator.Verify(m)
}

// sameSigned reports whether a and b carry the same signature over the same
// signed bytes.
func sameSigned(a, b *Message) bool {
	if len(b.Signature) == 0 || !bytes.Equal(a.Signature, b.Signature) {
		return false
	}
	x, err := SigningBytes(a)
	if err != nil {
		return false
	}
	y, err := SigningBytes(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}

func (e *Engine) loggedCopy(m *Message) *Message {
	senders := e.log.slots[keyOf(m)]
	if senders == nil {
		return nil
	}
	return senders[m.Signer]
}

// computeReissue derives the NewView pre-prepares from a set of view
// changes. It is deterministic so receivers can recompute and compare:
//
//   - base is the highest stable checkpoint among the view changes
//   - every seq in (base, max prepared seq] reissues the digest of the
//     highest-view prepared certificate, or the null digest when none
//     reports one
//   - two certificates of the same view and seq with different digests make
//     the set invalid
func computeReissue(vcs []*Message) (*CheckpointProof, []reissue, error) {
	var base *CheckpointProof
	for _, vc := range vcs {
		if base == nil || vc.Checkpoint.Seq > base.Seq {
			base = vc.Checkpoint
		}
	}
	if base == nil {
		return nil, nil, wrapInvalidMessage("no view changes")
	}

	best := make(map[uint64]*PreparedCert)
	maxSeq := base.Seq
	for _, vc := range vcs {
		for _, cert := range vc.Prepared {
			seq := cert.Seq()
			if seq <= base.Seq {
				continue
			}
			cur, ok := best[seq]
			switch {
			case !ok || cert.View() > cur.View():
				best[seq] = cert
			case cert.View() == cur.View() && cert.Digest() != cur.Digest():
				return nil, nil, wrapByzantinef("conflicting certificates at view %d seq %d", cert.View(), seq)
			}
			if seq > maxSeq {
				maxSeq = seq
			}
		}
	}

	out := make([]reissue, 0, maxSeq-base.Seq)
	for seq := base.Seq + 1; seq <= maxSeq; seq++ {
		r := reissue{Seq: seq}
		if cert, ok := best[seq]; ok {
			r.Digest = cert.Digest()
			r.Prev = cert.PrePrepare.Prev
		}
		out = append(out, r)
	}
	return base, out, nil
}

// selectViewChanges picks the first quorum of view changes by validator
// order.
func (e *Engine) selectViewChanges(vcs []*Message) []*Message {
	sorted := append([]*Message(nil), vcs...)
	sort.Slice(sorted, func(i, j int) bool {
		return e.validators.IndexOf(sorted[i].Signer) < e.validators.IndexOf(sorted[j].Signer)
	})
	if q := e.validators.Quorum(); len(sorted) > q {
		sorted = sorted[:q]
	}
	return sorted
}

// sendNewView builds and broadcasts the NewView for v. Local delivery of the
// broadcast installs the view here too.
func (e *Engine) sendNewView(v uint64, vcs []*Message) {
	chosen := e.selectViewChanges(vcs)
	base, refs, err := computeReissue(chosen)
	if err != nil {
		e.logger.Error("cannot build new view", zap.Uint64("view", v), zap.Error(err))
		return
	}

	pps := make([]*Message, 0, len(refs))
	for _, r := range refs {
		pp := NewPrePrepare(v, r.Seq, r.Digest, r.Prev, e.id)
		if err := e.cfg.Authenticator.Sign(pp); err != nil {
			e.fail(err)
			return
		}
		pps = append(pps, pp)
	}

	e.logger.Info("sending new view",
		zap.Uint64("view", v),
		zap.Uint64("base", base.Seq),
		zap.Int("reissued", len(pps)))

	nv := NewNewView(v, base.Seq, chosen, pps, e.id)
	e.broadcast(nv)
	e.state.lastNewView = nv
}

// handleNewView validates and adopts a NewView.
func (e *Engine) handleNewView(msg *Message) {
	s := e.state
	v := msg.View
	if v <= s.View() {
		e.drop("stale_view", msg.Signer, wrapInvalidMessagef("new view %d in view %d", v, s.View()))
		return
	}
	if msg.Signer != e.validators.Primary(v) {
		e.drop("not_primary", msg.Signer, wrapInvalidMessagef("new view %d not from its primary", v))
		return
	}

	base, err := e.validateNewView(msg)
	if err != nil {
		e.drop("invalid_new_view", msg.Signer, err)
		e.logger.Warn("invalid new view",
			zap.Uint64("view", v),
			zap.String("sender", msg.Signer.Short()),
			zap.Error(err))
		if s.Mode() == ModeViewChanging && s.TargetView() == v {
			e.startViewChange(v + 1)
		}
		return
	}
	if _, err := e.log.Insert(msg); err != nil {
		e.logger.Debug("new view rejected by log", zap.Error(err))
		return
	}
	e.adoptNewView(msg, base)
}

// validateNewView recomputes the reissued pre-prepares from the carried view
// changes and requires an exact match.
func (e *Engine) validateNewView(nv *Message) (*CheckpointProof, error) {
	v := nv.View
	signers := make(map[ValidatorID]struct{}, len(nv.ViewChanges))
	for _, vc := range nv.ViewChanges {
		if vc == nil || vc.View != v {
			return nil, wrapInvalidMessagef("new view %d carries a view change for another view", v)
		}
		if _, dup := signers[vc.Signer]; dup {
			return nil, wrapInvalidMessagef("new view %d carries two view changes from %s", v, vc.Signer.Short())
		}
		signers[vc.Signer] = struct{}{}
		if err := e.validateViewChange(vc); err != nil {
			return nil, err
		}
		if err := e.verifyNested(vc); err != nil {
			return nil, err
		}
	}
	if len(signers) < e.validators.Quorum() {
		return nil, wrapInvalidMessagef("new view %d has %d view changes, need %d", v, len(signers), e.validators.Quorum())
	}

	base, refs, err := computeReissue(nv.ViewChanges)
	if err != nil {
		return nil, err
	}
	if nv.Seq != base.Seq {
		return nil, wrapByzantinef("new view %d base %d, expected %d", v, nv.Seq, base.Seq)
	}
	if len(nv.PrePrepares) != len(refs) {
		return nil, wrapByzantinef("new view %d reissues %d sequences, expected %d", v, len(nv.PrePrepares), len(refs))
	}
	for i, pp := range nv.PrePrepares {
		r := refs[i]
		if pp == nil || pp.Type != MessagePrePrepare || pp.View != v || pp.Seq != r.Seq ||
			pp.Digest != r.Digest || pp.Prev != r.Prev || pp.Signer != nv.Signer {
			return nil, wrapByzantinef("new view %d reissue for seq %d does not match the view changes", v, r.Seq)
		}
		if err := e.verifyNested(pp); err != nil {
			return nil, err
		}
	}
	return base, nil
}

// adoptNewView installs the view: work that did not commit in the old view
// is discarded and replaced by the reissued pre-prepares.
func (e *Engine) adoptNewView(nv *Message, base *CheckpointProof) {
	s := e.state
	old := s.View()
	v := nv.View

	if err := s.adoptView(v); err != nil {
		e.fail(err)
		return
	}
	e.pm.StopViewChange()

	e.logger.Info("adopted new view",
		zap.Uint64("old_view", old),
		zap.Uint64("view", v),
		zap.String("primary", e.primary().Short()),
		zap.Uint64("base", nv.Seq),
		zap.Int("reissued", len(nv.PrePrepares)))

	if base.Seq > s.LowWatermark() {
		if own, ok := s.ownCheckpoints[base.Seq]; ok && own == base.Digest {
			e.stabilize(base)
		} else if s.LastConfirmed() < base.Seq || ok {
			e.reportOutOfSync(base.Seq, base.Digest)
		}
	}
	if e.halted != nil || s.Mode() != ModeNormal {
		return
	}

	carried := make(map[Digest]struct{}, len(nv.PrePrepares))
	var maxSeq uint64
	for _, pp := range nv.PrePrepares {
		carried[pp.Digest] = struct{}{}
		if pp.Seq > maxSeq {
			maxSeq = pp.Seq
		}
	}

	// Blocks that are neither committed nor carried into the new view are
	// handed back to the host.
	for _, wb := range s.sortedWorking() {
		if wb.Phase >= PhaseCommitted {
			continue
		}
		delete(s.working, wb.Seq)
		if _, ok := carried[wb.Digest]; !ok && !wb.Digest.IsNull() {
			e.failBlock(wb.Seq, wb.Digest)
		}
	}
	kept := s.pending[:0]
	for _, b := range s.pending {
		if _, ok := carried[b.Digest]; ok {
			kept = append(kept, b)
			continue
		}
		e.failBlock(b.Seq, b.Digest)
	}
	s.pending = kept

	e.log.PruneViews(v)
	e.persist()

	e.metrics.RecordViewChange()
	if e.hooks.OnViewChange != nil {
		e.hooks.OnViewChange(old, v)
	}

	for _, pp := range nv.PrePrepares {
		if e.halted != nil {
			return
		}
		e.handlePrePrepare(pp)
	}

	next := maxSeq
	if s.finalized > next {
		next = s.finalized
	}
	if s.low > next {
		next = s.low
	}
	s.nextSeq = next + 1
	s.blockRequested = false
	if e.isPrimary() {
		s.lastNewView = nv
	}

	e.drainBacklog()
	e.maybePropose()
}

// onEquivocation reports evidence and replaces a primary caught
// equivocating on a pre-prepare.
func (e *Engine) onEquivocation(ev *Evidence) {
	e.metrics.RecordEquivocation()
	e.logger.Warn("equivocation detected",
		zap.String("sender", ev.Signer.Short()),
		zap.Stringer("type", ev.Type),
		zap.Uint64("view", ev.View),
		zap.Uint64("seq", ev.Seq),
		zap.Stringer("first", ev.First.Digest),
		zap.Stringer("second", ev.Second.Digest))
	if e.hooks.OnEquivocation != nil {
		e.hooks.OnEquivocation(ev)
	}

	s := e.state
	if ev.Type == MessagePrePrepare && ev.View == s.View() && ev.Signer == e.primary() {
		e.startViewChange(s.View() + 1)
	}
}
