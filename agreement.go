package pbft

import (
	"go.uber.org/zap"
)

// handleBlockReady records a host block. The primary proposes it when it
// can; a backup keeps it pending so a primary that never proposes it is
// caught by the block-commit timeout.
func (e *Engine) handleBlockReady(b BlockRef) {
	if e.knownDigest(b.Digest) {
		e.logger.Debug("block already in progress", zap.Stringer("digest", b.Digest))
		return
	}
	if !e.state.addPending(b) {
		return
	}
	e.logger.Debug("block ready",
		zap.Uint64("seq", b.Seq),
		zap.Stringer("digest", b.Digest),
		zap.Bool("primary", e.isPrimary()))

	if e.isPrimary() {
		e.state.blockRequested = false
		e.maybePropose()
	}
}

// knownDigest reports whether digest is already being agreed on or decided.
func (e *Engine) knownDigest(digest Digest) bool {
	if digest.IsNull() {
		return true
	}
	for _, wb := range e.state.working {
		if wb.Digest == digest {
			return true
		}
	}
	return false
}

// maybePropose lets the primary assign the next sequence number. Only one
// block is in progress at a time: each block builds on the previous one, so
// the next can only be proposed once every earlier sequence is finalized.
func (e *Engine) maybePropose() {
	s := e.state
	if e.halted != nil || s.Mode() != ModeNormal || !e.isPrimary() {
		return
	}
	if s.nextSeq <= s.low {
		s.nextSeq = s.low + 1
	}
	if s.unsettled() || !s.InWindow(s.nextSeq) {
		return
	}

	if b, ok := s.takePending(); ok {
		e.propose(b)
		return
	}
	if s.blockRequested {
		return
	}
	if err := e.cfg.Service.RequestBlock(); err != nil {
		e.logger.Warn("block request failed", zap.Error(err))
		return
	}
	s.blockRequested = true
	e.logger.Debug("requested block", zap.Uint64("seq", s.nextSeq))
}

func (e *Engine) propose(b BlockRef) {
	s := e.state
	seq := s.nextSeq
	s.nextSeq++
	s.blockRequested = false

	e.logger.Info("proposing block",
		zap.Uint64("view", s.View()),
		zap.Uint64("seq", seq),
		zap.Stringer("digest", b.Digest))

	e.broadcast(NewPrePrepare(s.View(), seq, b.Digest, b.Prev, e.id))
}

// handlePrePrepare accepts the primary's sequence assignment.
func (e *Engine) handlePrePrepare(msg *Message) {
	s := e.state
	if !e.admitSequenced(msg) {
		return
	}
	if msg.Signer != e.primary() {
		e.drop("not_primary", msg.Signer, wrapInvalidMessagef("pre-prepare from non-primary in view %d", msg.View))
		return
	}
	if e.awaitingVerdict(msg) {
		// The primary may have learned the block is invalid before our host
		// did. Replay once the host rules on it.
		e.deferMessage(msg)
		return
	}
	if !e.record(msg) {
		return
	}

	wb := s.working[msg.Seq]
	if wb != nil && wb.Phase >= PhaseCommitted {
		// Reissued after a view change: help the others reach the decision
		// again, but never decide twice.
		if wb.Digest != msg.Digest {
			e.fail(wrapInternalf("pre-prepare for committed seq %d carries %s, decided %s", msg.Seq, msg.Digest, wb.Digest))
			return
		}
		e.broadcast(NewPrepare(msg.View, msg.Seq, msg.Digest, e.id))
		return
	}

	s.working[msg.Seq] = &WorkingBlock{
		Seq:     msg.Seq,
		View:    msg.View,
		Digest:  msg.Digest,
		Prev:    msg.Prev,
		Phase:   PhasePreparing,
		Started: e.cfg.Clock.Now(),
	}
	s.removePending(msg.Digest)

	e.logger.Debug("accepted pre-prepare",
		zap.Uint64("view", msg.View),
		zap.Uint64("seq", msg.Seq),
		zap.Stringer("digest", msg.Digest))
	if e.hooks.OnPrePrepare != nil {
		e.hooks.OnPrePrepare(msg.View, msg.Seq, msg.Digest)
	}

	e.broadcast(NewPrepare(msg.View, msg.Seq, msg.Digest, e.id))
	e.tryAdvance(msg.Seq)
}

// awaitingVerdict reports whether msg replaces a block this node is still
// working on in the same view.
func (e *Engine) awaitingVerdict(msg *Message) bool {
	prior := e.log.PrePrepare(msg.View, msg.Seq)
	if prior == nil || prior.Signer != msg.Signer || prior.Digest == msg.Digest {
		return false
	}
	wb := e.state.working[msg.Seq]
	return wb != nil && wb.View == msg.View && wb.Digest == prior.Digest && wb.Phase < PhaseCommitted
}

// handleVote logs a Prepare or Commit and advances its sequence.
func (e *Engine) handleVote(msg *Message) {
	if !e.admitSequenced(msg) {
		return
	}
	if e.record(msg) {
		e.tryAdvance(msg.Seq)
	}
}

// admitSequenced applies the view and window rules to a per-sequence
// message: stale ones are dropped, future ones deferred.
func (e *Engine) admitSequenced(msg *Message) bool {
	s := e.state
	switch {
	case msg.View < s.View():
		e.drop("stale_view", msg.Signer, wrapInvalidMessagef("%s for old view", msg))
		return false
	case msg.View > s.View():
		e.deferMessage(msg)
		return false
	case s.Mode() != ModeNormal:
		if msg.Type == MessagePrePrepare {
			e.drop("view_changing", msg.Signer, wrapInvalidMessagef("%s while changing view", msg))
			return false
		}
		// Votes for the current view are still logged while changing views.
		return msg.Seq > s.LowWatermark() && msg.Seq <= s.HighWatermark()
	case msg.Seq <= s.LowWatermark():
		e.drop("below_window", msg.Signer, wrapInvalidMessagef("%s below low watermark", msg))
		return false
	case msg.Seq > s.HighWatermark():
		e.deferMessage(msg)
		return false
	}
	return true
}

// tryAdvance moves seq forward once the log holds the next certificate.
func (e *Engine) tryAdvance(seq uint64) {
	s := e.state
	wb := s.working[seq]
	if wb == nil || e.halted != nil || s.Mode() != ModeNormal {
		return
	}
	view := s.View()
	pp := e.log.PrePrepare(view, seq)
	if pp == nil || pp.Digest != wb.Digest {
		return
	}
	quorum := e.validators.Quorum()

	if !e.voted(MessageCommit, view, seq) && e.log.Prepared(view, seq, wb.Digest, quorum) {
		if wb.Phase < PhaseCommitting {
			wb.Phase = PhaseCommitting
			e.logger.Debug("prepared",
				zap.Uint64("view", view),
				zap.Uint64("seq", seq),
				zap.Stringer("digest", wb.Digest))
			e.persist()
		}
		e.broadcast(NewCommit(view, seq, wb.Digest, e.id))
	}

	if wb.Phase == PhaseCommitting && e.log.Committed(view, seq, wb.Digest, quorum) {
		wb.Phase = PhaseCommitted
		if err := s.decide(seq, wb.Digest); err != nil {
			e.fail(err)
			return
		}
		e.logger.Debug("committed",
			zap.Uint64("view", view),
			zap.Uint64("seq", seq),
			zap.Stringer("digest", wb.Digest))
		e.pm.RestartCommit()
		e.persist()
		e.finalizeReady()
	}
}

// voted reports whether this node already cast a t vote for (view, seq),
// including one still waiting for local delivery.
func (e *Engine) voted(t MessageType, view, seq uint64) bool {
	if e.log.Voted(t, view, seq, e.id) {
		return true
	}
	for _, m := range e.local {
		if m.Type == t && m.View == view && m.Seq == seq {
			return true
		}
	}
	return false
}

// finalizeReady issues FinalizeBlock for committed sequences in order.
// Certificates that complete early wait for their predecessors.
func (e *Engine) finalizeReady() {
	s := e.state
	for e.halted == nil {
		wb := s.working[s.finalized+1]
		if wb == nil || wb.Phase != PhaseCommitted {
			break
		}
		s.finalized = wb.Seq

		if wb.Digest.IsNull() {
			e.logger.Debug("null sequence applied", zap.Uint64("seq", wb.Seq))
			continue
		}
		if err := e.cfg.Service.FinalizeBlock(wb.Seq, wb.Digest); err != nil {
			e.logger.Warn("finalize command failed",
				zap.Uint64("seq", wb.Seq),
				zap.Stringer("digest", wb.Digest),
				zap.Error(err))
		}
		e.logger.Info("block finalized",
			zap.Uint64("view", wb.View),
			zap.Uint64("seq", wb.Seq),
			zap.Stringer("digest", wb.Digest))
		e.metrics.RecordFinalized(e.cfg.Clock.Now().Sub(wb.Started))
		if e.hooks.OnCommit != nil {
			e.hooks.OnCommit(wb.Seq, wb.Digest)
		}
	}
	e.advanceConfirmed()
}

// advanceConfirmed moves the confirmed sequence over host-committed blocks
// and null fillers, producing a checkpoint at every period boundary.
func (e *Engine) advanceConfirmed() {
	s := e.state
	for e.halted == nil {
		seq := s.confirmed + 1
		wb := s.working[seq]
		if wb == nil {
			return
		}
		if wb.Phase == PhaseCommitted && wb.Digest.IsNull() && seq <= s.finalized {
			wb.Phase = PhaseFinalized
		}
		if wb.Phase != PhaseFinalized {
			return
		}
		s.confirmed = seq
		if !wb.Digest.IsNull() {
			s.head = wb.Digest
		}
		if seq%e.cfg.CheckpointPeriod == 0 {
			e.emitCheckpoint(seq)
		}
	}
}

// handleBlockCommitted marks a finalized block as applied by the host.
func (e *Engine) handleBlockCommitted(seq uint64, digest Digest) {
	s := e.state
	wb := e.findWorking(seq, digest)
	if wb == nil {
		e.logger.Debug("commit confirmation for unknown block",
			zap.Uint64("seq", seq),
			zap.Stringer("digest", digest))
		return
	}
	if wb.Phase == PhaseFinalized {
		return
	}
	if wb.Phase != PhaseCommitted || wb.Seq > s.finalized {
		e.logger.Warn("host committed a block that was not finalized",
			zap.Uint64("seq", wb.Seq),
			zap.Stringer("digest", wb.Digest),
			zap.Stringer("phase", wb.Phase))
		return
	}

	wb.Phase = PhaseFinalized
	e.advanceConfirmed()
	e.maybePropose()
}

// handleBlockInvalid abandons a block the host rejected. The primary may
// then propose a replacement at the same sequence.
func (e *Engine) handleBlockInvalid(seq uint64, digest Digest) {
	s := e.state
	wb := e.findWorking(seq, digest)
	if wb == nil {
		if b, ok := s.removePending(digest); ok {
			e.failBlock(b.Seq, b.Digest)
		}
		return
	}
	if wb.Phase >= PhaseCommitted {
		e.logger.Error("host rejected a committed block",
			zap.Uint64("seq", wb.Seq),
			zap.Stringer("digest", wb.Digest))
		return
	}

	e.logger.Warn("abandoning invalid block",
		zap.Uint64("view", wb.View),
		zap.Uint64("seq", wb.Seq),
		zap.Stringer("digest", wb.Digest))
	delete(s.working, wb.Seq)
	e.log.Abandon(wb.View, wb.Seq, wb.Digest)
	s.removePending(wb.Digest)
	e.failBlock(wb.Seq, wb.Digest)

	if e.isPrimary() && wb.View == s.View() {
		s.nextSeq = wb.Seq
		s.blockRequested = false
		e.maybePropose()
		return
	}
	// A replacement may already be waiting.
	e.drainBacklog()
}

func (e *Engine) failBlock(seq uint64, digest Digest) {
	if err := e.cfg.Service.FailBlock(seq, digest); err != nil {
		e.logger.Warn("fail block command failed",
			zap.Uint64("seq", seq),
			zap.Stringer("digest", digest),
			zap.Error(err))
	}
}

// findWorking locates a working block by sequence, or by digest when the
// host did not say which sequence it meant.
func (e *Engine) findWorking(seq uint64, digest Digest) *WorkingBlock {
	if wb := e.state.working[seq]; wb != nil && (digest.IsNull() || wb.Digest == digest) {
		return wb
	}
	if digest.IsNull() {
		return nil
	}
	for _, wb := range e.state.working {
		if wb.Digest == digest {
			return wb
		}
	}
	return nil
}
