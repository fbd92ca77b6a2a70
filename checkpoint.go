package pbft

import (
	"go.uber.org/zap"
)

// emitCheckpoint announces the state digest at a period boundary the host
// has confirmed.
func (e *Engine) emitCheckpoint(seq uint64) {
	s := e.state
	s.ownCheckpoints[seq] = s.head
	e.logger.Debug("checkpoint",
		zap.Uint64("seq", seq),
		zap.Stringer("digest", s.head))

	e.persist()
	e.broadcast(NewCheckpoint(s.View(), seq, s.head, e.id))

	// A quorum may have formed before this node reached seq.
	for _, d := range e.log.CheckpointDigests(seq) {
		if d != s.head {
			e.tryStabilize(seq, d)
		}
	}
}

// handleCheckpoint logs a peer checkpoint and stabilizes it once a quorum
// agrees with local state.
func (e *Engine) handleCheckpoint(msg *Message) {
	s := e.state
	if msg.Seq <= s.LowWatermark() {
		e.drop("stale_checkpoint", msg.Signer, wrapInvalidMessagef("checkpoint %d at or below low watermark", msg.Seq))
		return
	}
	if msg.Seq%e.cfg.CheckpointPeriod != 0 {
		e.drop("off_period", msg.Signer, wrapInvalidMessagef("checkpoint %d is not a multiple of %d", msg.Seq, e.cfg.CheckpointPeriod))
		return
	}
	if msg.Seq > s.HighWatermark() && !e.log.SupersedeAhead(msg, s.HighWatermark()) {
		e.drop("superseded_checkpoint", msg.Signer, wrapInvalidMessagef("checkpoint %d behind the sender's latest", msg.Seq))
		return
	}
	if !e.record(msg) {
		return
	}

	// f+1 nodes past our window means at least one correct node got there.
	if msg.Seq > s.HighWatermark() && e.log.CheckpointSendersAbove(s.HighWatermark()) >= e.validators.WeakQuorum() {
		e.reportOutOfSync(msg.Seq, msg.Digest)
	}

	if e.tryStabilize(msg.Seq, msg.Digest) {
		e.drainBacklog()
		e.maybePropose()
	}
}

// tryStabilize stabilizes (seq, digest) if a quorum announced it and it
// matches this node's own checkpoint. It reports whether the low watermark
// moved.
func (e *Engine) tryStabilize(seq uint64, digest Digest) bool {
	s := e.state
	if seq <= s.LowWatermark() {
		return false
	}
	msgs := e.log.Checkpoints(seq, digest)
	if len(msgs) < e.validators.Quorum() {
		return false
	}

	own, ok := s.ownCheckpoints[seq]
	if !ok {
		// Re-checked when this node produces its own checkpoint.
		return false
	}
	if own != digest {
		e.reportOutOfSync(seq, digest)
		return false
	}

	e.stabilize(&CheckpointProof{Seq: seq, Digest: digest, Messages: msgs})
	return e.halted == nil
}

// stabilize advances the low watermark to proof and prunes everything below
// it. Callers drain the backlog afterwards.
func (e *Engine) stabilize(proof *CheckpointProof) {
	s := e.state
	if err := s.advanceLow(proof); err != nil {
		e.fail(err)
		return
	}
	removed := e.log.Prune(proof.Seq)
	if s.confirmed >= proof.Seq {
		s.outOfSync = false
	}

	e.logger.Info("checkpoint stable",
		zap.Uint64("seq", proof.Seq),
		zap.Stringer("digest", proof.Digest),
		zap.Uint64("high_watermark", s.HighWatermark()),
		zap.Int("pruned", removed))

	if e.pendingValidators != nil {
		e.applyValidatorSet()
	}
	e.persist()

	e.metrics.RecordCheckpoint()
	if e.hooks.OnCheckpoint != nil {
		e.hooks.OnCheckpoint(proof.Seq, proof.Digest)
	}
}

// applyValidatorSet swaps in the pending membership. A change of primary
// is settled by a view change.
func (e *Engine) applyValidatorSet() {
	s := e.state
	oldPrimary := e.primary()
	e.validators = e.pendingValidators
	e.pendingValidators = nil

	e.logger.Info("installed validator set",
		zap.Uint64("low_watermark", s.LowWatermark()),
		zap.Int("validators", e.validators.Count()))

	if err := e.cfg.Service.UpdateValidatorSet(e.validators.IDs()); err != nil {
		e.logger.Warn("validator set update command failed", zap.Error(err))
	}
	if !e.validators.Contains(e.id) {
		e.logger.Warn("this node is no longer a validator")
	}
	if e.primary() != oldPrimary && s.Mode() == ModeNormal {
		e.startViewChange(s.View() + 1)
	}
}

// reportOutOfSync flags that the network is past a point this node cannot
// reach without state transfer.
func (e *Engine) reportOutOfSync(seq uint64, digest Digest) {
	s := e.state
	if s.outOfSync {
		return
	}
	s.outOfSync = true

	e.logger.Warn("node is out of sync",
		zap.Uint64("seq", seq),
		zap.Stringer("digest", digest),
		zap.Uint64("last_confirmed", s.LastConfirmed()),
		zap.Uint64("low_watermark", s.LowWatermark()))
	e.metrics.RecordOutOfSync()
	if e.hooks.OnOutOfSync != nil {
		e.hooks.OnOutOfSync(seq, digest)
	}
}
