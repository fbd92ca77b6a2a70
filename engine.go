package pbft

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/splintercommunity/sawtooth-pbft/metrics"
)

// Event is an input from the host.
type Event interface {
	isEvent()
}

// PeerMessage carries an encoded protocol message received from a peer.
type PeerMessage struct {
	Sender  ValidatorID
	Payload []byte
}

// BlockReady announces a block the host has built or received. Block.Seq is
// advisory; the primary assigns sequence numbers.
type BlockReady struct {
	Block BlockRef
}

// BlockCommitted confirms that the host committed a finalized block.
type BlockCommitted struct {
	Seq    uint64
	Digest Digest
}

// BlockInvalid reports that the host rejected a block.
type BlockInvalid struct {
	Seq    uint64
	Digest Digest
}

// PeerConnected reports a new connection to a validator.
type PeerConnected struct {
	ID ValidatorID
}

// PeerDisconnected reports a lost connection.
type PeerDisconnected struct {
	ID ValidatorID
}

// ValidatorSetUpdated hands over a new membership. It is installed at the
// next stable checkpoint.
type ValidatorSetUpdated struct {
	Validators []ValidatorID
}

// Shutdown stops the engine loop without draining pending work.
type Shutdown struct{}

func (PeerMessage) isEvent()         {}
func (BlockReady) isEvent()          {}
func (BlockCommitted) isEvent()      {}
func (BlockInvalid) isEvent()        {}
func (PeerConnected) isEvent()       {}
func (PeerDisconnected) isEvent()    {}
func (ValidatorSetUpdated) isEvent() {}
func (Shutdown) isEvent()            {}

// Engine is a PBFT replica.
//
// All protocol work happens on one goroutine: either Run, or a caller
// driving Step and Tick directly. Submit, TrySubmit and Status are safe to
// call from other goroutines.
//
// Per sequence number:
//   - the primary broadcasts PrePrepare(view, seq, digest)
//   - every node broadcasts Prepare on accepting it
//   - a prepared certificate (pre-prepare + a quorum of prepares) triggers Commit
//   - a committed certificate (+ a quorum of commits) makes the sequence Committed;
//     FinalizeBlock is issued strictly in sequence order
type Engine struct {
	mu     sync.RWMutex
	status Status

	cfg        *Config
	id         ValidatorID
	validators *ValidatorSet
	// pendingValidators is installed at the next stable checkpoint.
	pendingValidators *ValidatorSet

	state *State
	log   *MessageLog
	pm    *Pacemaker

	logger  *zap.Logger
	metrics *metrics.Metrics
	hooks   Hooks

	events chan Event
	// local holds own messages awaiting delivery to this node.
	local []*Message
	peers map[ValidatorID]struct{}

	// restored is true until the state loaded from storage is resumed.
	restored bool
	halted   error
	stopped  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an engine from cfg and restores any state saved in
// cfg.Storage.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, wrapConfig("config is required")
	}
	validators, err := NewValidatorSet(cfg.Validators)
	if err != nil {
		return nil, err
	}

	pmConfig := DefaultPacemakerConfig()
	if cfg.Pacemaker != nil {
		pmConfig = *cfg.Pacemaker
	}

	id := cfg.ID()
	logger := cfg.Logger.With(zap.String("node", id.Short()))

	e := &Engine{
		cfg:        cfg,
		id:         id,
		validators: validators,
		state:      NewState(cfg.WindowSize),
		log:        NewMessageLog(cfg.MaxBacklog),
		pm:         NewPacemaker(cfg.Clock, logger, pmConfig),
		logger:     logger,
		metrics:    cfg.Metrics,
		hooks:      cfg.Hooks,
		events:     make(chan Event, cfg.EventQueueSize),
		peers:      make(map[ValidatorID]struct{}),
		done:       make(chan struct{}),
	}

	if err := e.restore(); err != nil {
		return nil, err
	}
	e.publishStatus()
	return e, nil
}

// ID returns this node's validator id.
func (e *Engine) ID() ValidatorID {
	return e.id
}

// Run processes events until ctx is cancelled, a Shutdown event arrives or
// the engine halts. It returns nil on shutdown and the fatal error on halt.
func (e *Engine) Run(ctx context.Context) error {
	defer e.doneOnce.Do(func() { close(e.done) })

	e.logger.Info("starting PBFT engine",
		zap.Uint64("view", e.state.View()),
		zap.Uint64("low_watermark", e.state.LowWatermark()),
		zap.Int("validators", e.validators.Count()))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	if err := e.Tick(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			e.stopped.Store(true)
			return ctx.Err()
		case ev := <-e.events:
			if err := e.Step(ev); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
		case <-ticker.C:
			if err := e.Tick(); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
		}
	}
}

// Submit queues ev for Run, blocking while the queue is full.
func (e *Engine) Submit(ctx context.Context, ev Event) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// TrySubmit queues ev for Run without blocking.
func (e *Engine) TrySubmit(ev Event) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	select {
	case e.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Step processes one event to completion. It must not be called
// concurrently with Run or another Step.
func (e *Engine) Step(ev Event) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	e.resume()

	switch ev := ev.(type) {
	case PeerMessage:
		e.handlePeerMessage(ev)
	case BlockReady:
		e.handleBlockReady(ev.Block)
	case BlockCommitted:
		e.handleBlockCommitted(ev.Seq, ev.Digest)
	case BlockInvalid:
		e.handleBlockInvalid(ev.Seq, ev.Digest)
	case PeerConnected:
		e.handlePeerConnected(ev.ID)
	case PeerDisconnected:
		delete(e.peers, ev.ID)
		e.metrics.SetPeers(len(e.peers))
	case ValidatorSetUpdated:
		e.handleValidatorSetUpdated(ev.Validators)
	case Shutdown:
		e.logger.Info("shutting down PBFT engine")
		e.stopped.Store(true)
		e.pm.Stop()
		e.publishStatus()
		return ErrStopped
	default:
		e.logger.Warn("unknown event", zap.Any("event", ev))
	}

	return e.settle()
}

// Tick checks the timeouts. Run calls it every PollInterval.
func (e *Engine) Tick() error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	e.resume()

	switch e.state.Mode() {
	case ModeNormal:
		if e.pm.CommitExpired() {
			e.logger.Warn("block commit timeout, suspecting primary",
				zap.Uint64("view", e.state.View()),
				zap.String("primary", e.primary().Short()))
			e.startViewChange(e.state.View() + 1)
		}
	case ModeViewChanging:
		if e.pm.ViewChangeExpired() {
			e.logger.Warn("view change timeout",
				zap.Uint64("target_view", e.state.TargetView()))
			e.startViewChange(e.state.TargetView() + 1)
		}
	}
	// A primary with nothing in progress asks the host for work.
	e.maybePropose()

	return e.settle()
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Evidence returns the equivocations recorded so far. Not safe to call
// concurrently with Run.
func (e *Engine) Evidence() []*Evidence {
	return e.log.Evidence()
}

func (e *Engine) checkRunning() error {
	if e.halted != nil {
		return e.halted
	}
	if e.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// settle delivers own messages, adjusts the commit timer and publishes
// status after an event.
func (e *Engine) settle() error {
	e.drainLocal()
	e.updateCommitTimer()
	e.publishStatus()
	return e.halted
}

func (e *Engine) drainLocal() {
	for len(e.local) > 0 && e.halted == nil {
		msg := e.local[0]
		e.local = e.local[1:]
		e.handleMessage(msg)
	}
	e.local = nil
}

// updateCommitTimer keeps the block-commit timeout running exactly while
// work is outstanding in normal mode.
func (e *Engine) updateCommitTimer() {
	if e.halted != nil || e.state.Mode() != ModeNormal {
		e.pm.StopCommit()
		return
	}
	if len(e.state.pending) > 0 || e.state.unsettled() {
		e.pm.StartCommit(e.state.View())
		return
	}
	e.pm.StopCommit()
}

func (e *Engine) primary() ValidatorID {
	return e.validators.Primary(e.state.View())
}

func (e *Engine) isPrimary() bool {
	return e.primary() == e.id
}

// handlePeerMessage authenticates an inbound payload. Anything that fails is
// dropped as if never received.
func (e *Engine) handlePeerMessage(ev PeerMessage) {
	msg, err := e.cfg.Codec.Unmarshal(ev.Payload)
	if err != nil {
		e.drop("decode", ev.Sender, err)
		return
	}
	if err := msg.checkShape(); err != nil {
		e.drop("malformed", ev.Sender, err)
		return
	}
	if msg.Signer != ev.Sender {
		e.drop("sender_mismatch", ev.Sender, wrapInvalidMessagef("signed by %s", msg.Signer.Short()))
		return
	}
	if msg.Signer == e.id {
		e.drop("reflected", ev.Sender, wrapInvalidMessage("message signed by this node"))
		return
	}
	if !e.validators.Contains(msg.Signer) {
		e.drop("unknown_signer", ev.Sender, wrapInvalidMessage("signer is not a validator"))
		return
	}
	if err := e.cfg.Authenticator.Verify(msg); err != nil {
		e.drop("bad_signature", ev.Sender, err)
		return
	}

	e.metrics.RecordReceived(msg.Type.String())
	e.handleMessage(msg)
}

// handleMessage dispatches an authenticated message.
func (e *Engine) handleMessage(msg *Message) {
	if e.halted != nil {
		return
	}
	switch msg.Type {
	case MessagePrePrepare:
		e.handlePrePrepare(msg)
	case MessagePrepare, MessageCommit:
		e.handleVote(msg)
	case MessageCheckpoint:
		e.handleCheckpoint(msg)
	case MessageViewChange:
		e.handleViewChange(msg)
	case MessageNewView:
		e.handleNewView(msg)
	}
}

func (e *Engine) drop(reason string, sender ValidatorID, err error) {
	e.metrics.RecordDropped(reason)
	e.logger.Debug("dropped message",
		zap.String("reason", reason),
		zap.String("sender", sender.Short()),
		zap.Error(err))
}

// record inserts msg into the log and reports whether it is new.
func (e *Engine) record(msg *Message) bool {
	before := len(e.log.evidence)
	added, err := e.log.Insert(msg)
	if err == nil {
		return added
	}
	if errors.Is(err, ErrByzantine) && len(e.log.evidence) > before {
		e.onEquivocation(e.log.evidence[len(e.log.evidence)-1])
	} else {
		e.logger.Debug("message rejected by log", zap.Stringer("msg", msg), zap.Error(err))
	}
	return false
}

// deferMessage holds msg in the backlog until the view or window catches up.
func (e *Engine) deferMessage(msg *Message) {
	if !e.log.Defer(msg) {
		e.drop("backlog_full", msg.Signer, wrapInvalidMessagef("backlog full, dropping %s", msg))
	}
}

// drainBacklog re-processes deferred messages once.
func (e *Engine) drainBacklog() {
	for _, msg := range e.log.TakeBacklog() {
		if e.halted != nil {
			return
		}
		e.handleMessage(msg)
	}
}

// broadcast signs msg, sends it to every peer and queues it for local
// delivery.
func (e *Engine) broadcast(msg *Message) {
	if e.halted != nil {
		return
	}
	if err := e.cfg.Authenticator.Sign(msg); err != nil {
		e.fail(err)
		return
	}
	payload, err := e.cfg.Codec.Marshal(msg)
	if err != nil {
		e.fail(wrapInternalf("encode own %s: %v", msg.Type, err))
		return
	}
	if err := e.cfg.Service.Broadcast(payload); err != nil {
		e.logger.Warn("broadcast failed", zap.Stringer("type", msg.Type), zap.Error(err))
	}
	e.local = append(e.local, msg)
}

// sendTo re-sends an already signed message to one peer.
func (e *Engine) sendTo(peer ValidatorID, msg *Message) {
	payload, err := e.cfg.Codec.Marshal(msg)
	if err != nil {
		e.logger.Error("encode failed", zap.Stringer("type", msg.Type), zap.Error(err))
		return
	}
	if err := e.cfg.Service.SendTo(peer, payload); err != nil {
		e.logger.Warn("send failed",
			zap.String("peer", peer.Short()),
			zap.Stringer("type", msg.Type),
			zap.Error(err))
	}
}

// fail halts the engine on an invariant violation. No command is issued
// afterwards.
func (e *Engine) fail(err error) {
	if e.halted != nil {
		return
	}
	if !errors.Is(err, ErrInternal) {
		err = wrapInternalf("%v", err)
	}
	e.halted = err
	e.local = nil
	e.pm.Stop()
	e.logger.Error("engine halted",
		zap.Uint64("view", e.state.View()),
		zap.Uint64("last_finalized", e.state.LastFinalized()),
		zap.Error(err))
	if e.hooks.OnFatal != nil {
		e.hooks.OnFatal(err)
	}
}

func (e *Engine) handlePeerConnected(id ValidatorID) {
	e.peers[id] = struct{}{}
	e.metrics.SetPeers(len(e.peers))

	// A peer that was offline may have missed the latest view change.
	if vc := e.state.lastViewChange; vc != nil && e.state.Mode() == ModeViewChanging && vc.View == e.state.TargetView() {
		e.sendTo(id, vc)
	}
	if nv := e.state.lastNewView; nv != nil && nv.View == e.state.View() && e.isPrimary() {
		e.sendTo(id, nv)
	}
}

func (e *Engine) handleValidatorSetUpdated(ids []ValidatorID) {
	vs, err := NewValidatorSet(ids)
	if err != nil {
		e.logger.Warn("ignoring invalid validator set", zap.Error(err))
		return
	}
	if vs.Equal(e.validators) {
		e.pendingValidators = nil
		return
	}
	e.pendingValidators = vs
	e.logger.Info("validator set update pending next stable checkpoint",
		zap.Int("validators", vs.Count()),
		zap.Uint64("low_watermark", e.state.LowWatermark()))
}

// persist saves the durable state. A failed save halts the engine: voting
// on without it could contradict our own votes after a restart.
func (e *Engine) persist() {
	if e.halted != nil {
		return
	}
	s := e.state
	ds := &DurableState{
		View:           s.view,
		Checkpoint:     s.stable,
		LastFinalized:  s.finalized,
		LastConfirmed:  s.confirmed,
		Head:           s.head,
		OwnCheckpoints: make(map[uint64]Digest, len(s.ownCheckpoints)),
		Validators:     e.validators.IDs(),
	}
	for seq, d := range s.ownCheckpoints {
		ds.OwnCheckpoints[seq] = d
	}
	for _, wb := range s.sortedWorking() {
		if wb.Phase < PhaseCommitting {
			continue
		}
		pp := e.log.PrePrepare(wb.View, wb.Seq)
		if pp == nil || pp.Digest != wb.Digest {
			continue
		}
		ds.Certificates = append(ds.Certificates, &Certificate{
			PrePrepare: pp,
			Prepares:   e.log.Messages(MessagePrepare, wb.View, wb.Seq, wb.Digest),
			Commits:    e.log.Messages(MessageCommit, wb.View, wb.Seq, wb.Digest),
		})
	}

	if err := e.cfg.Storage.Save(ds); err != nil {
		e.fail(wrapInternalf("persist state: %v", err))
	}
}

// restore rebuilds state from storage. Sequences finalized but not
// confirmed by the host before the restart are finalized again.
func (e *Engine) restore() error {
	ds, err := e.cfg.Storage.Load()
	if err != nil {
		return wrapConfigf("load durable state: %v", err)
	}
	if ds == nil {
		return nil
	}

	if len(ds.Validators) > 0 {
		vs, err := NewValidatorSet(ds.Validators)
		if err != nil {
			return err
		}
		e.validators = vs
	}

	s := e.state
	s.view = ds.View
	s.targetView = ds.View
	if ds.Checkpoint != nil && ds.Checkpoint.Seq > 0 {
		if err := s.advanceLow(ds.Checkpoint); err != nil {
			return err
		}
		e.log.Prune(ds.Checkpoint.Seq)
	}
	s.finalized = ds.LastConfirmed
	s.confirmed = ds.LastConfirmed
	s.head = ds.Head
	for seq, d := range ds.OwnCheckpoints {
		if seq >= s.low {
			s.ownCheckpoints[seq] = d
		}
	}

	quorum := e.validators.Quorum()
	now := e.cfg.Clock.Now()
	for _, cert := range ds.Certificates {
		pp := cert.PrePrepare
		if pp == nil || pp.Seq <= s.low {
			continue
		}
		for _, m := range append(append([]*Message{pp}, cert.Prepares...), cert.Commits...) {
			_, _ = e.log.Insert(m)
		}

		wb := &WorkingBlock{Seq: pp.Seq, View: pp.View, Digest: pp.Digest, Prev: pp.Prev, Started: now}
		switch {
		case pp.Seq <= s.confirmed:
			wb.Phase = PhaseFinalized
		case e.log.Committed(pp.View, pp.Seq, pp.Digest, quorum):
			wb.Phase = PhaseCommitted
		case pp.View == s.view && e.log.Prepared(pp.View, pp.Seq, pp.Digest, quorum):
			wb.Phase = PhaseCommitting
		default:
			continue
		}
		if wb.Phase >= PhaseCommitted {
			if err := s.decide(wb.Seq, wb.Digest); err != nil {
				return err
			}
		}
		s.working[wb.Seq] = wb
		if wb.Seq >= s.nextSeq {
			s.nextSeq = wb.Seq + 1
		}
	}
	if s.nextSeq <= s.confirmed {
		s.nextSeq = s.confirmed + 1
	}

	e.restored = true
	e.logger.Info("restored durable state",
		zap.Uint64("view", s.view),
		zap.Uint64("low_watermark", s.low),
		zap.Uint64("last_confirmed", s.confirmed),
		zap.Int("certificates", len(ds.Certificates)))
	return nil
}

// resume finishes a restore on the first event: committed sequences are
// finalized again and prepared ones re-send their commit.
func (e *Engine) resume() {
	if !e.restored {
		return
	}
	e.restored = false
	for _, wb := range e.state.sortedWorking() {
		if wb.Phase == PhaseCommitting {
			e.tryAdvance(wb.Seq)
		}
	}
	e.finalizeReady()
	e.maybePropose()
}

func (e *Engine) publishStatus() {
	s := e.state
	status := Status{
		ID:             e.id,
		View:           s.View(),
		Mode:           s.Mode().String(),
		TargetView:     s.TargetView(),
		Primary:        e.primary(),
		LowWatermark:   s.LowWatermark(),
		HighWatermark:  s.HighWatermark(),
		LastFinalized:  s.LastFinalized(),
		LastConfirmed:  s.LastConfirmed(),
		InFlight:       s.inFlight(),
		LogSize:        e.log.Len(),
		Backlog:        e.log.BacklogLen(),
		Validators:     e.validators.Count(),
		OutOfSync:      s.outOfSync,
		Halted:         e.halted != nil,
		EvidenceCount:  len(e.log.evidence),
		ConnectedPeers: len(e.peers),
	}
	if e.halted != nil {
		status.HaltReason = e.halted.Error()
	}

	e.mu.Lock()
	e.status = status
	e.mu.Unlock()

	e.metrics.RecordProgress(status.View, status.LowWatermark, status.LastFinalized, status.LogSize)
}
