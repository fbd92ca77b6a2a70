package pbft

import (
	"time"

	"go.uber.org/zap"

	"github.com/splintercommunity/sawtooth-pbft/timer"
)

// PacemakerConfig configures the two liveness timeouts.
//
//   - BlockCommitTimeout: how long outstanding work may go without a
//     sequence committing before the node votes to replace the primary.
//   - ViewChangeTimeout: how long to wait for a NewView before moving on to
//     the next view. Grows by BackoffMultiplier for each consecutive view
//     that fails, capped at MaxTimeout.
type PacemakerConfig struct {
	// BlockCommitTimeout bounds the time between a sequence becoming
	// outstanding and it committing.
	// Default: 10s
	BlockCommitTimeout time.Duration

	// ViewChangeTimeout is the base wait for a NewView.
	// Default: 5s
	ViewChangeTimeout time.Duration

	// BackoffMultiplier is the growth factor of ViewChangeTimeout per
	// consecutive failed view.
	// Default: 1.5
	BackoffMultiplier float64

	// MaxTimeout caps the view-change timeout.
	// Default: 60s
	MaxTimeout time.Duration
}

// DefaultPacemakerConfig returns the default pacemaker configuration.
func DefaultPacemakerConfig() PacemakerConfig {
	return PacemakerConfig{
		BlockCommitTimeout: 10 * time.Second,
		ViewChangeTimeout:  5 * time.Second,
		BackoffMultiplier:  1.5,
		MaxTimeout:         60 * time.Second,
	}
}

// Validate checks that the configuration values are sensible.
func (c PacemakerConfig) Validate() error {
	if c.BlockCommitTimeout <= 0 {
		return &ConfigError{Field: "BlockCommitTimeout", Message: "must be positive"}
	}
	if c.ViewChangeTimeout <= 0 {
		return &ConfigError{Field: "ViewChangeTimeout", Message: "must be positive"}
	}
	if c.BackoffMultiplier < 1.0 {
		return &ConfigError{Field: "BackoffMultiplier", Message: "must be >= 1.0"}
	}
	if c.MaxTimeout <= 0 {
		return &ConfigError{Field: "MaxTimeout", Message: "must be positive"}
	}
	if c.MaxTimeout < c.ViewChangeTimeout {
		return &ConfigError{Field: "MaxTimeout", Message: "must be >= ViewChangeTimeout"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "pacemaker config: " + e.Field + " " + e.Message
}

// Unwrap lets errors.Is(err, ErrConfig) match.
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// Pacemaker owns the block-commit and view-change timeouts. Expiry is
// polled by the engine loop; nothing fires on its own.
type Pacemaker struct {
	logger  *zap.Logger
	config  PacemakerConfig
	commit  *timer.Timeout
	change  *timer.Timeout
	backoff *timer.Backoff
}

// NewPacemaker creates a Pacemaker reading time from clock.
func NewPacemaker(clock timer.Clock, logger *zap.Logger, config PacemakerConfig) *Pacemaker {
	return &Pacemaker{
		logger: logger,
		config: config,
		commit: timer.NewTimeout(clock, config.BlockCommitTimeout),
		change: timer.NewTimeout(clock, config.ViewChangeTimeout),
		backoff: timer.NewBackoff(timer.BackoffConfig{
			Base:       config.ViewChangeTimeout,
			Max:        config.MaxTimeout,
			Multiplier: config.BackoffMultiplier,
		}),
	}
}

// StartCommit arms the block-commit timeout if it is not running.
func (pm *Pacemaker) StartCommit(view uint64) {
	if pm.commit.IsActive() {
		return
	}
	pm.commit.Start()
	pm.logger.Debug("block commit timer started",
		zap.Uint64("view", view),
		zap.Duration("timeout", pm.config.BlockCommitTimeout))
}

// RestartCommit re-arms the block-commit timeout from now.
func (pm *Pacemaker) RestartCommit() {
	pm.commit.Start()
}

// StopCommit cancels the block-commit timeout.
func (pm *Pacemaker) StopCommit() {
	pm.commit.Stop()
}

// CommitActive reports whether the block-commit timeout is armed.
func (pm *Pacemaker) CommitActive() bool {
	return pm.commit.IsActive()
}

// CommitExpired reports whether the block-commit timeout has expired.
func (pm *Pacemaker) CommitExpired() bool {
	return pm.commit.IsExpired()
}

// StartViewChange arms the view-change timeout for a change from view to
// target. Each view skipped beyond the first grows the timeout.
func (pm *Pacemaker) StartViewChange(view, target uint64) {
	attempt := uint64(0)
	if target > view+1 {
		attempt = target - view - 1
	}
	d := pm.backoff.Duration(attempt)
	pm.change.StartWith(d)

	pm.logger.Info("view change timer started",
		zap.Uint64("view", view),
		zap.Uint64("target_view", target),
		zap.Duration("timeout", d))
}

// StopViewChange cancels the view-change timeout.
func (pm *Pacemaker) StopViewChange() {
	pm.change.Stop()
}

// ViewChangeActive reports whether the view-change timeout is armed.
func (pm *Pacemaker) ViewChangeActive() bool {
	return pm.change.IsActive()
}

// ViewChangeExpired reports whether the view-change timeout has expired.
func (pm *Pacemaker) ViewChangeExpired() bool {
	return pm.change.IsExpired()
}

// Stop cancels both timeouts.
func (pm *Pacemaker) Stop() {
	pm.commit.Stop()
	pm.change.Stop()
}

// Config returns the pacemaker configuration.
func (pm *Pacemaker) Config() PacemakerConfig {
	return pm.config
}
