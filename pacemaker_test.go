package pbft

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splintercommunity/sawtooth-pbft/timer"
)

func TestPacemakerConfig_Default(t *testing.T) {
	cfg := DefaultPacemakerConfig()

	assert.Equal(t, 10*time.Second, cfg.BlockCommitTimeout)
	assert.Equal(t, 5*time.Second, cfg.ViewChangeTimeout)
	assert.Equal(t, 1.5, cfg.BackoffMultiplier)
	assert.Equal(t, 60*time.Second, cfg.MaxTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestPacemakerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*PacemakerConfig)
		field  string
	}{
		{name: "zero commit timeout", modify: func(c *PacemakerConfig) { c.BlockCommitTimeout = 0 }, field: "BlockCommitTimeout"},
		{name: "negative view change timeout", modify: func(c *PacemakerConfig) { c.ViewChangeTimeout = -time.Second }, field: "ViewChangeTimeout"},
		{name: "shrinking backoff", modify: func(c *PacemakerConfig) { c.BackoffMultiplier = 0.5 }, field: "BackoffMultiplier"},
		{name: "zero max", modify: func(c *PacemakerConfig) { c.MaxTimeout = 0 }, field: "MaxTimeout"},
		{name: "max below base", modify: func(c *PacemakerConfig) { c.MaxTimeout = time.Second }, field: "MaxTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPacemakerConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))

			var ce *ConfigError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestPacemaker_CommitTimeout(t *testing.T) {
	clock := timer.NewMockClock()
	pm := NewPacemaker(clock, zap.NewNop(), testPacemaker)

	assert.False(t, pm.CommitActive())
	assert.False(t, pm.CommitExpired())

	pm.StartCommit(0)
	assert.True(t, pm.CommitActive())

	clock.Advance(6 * time.Second)
	// Starting again while armed keeps the original deadline.
	pm.StartCommit(0)
	clock.Advance(4 * time.Second)
	assert.True(t, pm.CommitExpired())

	pm.RestartCommit()
	assert.False(t, pm.CommitExpired())
	clock.Advance(9 * time.Second)
	assert.False(t, pm.CommitExpired())

	pm.StopCommit()
	clock.Advance(time.Minute)
	assert.False(t, pm.CommitActive())
	assert.False(t, pm.CommitExpired())
}

func TestPacemaker_ViewChangeBackoff(t *testing.T) {
	tests := []struct {
		view, target uint64
		want         time.Duration
	}{
		{view: 0, target: 1, want: 5 * time.Second},
		{view: 0, target: 2, want: 7500 * time.Millisecond},
		{view: 0, target: 3, want: 11250 * time.Millisecond},
		{view: 4, target: 5, want: 5 * time.Second},
		{view: 0, target: 40, want: 60 * time.Second},
	}
	for _, tt := range tests {
		clock := timer.NewMockClock()
		pm := NewPacemaker(clock, zap.NewNop(), testPacemaker)

		pm.StartViewChange(tt.view, tt.target)
		assert.True(t, pm.ViewChangeActive())

		clock.Advance(tt.want - time.Millisecond)
		assert.False(t, pm.ViewChangeExpired(), "%d -> %d", tt.view, tt.target)
		clock.Advance(time.Millisecond)
		assert.True(t, pm.ViewChangeExpired(), "%d -> %d", tt.view, tt.target)
	}
}

func TestPacemaker_Stop(t *testing.T) {
	clock := timer.NewMockClock()
	pm := NewPacemaker(clock, zap.NewNop(), testPacemaker)
	pm.StartCommit(0)
	pm.StartViewChange(0, 1)

	pm.Stop()
	clock.Advance(time.Hour)
	assert.False(t, pm.CommitExpired())
	assert.False(t, pm.ViewChangeExpired())
	assert.Equal(t, testPacemaker, pm.Config())
}
