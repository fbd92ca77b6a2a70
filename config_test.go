package pbft

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type configFixture struct {
	ids  []ValidatorID
	auth *KeyAuthenticator
}

func newConfigFixture(t *testing.T) configFixture {
	t.Helper()
	auths := newTestAuths(t, 4)
	f := configFixture{auth: auths[1]}
	for _, a := range auths {
		f.ids = append(f.ids, a.ID())
	}
	return f
}

func (f configFixture) options(extra ...ConfigOption) []ConfigOption {
	return append([]ConfigOption{
		WithValidators(f.ids),
		WithAuthenticator(f.auth),
		WithService(nopService{}),
		WithStorage(NewMemoryStorage()),
	}, extra...)
}

func TestNewConfig_Defaults(t *testing.T) {
	f := newConfigFixture(t)
	cfg, err := NewConfig(f.options()...)
	require.NoError(t, err)

	assert.Equal(t, f.auth.ID(), cfg.ID())
	assert.Equal(t, uint64(DefaultCheckpointPeriod), cfg.CheckpointPeriod)
	assert.Equal(t, uint64(DefaultWindowSize), cfg.WindowSize)
	assert.Equal(t, DefaultMaxBacklog, cfg.MaxBacklog)
	assert.Equal(t, DefaultEventQueueSize, cfg.EventQueueSize)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.IsType(t, BinaryCodec{}, cfg.Codec)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Logger)
	assert.Nil(t, cfg.Pacemaker)
	assert.Nil(t, cfg.Metrics)
}

func TestNewConfig_CheckpointPeriodWidensWindow(t *testing.T) {
	f := newConfigFixture(t)

	cfg, err := NewConfig(f.options(WithCheckpointPeriod(150))...)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), cfg.WindowSize)

	cfg, err = NewConfig(f.options(WithCheckpointPeriod(10))...)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultWindowSize), cfg.WindowSize, "a wide enough window is kept")
}

func TestNewConfig_Invalid(t *testing.T) {
	f := newConfigFixture(t)
	outsider, err := GenerateAuthenticator(CryptoSchemeEd25519)
	require.NoError(t, err)

	tests := []struct {
		name string
		opts []ConfigOption
	}{
		{name: "no authenticator", opts: []ConfigOption{WithValidators(f.ids), WithService(nopService{}), WithStorage(NewMemoryStorage())}},
		{name: "no service", opts: []ConfigOption{WithValidators(f.ids), WithAuthenticator(f.auth), WithStorage(NewMemoryStorage())}},
		{name: "no storage", opts: []ConfigOption{WithValidators(f.ids), WithAuthenticator(f.auth), WithService(nopService{})}},
		{name: "too few validators", opts: []ConfigOption{WithValidators(f.ids[:3]), WithAuthenticator(f.auth), WithService(nopService{}), WithStorage(NewMemoryStorage())}},
		{name: "not a validator", opts: f.options(WithAuthenticator(outsider))},
		{name: "window not above period", opts: f.options(WithCheckpointPeriod(10), WithWindowSize(10))},
		{name: "zero backlog", opts: f.options(WithMaxBacklog(0))},
		{name: "zero queue", opts: f.options(WithEventQueueSize(0))},
		{name: "zero poll interval", opts: f.options(WithPollInterval(0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "%v", err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestNewConfig_OptionErrors(t *testing.T) {
	f := newConfigFixture(t)

	for name, opt := range map[string]ConfigOption{
		"nil logger":    WithLogger(nil),
		"nil codec":     WithCodec(nil),
		"nil clock":     WithClock(nil),
		"nil storage":   WithStorage(nil),
		"zero period":   WithCheckpointPeriod(0),
		"zero window":   WithWindowSize(0),
		"no validators": WithValidators(nil),
		"bad pacemaker": WithPacemaker(PacemakerConfig{}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfig(f.options(opt)...)
			assert.Error(t, err)
		})
	}
}

func TestNewConfig_Pacemaker(t *testing.T) {
	f := newConfigFixture(t)
	pm := DefaultPacemakerConfig()
	pm.BlockCommitTimeout = 3 * time.Second

	cfg, err := NewConfig(f.options(WithPacemaker(pm))...)
	require.NoError(t, err)
	require.NotNil(t, cfg.Pacemaker)
	assert.Equal(t, 3*time.Second, cfg.Pacemaker.BlockCommitTimeout)
}
