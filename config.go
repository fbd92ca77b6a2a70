package pbft

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/splintercommunity/sawtooth-pbft/metrics"
	"github.com/splintercommunity/sawtooth-pbft/timer"
)

// Defaults for the protocol and runtime parameters.
const (
	DefaultCheckpointPeriod = 100
	DefaultWindowSize       = 200
	DefaultMaxBacklog       = 1024
	DefaultEventQueueSize   = 256
	DefaultPollInterval     = 10 * time.Millisecond
)

// Config holds the configuration for a PBFT engine.
type Config struct {
	// Validators is the initial membership in primary-rotation order.
	Validators []ValidatorID

	// Authenticator signs outgoing messages and verifies incoming ones. Its
	// ID is this node's identity and must appear in Validators.
	Authenticator Authenticator

	// Service receives the engine's commands to the host.
	Service Service

	// Storage persists the state needed to rejoin after a restart.
	Storage Storage

	// Codec encodes messages for the wire. Default: BinaryCodec.
	Codec Codec

	// Clock drives the pacemaker. Default: timer.RealClock.
	Clock timer.Clock

	// Pacemaker configures the timeouts.
	// If nil, DefaultPacemakerConfig() is used.
	Pacemaker *PacemakerConfig

	// CheckpointPeriod is the number of sequences between checkpoints (K).
	CheckpointPeriod uint64

	// WindowSize is the distance between the low and high watermarks (L).
	// Must exceed CheckpointPeriod so the window never stalls on a checkpoint.
	WindowSize uint64

	// MaxBacklog bounds the messages deferred for a later view or window.
	MaxBacklog int

	// EventQueueSize is the capacity of the Submit queue.
	EventQueueSize int

	// PollInterval is how often Run checks the timeouts.
	PollInterval time.Duration

	// Logger for structured logging.
	Logger *zap.Logger

	// Metrics records engine metrics. Nil disables them.
	Metrics *metrics.Metrics

	// Hooks are optional event callbacks.
	Hooks Hooks
}

// ConfigOption is a functional option for configuring the engine.
type ConfigOption func(*Config) error

// NewConfig creates a new Config with the given options.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		Codec:            BinaryCodec{},
		Clock:            timer.RealClock{},
		CheckpointPeriod: DefaultCheckpointPeriod,
		WindowSize:       DefaultWindowSize,
		MaxBacklog:       DefaultMaxBacklog,
		EventQueueSize:   DefaultEventQueueSize,
		PollInterval:     DefaultPollInterval,
		Logger:           zap.NewNop(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate checks that all required configuration fields are set.
func (c *Config) validate() error {
	if c.Authenticator == nil {
		return wrapConfig("authenticator is required")
	}

	if c.Service == nil {
		return wrapConfig("service is required")
	}

	if c.Storage == nil {
		return wrapConfig("storage is required")
	}

	vs, err := NewValidatorSet(c.Validators)
	if err != nil {
		return err
	}

	if !vs.Contains(c.Authenticator.ID()) {
		return wrapConfigf("node %s not in validator set", c.Authenticator.ID().Short())
	}

	if c.CheckpointPeriod == 0 {
		return wrapConfig("checkpoint period must be positive")
	}

	if c.WindowSize <= c.CheckpointPeriod {
		return wrapConfigf("window size %d must exceed checkpoint period %d", c.WindowSize, c.CheckpointPeriod)
	}

	if c.Pacemaker != nil {
		if err := c.Pacemaker.Validate(); err != nil {
			return err
		}
	}

	if c.MaxBacklog <= 0 || c.EventQueueSize <= 0 || c.PollInterval <= 0 {
		return wrapConfig("queue sizes and poll interval must be positive")
	}

	return nil
}

// ID returns this node's validator id.
func (c *Config) ID() ValidatorID {
	return c.Authenticator.ID()
}

// WithValidators sets the initial validator set.
func WithValidators(ids []ValidatorID) ConfigOption {
	return func(c *Config) error {
		if len(ids) == 0 {
			return fmt.Errorf("validators cannot be empty")
		}
		c.Validators = append([]ValidatorID(nil), ids...)
		return nil
	}
}

// WithAuthenticator sets the message authenticator.
func WithAuthenticator(auth Authenticator) ConfigOption {
	return func(c *Config) error {
		if auth == nil {
			return fmt.Errorf("authenticator cannot be nil")
		}
		c.Authenticator = auth
		return nil
	}
}

// WithService sets the host command sink.
func WithService(service Service) ConfigOption {
	return func(c *Config) error {
		if service == nil {
			return fmt.Errorf("service cannot be nil")
		}
		c.Service = service
		return nil
	}
}

// WithStorage sets the durable storage backend.
func WithStorage(storage Storage) ConfigOption {
	return func(c *Config) error {
		if storage == nil {
			return fmt.Errorf("storage cannot be nil")
		}
		c.Storage = storage
		return nil
	}
}

// WithCodec sets the wire codec.
func WithCodec(codec Codec) ConfigOption {
	return func(c *Config) error {
		if codec == nil {
			return fmt.Errorf("codec cannot be nil")
		}
		c.Codec = codec
		return nil
	}
}

// WithClock sets the clock used by the pacemaker.
func WithClock(clock timer.Clock) ConfigOption {
	return func(c *Config) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.Clock = clock
		return nil
	}
}

// WithPacemaker sets the pacemaker configuration.
func WithPacemaker(config PacemakerConfig) ConfigOption {
	return func(c *Config) error {
		if err := config.Validate(); err != nil {
			return err
		}
		c.Pacemaker = &config
		return nil
	}
}

// WithCheckpointPeriod sets the checkpoint period and, when the current
// window would be too small, widens the window to twice the period.
func WithCheckpointPeriod(period uint64) ConfigOption {
	return func(c *Config) error {
		if period == 0 {
			return fmt.Errorf("checkpoint period must be positive")
		}
		c.CheckpointPeriod = period
		if c.WindowSize <= period {
			c.WindowSize = 2 * period
		}
		return nil
	}
}

// WithWindowSize sets the watermark window.
func WithWindowSize(size uint64) ConfigOption {
	return func(c *Config) error {
		if size == 0 {
			return fmt.Errorf("window size must be positive")
		}
		c.WindowSize = size
		return nil
	}
}

// WithMaxBacklog bounds the deferred message backlog.
func WithMaxBacklog(n int) ConfigOption {
	return func(c *Config) error {
		c.MaxBacklog = n
		return nil
	}
}

// WithEventQueueSize sets the Submit queue capacity.
func WithEventQueueSize(n int) ConfigOption {
	return func(c *Config) error {
		c.EventQueueSize = n
		return nil
	}
}

// WithPollInterval sets how often Run checks the timeouts.
func WithPollInterval(d time.Duration) ConfigOption {
	return func(c *Config) error {
		c.PollInterval = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// WithHooks sets the event callbacks.
func WithHooks(hooks Hooks) ConfigOption {
	return func(c *Config) error {
		c.Hooks = hooks
		return nil
	}
}
