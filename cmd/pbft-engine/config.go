package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

const envPrefix = "PBFT"

// engineConfig is the process configuration, read from an optional config
// file, PBFT_* environment variables and flags, in increasing precedence.
type engineConfig struct {
	Endpoint    string   `mapstructure:"endpoint"`
	KeyFile     string   `mapstructure:"key_file"`
	Scheme      string   `mapstructure:"scheme"`
	Validators  []string `mapstructure:"validators"`
	StorePath   string   `mapstructure:"store_path"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`

	CheckpointPeriod uint64 `mapstructure:"checkpoint_period"`
	WindowSize       uint64 `mapstructure:"window_size"`
	MaxBacklog       int    `mapstructure:"max_backlog"`

	BlockCommitTimeout time.Duration `mapstructure:"block_commit_timeout"`
	ViewChangeTimeout  time.Duration `mapstructure:"view_change_timeout"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	MaxTimeout         time.Duration `mapstructure:"max_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// newFlagSet declares the command-line flags. Every flag is also a config
// key.
func newFlagSet() *pflag.FlagSet {
	pm := pbft.DefaultPacemakerConfig()

	fs := pflag.NewFlagSet("pbft-engine", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "config file (yaml, toml or json)")
	fs.StringP("endpoint", "C", "tcp://localhost:5050", "validator component endpoint")
	fs.StringP("key_file", "k", "", "file holding the hex-encoded validator private key")
	fs.String("scheme", pbft.CryptoSchemeEd25519, "signature scheme (ed25519 or bls)")
	fs.StringSlice("validators", nil, "initial validator ids in primary order")
	fs.String("store_path", "/var/lib/sawtooth-pbft/state.json", "durable consensus state file")
	fs.String("metrics_addr", ":9090", "address for /metrics and /status, empty to disable")
	fs.StringP("log_level", "l", "info", "log level (debug, info, warn, error)")
	fs.String("log_format", "json", "log encoding (json or console)")
	fs.Uint64("checkpoint_period", pbft.DefaultCheckpointPeriod, "sequences between checkpoints")
	fs.Uint64("window_size", pbft.DefaultWindowSize, "watermark window size")
	fs.Int("max_backlog", pbft.DefaultMaxBacklog, "maximum deferred messages")
	fs.Duration("block_commit_timeout", pm.BlockCommitTimeout, "time allowed for a block to commit")
	fs.Duration("view_change_timeout", pm.ViewChangeTimeout, "base wait for a new view")
	fs.Float64("backoff_multiplier", pm.BackoffMultiplier, "view change timeout growth factor")
	fs.Duration("max_timeout", pm.MaxTimeout, "upper bound of the view change timeout")
	fs.Duration("poll_interval", pbft.DefaultPollInterval, "timeout check interval")
	return fs
}

// loadConfig merges flags, environment and the config file named by the
// "config" flag.
func loadConfig(fs *pflag.FlagSet) (*engineConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg engineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Environment values for list keys arrive as one string.
	if len(cfg.Validators) == 1 && strings.Contains(cfg.Validators[0], ",") {
		cfg.Validators = strings.Split(cfg.Validators[0], ",")
	}
	return &cfg, cfg.validate()
}

func (c *engineConfig) validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("endpoint is required")
	case c.KeyFile == "":
		return fmt.Errorf("key_file is required")
	case c.StorePath == "":
		return fmt.Errorf("store_path is required")
	}
	return nil
}

// validatorIDs returns the configured membership.
func (c *engineConfig) validatorIDs() []pbft.ValidatorID {
	ids := make([]pbft.ValidatorID, 0, len(c.Validators))
	for _, v := range c.Validators {
		if v = strings.TrimSpace(v); v != "" {
			ids = append(ids, pbft.ValidatorID(strings.ToLower(v)))
		}
	}
	return ids
}

func (c *engineConfig) pacemaker() pbft.PacemakerConfig {
	return pbft.PacemakerConfig{
		BlockCommitTimeout: c.BlockCommitTimeout,
		ViewChangeTimeout:  c.ViewChangeTimeout,
		BackoffMultiplier:  c.BackoffMultiplier,
		MaxTimeout:         c.MaxTimeout,
	}
}

// loadKey reads a hex-encoded private key file.
func loadKey(scheme, path string) (*pbft.KeyAuthenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not hex: %w", path, err)
	}
	return pbft.LoadAuthenticator(scheme, raw)
}

// newLogger builds a production zap logger at level.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = format
	if format == "console" {
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}
