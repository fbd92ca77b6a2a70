// Command pbft-engine runs the PBFT consensus engine as a validator
// component. It connects to the validator's consensus endpoint over ZMQ,
// keeps its durable state in a local file and serves Prometheus metrics and
// a JSON status snapshot over HTTP.
//
// Usage:
//
//	pbft-engine --config /etc/sawtooth/pbft.yaml
//	PBFT_ENDPOINT=tcp://validator:5050 pbft-engine -k validator.priv --validators id0,id1,id2,id3
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pbft "github.com/splintercommunity/sawtooth-pbft"
	"github.com/splintercommunity/sawtooth-pbft/host"
	"github.com/splintercommunity/sawtooth-pbft/metrics"
	"github.com/splintercommunity/sawtooth-pbft/store"
)

func main() {
	fs := newFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine exited", zap.Error(err))
		os.Exit(1)
	}
}

// run wires the engine to the validator and blocks until shutdown.
func run(ctx context.Context, cfg *engineConfig, logger *zap.Logger) error {
	auth, err := loadKey(cfg.Scheme, cfg.KeyFile)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("node", auth.ID().Short()))

	storage, err := store.NewFileStore(cfg.StorePath, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client, err := host.Dial(ctx, cfg.Endpoint, auth.ID(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	engineCfg, err := pbft.NewConfig(
		pbft.WithValidators(cfg.validatorIDs()),
		pbft.WithAuthenticator(auth),
		pbft.WithService(client),
		pbft.WithStorage(storage),
		pbft.WithPacemaker(cfg.pacemaker()),
		pbft.WithCheckpointPeriod(cfg.CheckpointPeriod),
		pbft.WithWindowSize(cfg.WindowSize),
		pbft.WithMaxBacklog(cfg.MaxBacklog),
		pbft.WithPollInterval(cfg.PollInterval),
		pbft.WithLogger(logger),
		pbft.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	engine, err := pbft.New(engineCfg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, reg, func() any { return engine.Status() })
		srv.StartAsync()
		defer func() { _ = srv.Stop() }()
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return client.Pump(gctx, engine)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("engine stopped")
		return nil
	}
	return err
}
