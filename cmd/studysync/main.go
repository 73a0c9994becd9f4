package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentworkforce/studysync/internal/config"
	"github.com/agentworkforce/studysync/internal/delivery"
	"github.com/agentworkforce/studysync/internal/offline"
	"github.com/agentworkforce/studysync/internal/syncer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand. It is filled in by the
// root command's PersistentPreRunE.
type cli struct {
	configFile string
	envFile    string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "studysync",
		Short: "Offline action queue and sync agent for the study platform",
		Long: `studysync keeps user actions and study records in a local durable store
while the remote service is unreachable, and replays them once it comes back.

Run "studysync serve" for the long-running agent (local API, connectivity
monitor, inbox watcher), or use the one-shot subcommands against the same store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Options{ConfigFile: c.configFile, DotEnv: c.envFile})
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	root.AddCommand(
		newServeCmd(c),
		newSyncCmd(c),
		newStatusCmd(c),
		newEnqueueCmd(c),
		newClearCmd(c),
	)
	return root
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// stack is one wired instance of the offline store and sync loop.
type stack struct {
	store    *offline.Store
	client   *delivery.HTTPClient
	registry *prometheus.Registry
	syncer   *syncer.Syncer
	monitor  *syncer.Monitor
	agent    *syncer.Agent
}

func (c *cli) open() (*stack, error) {
	cfg := c.cfg
	backend, err := offline.BuildBackendFromDSN(cfg.Store.DSN, c.logger.Named("store"))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open offline store %s", cfg.Store.DSN)
	}
	schemas, err := offline.NewDefaultSchemaRegistry()
	if err != nil {
		_ = backend.Close()
		return nil, pkgerrors.Wrap(err, "compile action schemas")
	}
	store := offline.NewStoreWithOptions(backend, offline.StoreOptions{
		Schemas:     schemas,
		CacheMaxAge: cfg.Store.CacheMaxAge,
	})

	var httpClient *http.Client
	if cfg.Remote.Timeout > 0 {
		httpClient = &http.Client{Timeout: cfg.Remote.Timeout}
	}
	client := delivery.NewHTTPClient(delivery.Options{
		BaseURL:       cfg.Remote.BaseURL,
		APIKey:        cfg.Remote.APIKey,
		Token:         cfg.Remote.Token,
		HealthPath:    cfg.Remote.HealthPath,
		HTTPClient:    httpClient,
		Retries:       cfg.Remote.Retries,
		RatePerSecond: cfg.Remote.RatePerSecond,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := syncer.NewMetrics(registry)
	hub := syncer.NewHub()

	s, err := syncer.New(store, client, syncer.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Logger:      c.logger.Named("syncer"),
		Metrics:     metrics,
		Hub:         hub,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	monitor := syncer.NewMonitor(client, s, syncer.MonitorOptions{
		ProbeInterval:  cfg.Sync.ProbeInterval,
		IntervalJitter: cfg.Sync.IntervalJitter,
		SyncInterval:   cfg.Sync.Interval,
		SyncTimeout:    cfg.Sync.Timeout,
		Logger:         c.logger.Named("monitor"),
		Metrics:        metrics,
		Hub:            hub,
	})
	return &stack{
		store:    store,
		client:   client,
		registry: registry,
		syncer:   s,
		monitor:  monitor,
		agent:    syncer.NewAgent(store, client, s, monitor.Online, c.logger.Named("agent")),
	}, nil
}

func (s *stack) Close() error {
	return s.store.Close()
}

// withStack opens the stack, runs fn and closes the store afterwards.
func (c *cli) withStack(ctx context.Context, fn func(context.Context, *stack) error) error {
	a, err := c.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("close offline store", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}
