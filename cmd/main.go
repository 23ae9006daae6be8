// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	uberzap "go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"github.com/jaredglaser/homelab-manager-sub000/internal/config"
	"github.com/jaredglaser/homelab-manager-sub000/internal/ingest"
	"github.com/jaredglaser/homelab-manager-sub000/internal/metrics"
	"github.com/jaredglaser/homelab-manager-sub000/internal/notify"
	"github.com/jaredglaser/homelab-manager-sub000/internal/poll"
	"github.com/jaredglaser/homelab-manager-sub000/internal/pool"
	"github.com/jaredglaser/homelab-manager-sub000/internal/source"
	"github.com/jaredglaser/homelab-manager-sub000/internal/store"
	"github.com/jaredglaser/homelab-manager-sub000/pkg/pipeline"
)

var (
	setupLog logr.Logger

	// CLI Options (alphabetical order)
	configPath  string
	devLogging  bool
	metricsAddr string
	watchConfig bool
)

func init() {
	flag.StringVar(&configPath, "config", "",
		"Path to the agent configuration file. Defaults plus environment variables are used when unset.")
	flag.BoolVar(&devLogging, "dev-logging", false,
		"Use the human-readable development log encoder instead of JSON.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "",
		"The address the metric endpoint binds to. Overrides the config file; set to '0' to disable.")
	flag.BoolVar(&watchConfig, "watch-config", true,
		"Reload interval settings when the configuration file changes.")
}

func main() {
	flag.Parse()

	zopts := uberzap.NewProductionConfig()
	if devLogging {
		zopts = uberzap.NewDevelopmentConfig()
	}
	z, err := zopts.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer z.Sync() //nolint:errcheck
	logger := zapr.NewLogger(z)
	setupLog = logger.WithName("setup")

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "failed to load configuration")
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil && ctx.Err() == nil {
		setupLog.Error(err, "agent exited with error")
		os.Exit(1)
	}
	setupLog.Info("agent stopped")
}

func run(ctx context.Context, logger logr.Logger, cfg config.Config) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewPipeline(registry)

	repo := store.NewPostgres(logger, db, cfg.SamplesTable)
	listener := store.NewPQListener(logger, cfg.DatabaseURL)
	defer listener.Close() //nolint:errcheck

	sshPool := pool.New(logger, pool.SSHDialer(),
		pool.WithIdleTTL(cfg.Intervals.PoolIdleTTL),
		pool.WithDialTimeout(cfg.Intervals.PoolDialTimeout),
		pool.WithSweepInterval(cfg.Intervals.PoolSweep),
		pool.WithMetrics(m))
	defer sshPool.CloseAll() //nolint:errcheck

	sources, kinds := buildSources(logger, cfg, sshPool, m)
	if len(sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	mux := source.NewMux(logger, m, sources...)
	samples, err := mux.Start(ctx)
	if err != nil {
		return fmt.Errorf("start sources: %w", err)
	}
	defer mux.Close() //nolint:errcheck

	calc := pipeline.NewRateCalculator(logger)
	runner := ingest.NewRunner(logger, calc, repo, m)

	notifySvc := notify.NewService(logger, repo, listener, notify.Config{
		Channel:          cfg.NotifyChannel,
		Sources:          kinds,
		BackoffBase:      cfg.Intervals.BackoffBase,
		BackoffCap:       cfg.Intervals.BackoffCap,
		MaxAttempts:      cfg.Intervals.MaxAttempts,
		ThrottleInterval: cfg.Intervals.ThrottleInterval,
		StaleAfter:       cfg.Intervals.StaleAfter,
	}, m)
	defer notifySvc.Stop()

	pollSvc := poll.NewService(logger,
		func(ctx context.Context, key string) ([]pipeline.RateSnapshot, error) {
			return repo.Latest(ctx, pipeline.SourceKind(key))
		},
		cfg.Intervals.PollInterval, m)
	defer pollSvc.Close()

	if watchConfig && configPath != "" {
		err := config.Watch(ctx, logger, configPath, func(c config.Config) {
			pollSvc.SetInterval(c.Intervals.PollInterval)
			notifySvc.SetThrottleInterval(c.Intervals.ThrottleInterval)
		})
		if err != nil {
			setupLog.Error(err, "config watch unavailable, continuing without reload")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx, samples)
	})
	g.Go(func() error {
		return notifySvc.Start(gctx)
	})
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != "0" {
		g.Go(func() error {
			return serveMetrics(gctx, logger, cfg.MetricsAddr, registry)
		})
	}

	setupLog.Info("agent running",
		"sources", len(sources), "metrics", cfg.MetricsAddr)
	return g.Wait()
}

// buildSources assembles the configured source adapters and the source kinds
// they cover.
func buildSources(logger logr.Logger, cfg config.Config, sshPool *pool.Pool, m *metrics.Pipeline) ([]source.Source, []pipeline.SourceKind) {
	var sources []source.Source
	var kinds []pipeline.SourceKind

	if ep := cfg.Sources.DockerEndpoint; ep != "" {
		sources = append(sources, source.NewDockerSource(logger, dockerStreamOpener(ep), m))
		kinds = append(kinds, pipeline.SourceDocker)
	}
	for _, target := range cfg.Sources.ZpoolTargets {
		zs := source.NewZpoolSource(logger, sshPool, target, m)
		zs.SetCommand(cfg.Sources.ZpoolCommand)
		sources = append(sources, zs)
	}
	if len(cfg.Sources.ZpoolTargets) > 0 {
		kinds = append(kinds, pipeline.SourceZpool)
	}
	if ep := cfg.Sources.ProxmoxEndpoint; ep != "" {
		client := source.NewProxmoxClient(ep, os.Getenv("HM_PROXMOX_TOKEN"), nil)
		sources = append(sources,
			source.NewProxmoxSource(logger, client.Snapshot, cfg.Sources.ProxmoxInterval, m))
		kinds = append(kinds, pipeline.SourceProxmox)
	}
	return sources, kinds
}

// dockerStreamOpener dials the stats stream endpoint: a unix socket path or a
// host:port emitting newline-delimited stat readings.
func dockerStreamOpener(endpoint string) source.StreamOpener {
	network := "tcp"
	if strings.HasPrefix(endpoint, "/") {
		network = "unix"
	}
	return func(ctx context.Context) (io.ReadCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, endpoint)
		if err != nil {
			return nil, fmt.Errorf("dial stats stream %s: %w", endpoint, err)
		}
		return conn, nil
	}
}

func serveMetrics(ctx context.Context, logger logr.Logger, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "metrics server shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
