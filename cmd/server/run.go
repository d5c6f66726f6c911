package main

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"strata/api/grpcserver"
	"strata/api/httpadmin"
	"strata/catalog"
	"strata/config"
	"strata/infra/logging"
	"strata/infra/memtable"
	"strata/infra/metrics"
	"strata/infra/predicate"
	"strata/infra/segstore"
	"strata/infra/wal"
	"strata/infra/wal/backends"
	"strata/jobs/truncator"
	"strata/service"
)

// loadConfig layers defaults, the config file, STRATA_* variables and then
// command-line flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := config.FromEnv(&cfg); err != nil {
		return cfg, errors.Wrap(err, "environment")
	}
	override := func(flag string, dst *string) {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	override("grpc", &cfg.Server.GRPCAddr)
	override("http", &cfg.Server.HTTPAddr)
	override("log-level", &cfg.Log.Level)
	mode := string(cfg.WAL.Mode)
	override("wal-mode", &mode)
	cfg.WAL.Mode = config.WALMode(mode)

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger, levels := logging.NewLeveled(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// ---------------- WAL ----------------

	backend, err := backends.Open(cfg.WAL, logging.Component(logger, "wal-backend"))
	if err != nil {
		return errors.Wrap(err, "open wal backend")
	}
	mgr := wal.NewManager(backend, wal.ManagerOptions{
		Logger:             logger,
		Metrics:            metrics.NewWAL(reg, string(backend.Kind())),
		RecoverParallelism: cfg.WAL.RecoverParallelism,
	})
	defer func() {
		if err := mgr.Close(); err != nil {
			level.Error(logger).Log("msg", "close wal manager", "err", err)
		}
	}()

	// ---------------- Storage ----------------

	cat, err := catalog.FromConfig(cfg.Tables)
	if err != nil {
		return err
	}
	if cfg.Store.Dir != "" {
		if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
			return errors.Wrapf(err, "create store dir %s", cfg.Store.Dir)
		}
	}
	store, err := segstore.Open(segstore.Options{
		Dir:    cfg.Store.Dir,
		NoSync: !cfg.WAL.Fsync,
		Logger: logging.Component(logger, "segstore"),
	})
	if err != nil {
		return errors.Wrap(err, "open segment store")
	}
	defer store.Close()

	// ---------------- Service ----------------

	retry := cfg.Ingest.Retry
	svc := service.New(cat, mgr, memtable.New(cfg.Store.MaxBufferRows), store, service.Options{
		Retry: service.RetryPolicy{
			MaxAttempts: retry.MaxAttempts,
			BaseBackoff: retry.BaseBackoff,
			MaxBackoff:  retry.MaxBackoff,
		},
		DefaultBatchSize:       cfg.Query.DefaultBatchSize,
		DefaultReadParallelism: cfg.Query.DefaultReadParallelism,
		Evaluator:              predicate.CEL{},
		IngestMetrics:          metrics.NewIngest(reg),
		QueryMetrics:           metrics.NewQuery(reg),
		Logger:                 logger,
		AwaitReplay:            true,
	})

	grpcSrv := grpcserver.New(svc, grpcserver.Options{
		Logger:          logger,
		MaxRecvMsgBytes: cfg.Server.MaxRecvMsgBytes,
		MaxSendMsgBytes: cfg.Server.MaxSendMsgBytes,
	})
	admin := httpadmin.New(svc, reg, logger).WithLogLevel(levels)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcSrv.ListenAndServe(gctx, cfg.Server.GRPCAddr) })
	g.Go(func() error { return admin.ListenAndServe(gctx, cfg.Server.HTTPAddr) })

	// ---------------- Recovery ----------------

	// Servers are already up so /ready reports recovery; writes and reads
	// answer not-ready until it completes.
	start := time.Now()
	failed, err := mgr.RecoverAll(gctx)
	if err != nil {
		return err
	}
	for id, ferr := range failed {
		level.Error(logger).Log("msg", "region failed recovery", "region", id, "err", ferr)
	}
	for name, rerr := range svc.ReplayAll(gctx, cfg.WAL.RecoverParallelism) {
		level.Error(logger).Log("msg", "replay failed", "table", name, "err", rerr)
	}
	level.Info(logger).Log("msg", "strata ready", "wal_mode", cfg.WAL.Mode, "tables", len(cat.List()), "startup", time.Since(start))

	// ---------------- Background Jobs ----------------

	jobs := truncator.New(svc, truncator.Options{
		TruncateInterval: cfg.Jobs.TruncateInterval,
		FlushInterval:    cfg.Jobs.FlushInterval,
		TruncateRate:     cfg.Jobs.TruncateRate,
		Logger:           logger,
	})
	jobs.Start(gctx)

	err = g.Wait()
	level.Info(logger).Log("msg", "shutting down")
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	if _, ferr := svc.FlushAll(flushCtx); ferr != nil {
		level.Warn(logger).Log("msg", "final flush", "err", ferr)
	}
	return err
}
