// cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/convertica/convertica/internal/identity"
	"github.com/convertica/convertica/internal/logging"
	"github.com/convertica/convertica/internal/metrics"
	"github.com/convertica/convertica/internal/quota"
	"github.com/convertica/convertica/internal/ratelimit"
	"github.com/convertica/convertica/internal/runs"
	"github.com/convertica/convertica/internal/server"
	"github.com/convertica/convertica/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversion API gate",
	Long: `Starts the HTTP API together with the stuck run sweeper and the run
event syncer. Stops cleanly on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.Flags())
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	db, err := openDatabase(cmd, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rc, err := connectRedis(cmd, cfg)
	if err != nil {
		return err
	}
	defer rc.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	runStore, err := runs.NewStore(ctx, db)
	if err != nil {
		return err
	}
	users, err := identity.NewStore(ctx, db)
	if err != nil {
		return err
	}

	policies, err := cfg.Policies()
	if err != nil {
		return err
	}

	backend := quota.NewRedisBackend(rc.Raw(), redisKeyPrefix)
	evaluator := ratelimit.NewEvaluator(ratelimit.EvaluatorConfig{
		Quota:   quota.NewStore(backend, logger, m),
		Stats:   ratelimit.NewStatsRecorder(backend, logger, m),
		Logger:  logger,
		Metrics: m,
	})

	streams := make([]string, 0, len(tasks.Queues))
	for _, q := range tasks.Queues {
		streams = append(streams, tasks.StreamName(q))
	}
	if err := rc.EnsureConsumerGroups(ctx, streams, tasks.WorkerGroup); err != nil {
		return err
	}

	guard := ratelimit.NewIPGuard(cfg.Server.OpsRPS, cfg.Server.OpsBurst)
	defer guard.Stop()

	srv, err := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Version:      Version,
		Routes:       cfg.Conversions,
	}, server.Deps{
		Policies:   policies,
		Evaluator:  evaluator,
		Recorder:   runs.NewRecorder(runStore, logger, m),
		Runs:       runStore,
		Dispatcher: tasks.NewDispatcher(rc, logger, m),
		Users:      users,
		Reporter:   ratelimit.NewReporter(backend, cfg.GroupNames()),
		Guard:      guard,
		Metrics:    m,
		Checks: map[string]server.HealthCheck{
			"redis":    rc.Ping,
			"database": db.PingContext,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	sweeper := runs.NewSweeper(runs.SweeperConfig{
		Store:      runStore,
		StuckAfter: cfg.Maintenance.StuckAfter,
		Interval:   cfg.Maintenance.SweepInterval,
		Logger:     logger,
		Metrics:    m,
	})
	syncer := runs.NewSyncer(runs.SyncerConfig{
		Store:     runStore,
		PublishFn: runs.StreamPublisher(rc, runs.EventsStream),
		Interval:  cfg.Maintenance.SyncInterval,
		BatchSize: cfg.Maintenance.SyncBatchSize,
		Logger:    logger,
	})

	logger.Info("starting convertica",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("database", db.Driver()),
		zap.Int("routes", len(cfg.Conversions)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error { return syncer.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}
