package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portalstats-lab/portalstats/internal/config"
	"github.com/portalstats-lab/portalstats/internal/core/aggr"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
	"github.com/portalstats-lab/portalstats/internal/core/storage/postgres"
	"github.com/portalstats-lab/portalstats/internal/dimensions"
	"github.com/portalstats-lab/portalstats/internal/engine"
	"github.com/portalstats-lab/portalstats/internal/groups"
	"github.com/portalstats-lab/portalstats/internal/migrations"
	"github.com/portalstats-lab/portalstats/internal/server"
)

func main() {
	configPath := flag.String("config", "portalstats.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	cronInterval, err := time.ParseDuration(cfg.Aggregation.CronInterval)
	if err != nil {
		slog.Error("Invalid aggregation interval", "value", cfg.Aggregation.CronInterval, "error", err)
		os.Exit(1)
	}

	dbAdapter, err := postgres.Open(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	calendar, err := buildCalendar(cfg.Calendar.TermsDir)
	if err != nil {
		slog.Error("Failed to build interval calendar", "error", err)
		os.Exit(1)
	}

	dimensionStore := postgres.NewDimensionAdapter(dbAdapter)
	aggregationStore := postgres.NewAggregationAdapter(dbAdapter)
	statusStore := postgres.NewStatusAdapter(dbAdapter)
	groupStore := postgres.NewGroupAdapter(dbAdapter)
	eventSource := postgres.NewEventAdapter(dbAdapter)
	lockService := postgres.NewLockService(dbAdapter)

	catalog := dimensions.NewCatalog(dimensionStore, calendar)
	mapper := groups.NewMapper(groups.NewPathResolver(), groupStore)

	engineCfg, err := buildEngineConfig(cfg.Aggregation)
	if err != nil {
		slog.Error("Invalid aggregation config", "error", err)
		os.Exit(1)
	}

	eng := engine.New(
		engineCfg,
		calendar,
		catalog,
		mapper,
		eventSource,
		aggregationStore,
		statusStore,
		lockService,
	)

	scheduler := engine.NewScheduler(cronInterval, cfg.Aggregation.BatchSize, eng)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode)
	api := server.NewAPI(eng, aggregationStore, mapper)
	api.RegisterRoutes(srv.Engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Aggregation.Enabled {
		g.Go(func() error {
			return scheduler.Start(gctx)
		})
	} else {
		slog.Info("Aggregation scheduler disabled by config")
	}

	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}

// buildCalendar loads the academic terms from disk and pairs them with the
// standard calendar quarters. A missing terms directory yields a calendar
// without term coverage; term and academic-year buckets then report gaps.
func buildCalendar(termsDir string) (*interval.Calendar, error) {
	terms, err := interval.LoadTermsDir(termsDir)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		slog.Warn("No academic terms configured, term aggregation will skip all events", "dir", termsDir)
	}
	return interval.NewCalendar(terms, interval.StandardQuarters())
}

func buildEngineConfig(cfg config.AggregationConfig) (engine.Config, error) {
	intervals := make([]interval.Interval, 0, len(cfg.Intervals))
	for _, raw := range cfg.Intervals {
		iv, err := interval.Parse(raw)
		if err != nil {
			return engine.Config{}, err
		}
		intervals = append(intervals, iv)
	}

	kinds := make(map[aggr.Kind]bool, len(cfg.EnabledKinds))
	for name, enabled := range cfg.EnabledKinds {
		kinds[aggr.Kind(name)] = enabled
	}

	serverName := cfg.ServerName
	if serverName == "" {
		host, err := os.Hostname()
		if err != nil {
			return engine.Config{}, fmt.Errorf("resolve server name: %w", err)
		}
		serverName = host
	}

	return engine.Config{
		Intervals:    intervals,
		EnabledKinds: kinds,
		ServerName:   serverName,
		BatchSize:    cfg.BatchSize,
	}, nil
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
