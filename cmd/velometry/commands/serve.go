package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/velometry/velometry/internal/cache"
	"github.com/velometry/velometry/internal/collect"
	"github.com/velometry/velometry/internal/events"
	"github.com/velometry/velometry/internal/observability"
	"github.com/velometry/velometry/internal/perftrack"
	"github.com/velometry/velometry/internal/server"
	"github.com/velometry/velometry/internal/window"
	"github.com/velometry/velometry/pkg/version"
)

// shutdownTimeout bounds connection draining on exit.
const shutdownTimeout = 10 * time.Second

// NewServeCommand builds the dashboard server command.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API",
		Long: `Serve runs the dashboard HTTP server: metric reads out of the cache,
CSV/JSON exports, cache administration, and the request-performance
surface. Manual refresh requests are dispatched to the collection
pipeline through the event bus.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(configPath, observability.ModeServe)
			if err != nil {
				return err
			}
			defer rt.shutdown(context.Background())

			return runServe(cmd.Context(), rt)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	return cmd
}

func runServe(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger

	bus := events.NewBus(events.BusConfig{
		AsyncWorkers: cfg.Events.AsyncWorkers,
		HistorySize:  cfg.Events.HistorySize,
		Logger:       logger,
	})
	defer bus.Close()

	store, err := cache.New(cfg.Cache, bus, logger)
	if err != nil {
		return err
	}

	perf, err := perftrack.Open(perftrack.Options{Config: cfg.Performance, Logger: logger})
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := perf.Close(); closeErr != nil {
			logger.Warn("performance tracker close failed", "error", closeErr)
		}
	}()

	promHandler, promMP, err := observability.PrometheusHandler()
	if err != nil {
		return err
	}

	meter := promMP.Meter("velometry")

	red, err := observability.NewREDMetrics(meter)
	if err != nil {
		return err
	}

	err = observability.RegisterCacheMetrics(meter, func() observability.CacheSnapshot {
		st := store.Stats()

		return observability.CacheSnapshot{
			Hits:    st.MemoryHits,
			Misses:  st.Misses,
			Entries: int64(st.EntryCount),
			Bytes:   st.CurrentBytes,
		}
	})
	if err != nil {
		return err
	}

	if err := wireRefresh(ctx, rt, bus, store); err != nil {
		return err
	}

	if warmed := store.Warm(ctx); len(warmed) > 0 {
		logger.Info("cache warmed", "keys", warmed)
	}

	srv, err := server.New(server.Options{
		Config:  cfg,
		Store:   store,
		Bus:     bus,
		Perf:    perf,
		Logger:  logger,
		Metrics: promHandler,
		Tracer:  rt.providers.Tracer,
		RED:     red,
		Ready: []observability.ReadyCheck{
			observability.DirectoryCheck(cfg.Cache.Directory),
		},
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)

	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		return err
	}

	return <-errCh
}

// wireRefresh subscribes the collection pipeline to MANUAL_REFRESH events.
// Without upstream credentials the server still serves existing artifacts;
// refresh requests are accepted but logged as undeliverable.
func wireRefresh(ctx context.Context, rt *runtime, bus *events.Bus, store *cache.Store) error {
	cfg, logger := rt.cfg, rt.logger

	if cfg.SourceHost.Token == "" || cfg.IssueTracker.Server == "" {
		logger.Warn("refresh collection disabled: upstream credentials not configured")

		return nil
	}

	cm, err := observability.NewCollectionMetrics(rt.providers.Meter)
	if err != nil {
		return err
	}

	return bus.SubscribeAsync(events.ManualRefresh, "serve.refresh", func(_ context.Context, evt events.Event) {
		rangeSpec, _ := evt.Payload["rangeSpec"].(string)
		env, _ := evt.Payload["environment"].(string)

		spec, parseErr := window.Parse(rangeSpec)
		if parseErr != nil {
			logger.Warn("refresh event with bad range spec", "eventId", evt.ID, "rangeSpec", rangeSpec)

			return
		}

		host, trk, buildErr := buildClients(cfg, env, logger, cm)
		if buildErr != nil {
			logger.Error("refresh client setup failed", "eventId", evt.ID, "error", buildErr)

			return
		}

		orch, orchErr := collect.NewOrchestrator(collect.Options{
			Config:  cfg,
			Host:    host,
			Tracker: trk,
			Store:   store,
			Bus:     bus,
			Logger:  logger,
			Metrics: cm,
			Version: version.Version,
		})
		if orchErr != nil {
			logger.Error("refresh orchestrator setup failed", "eventId", evt.ID, "error", orchErr)

			return
		}

		// Bound by the server's lifetime, not the publishing request's.
		summary, runErr := orch.Run(ctx, spec, env)
		if runErr != nil {
			logger.Error("refresh collection failed", "eventId", evt.ID, "error", runErr)

			return
		}

		logger.Info("refresh collection finished",
			"eventId", evt.ID, "jobId", summary.JobID, "partial", summary.Partial())
	})
}

// NewVersionCommand reports the build identity.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
