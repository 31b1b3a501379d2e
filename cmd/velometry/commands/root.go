// Package commands implements the velometry CLI commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/githost"
	"github.com/velometry/velometry/internal/observability"
	"github.com/velometry/velometry/internal/tracker"
	"github.com/velometry/velometry/pkg/version"
)

// runtime bundles everything a command needs after startup.
type runtime struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
}

// setup loads the configuration and initializes telemetry for one command
// invocation. Callers must invoke shutdown before exiting.
func setup(configPath string, mode observability.AppMode) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(observability.Config{
		ServiceName:    "velometry",
		ServiceVersion: version.Version,
		Mode:           mode,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		LogLevel:       observability.ParseLevel(cfg.Observability.LogLevel),
		LogJSON:        cfg.Observability.LogJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	return &runtime{cfg: cfg, providers: providers, logger: providers.Logger}, nil
}

// shutdown flushes telemetry; failures are logged, not returned, since the
// command's own result matters more.
func (rt *runtime) shutdown(ctx context.Context) {
	if err := rt.providers.Shutdown(ctx); err != nil {
		rt.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

// buildClients opens one source-host session and one tracker session for the
// named environment. The source-host window is shifted back by the
// environment's configured lag so both upstreams cover the same period.
func buildClients(
	cfg *config.Config, env string, logger *slog.Logger, cm *observability.CollectionMetrics,
) (*githost.Client, *tracker.Client, error) {
	envCfg, err := cfg.IssueTracker.Environment(env)
	if err != nil {
		return nil, nil, err
	}

	host, err := githost.NewClient(githost.Options{
		Config:         cfg.SourceHost,
		TimeOffsetDays: envCfg.TimeOffsetDays,
		Classification: cfg.Releases.Classification,
		Logger:         logger,
		Metrics:        cm,
	})
	if err != nil {
		return nil, nil, err
	}

	trk, err := tracker.NewClient(tracker.Options{
		Config:      cfg.IssueTracker,
		Environment: env,
		Logger:      logger,
		Metrics:     cm,
	})
	if err != nil {
		return nil, nil, err
	}

	return host, trk, nil
}
