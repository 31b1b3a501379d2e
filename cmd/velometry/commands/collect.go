package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/velometry/velometry/internal/cache"
	"github.com/velometry/velometry/internal/collect"
	"github.com/velometry/velometry/internal/observability"
	"github.com/velometry/velometry/internal/window"
	"github.com/velometry/velometry/pkg/version"
)

// NewCollectCommand builds the one-shot collection command.
func NewCollectCommand() *cobra.Command {
	var (
		configPath string
		rangeSpec  string
		env        string
		asJSON     bool
		diagAddr   string
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect upstream data and write the metrics artifact",
		Long: `Collect pulls every configured team's pull requests, reviews, commits,
issues, and releases from both upstreams, computes the metric payloads,
and writes the cache artifact for the requested range and environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := window.Parse(rangeSpec)
			if err != nil {
				return err
			}

			rt, err := setup(configPath, observability.ModeCollect)
			if err != nil {
				return err
			}
			defer rt.shutdown(cmd.Context())

			if diagAddr != "" {
				diag, diagErr := observability.NewDiagnosticsServer(diagAddr)
				if diagErr != nil {
					return diagErr
				}

				defer func() {
					if closeErr := diag.Close(); closeErr != nil {
						rt.logger.Warn("diagnostics server close failed", "error", closeErr)
					}
				}()

				rt.logger.Info("diagnostics listening", "addr", diag.Addr())
			}

			cm, err := observability.NewCollectionMetrics(rt.providers.Meter)
			if err != nil {
				return err
			}

			host, trk, err := buildClients(rt.cfg, env, rt.logger, cm)
			if err != nil {
				return err
			}

			store, err := cache.New(rt.cfg.Cache, nil, rt.logger)
			if err != nil {
				return err
			}

			orch, err := collect.NewOrchestrator(collect.Options{
				Config:  rt.cfg,
				Host:    host,
				Tracker: trk,
				Store:   store,
				Logger:  rt.logger,
				Metrics: cm,
				Version: version.Version,
			})
			if err != nil {
				return err
			}

			summary, err := orch.Run(cmd.Context(), spec, env)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")

				if err := enc.Encode(summary); err != nil {
					return fmt.Errorf("encode summary: %w", err)
				}
			} else {
				summary.Render(os.Stdout)
			}

			if summary.Partial() {
				rt.logger.Warn("collection finished with partial data", "jobId", summary.JobID)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	cmd.Flags().StringVarP(&rangeSpec, "range", "r", "90d", "range spec: 90d, Q1-2025, 2025, or start:end")
	cmd.Flags().StringVarP(&env, "env", "e", "", "issue-tracker environment (empty selects the primary)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job summary as JSON instead of a table")
	cmd.Flags().StringVar(&diagAddr, "diag-addr", "", "serve /healthz, /readyz, and /metrics at this address while the job runs")

	return cmd
}
