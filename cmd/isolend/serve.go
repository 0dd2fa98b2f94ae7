package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"isolend/observability/exporter"
	"isolend/protocol"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		listen       string
		scenarioPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose protocol metrics for scraping until interrupted",
		Long: `serve boots the deployment, optionally replays --scenario, and then serves
/metrics and /healthz on the telemetry listen address until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if v := strings.TrimSpace(listen); v != "" {
				cfg.Telemetry.Listen = v
			}
			logger, closer := setupLogger(cfg, cmd.ErrOrStderr())
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := openDeployment(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()

			if strings.TrimSpace(scenarioPath) != "" {
				sc, err := protocol.LoadScenario(scenarioPath)
				if err != nil {
					return err
				}
				if _, err := d.protocol.Run(ctx, sc); err != nil {
					return err
				}
			}

			handler := exporter.NewHandler(exporter.Options{
				RateLimit: exporter.RateLimit{
					RequestsPerMinute: cfg.Telemetry.RequestsPerMinute,
					Burst:             cfg.Telemetry.Burst,
				},
				Tracing: cfg.Telemetry.Traces,
				Health: func() map[string]any {
					return map[string]any{"period": d.protocol.Clock().Current(), "env": cfg.Environment}
				},
				Logger: logger,
			})
			return exporter.Serve(ctx, cfg.Telemetry.Listen, handler, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "scrape endpoint address override")
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "optional YAML scenario to replay before serving")
	return cmd
}
