package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drwave/drwave/pkg/app"
)

func newCoordinateCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "coordinate",
		Short: "Run the wave coordinator",
		Long: `Run the coordinator that drives every active execution on a schedule:
poll, start the next ready wave, pause before marked waves or when capacity
is short, and finalize or fail executions once their waves settle.

The process serves Prometheus metrics when telemetry.metrics is enabled and
reloads policy files when policy.watch is set.`,
		Example: `  # Run until interrupted
  drwave coordinate --config drwave.yaml

  # Run a single tick and print what it did
  drwave coordinate --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if once {
					result, err := a.Coordinator.Tick(ctx)
					if err != nil {
						return err
					}
					return render(cmd.OutOrStdout(), result)
				}

				if err := a.Telemetry.Metrics.StartMetricsServer(); err != nil {
					return err
				}
				if err := a.WatchPolicies(ctx); err != nil {
					return err
				}
				if err := a.Coordinator.Start(ctx); err != nil {
					return err
				}
				log.Info().Str("schedule", a.Config.Coordinator.Schedule).Msg("Coordinator started")

				<-ctx.Done()

				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				a.Coordinator.Stop(stopCtx)
				log.Info().Msg("Coordinator stopped")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run one tick and exit")
	return cmd
}
