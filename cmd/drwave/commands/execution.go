package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drwave/drwave/pkg/app"
	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/transport"
)

func newExecutionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Drive disaster-recovery executions",
		Long: `Create and drive executions of a recovery plan.

Every subcommand goes through the same validation, policy gate and audit log
as remote invocations. The coordinator normally drives waves on its own; these
commands are for operators stepping an execution by hand.`,
	}

	cmd.AddCommand(newExecutionCreateCommand())
	cmd.AddCommand(newExecutionWaveCommand())
	cmd.AddCommand(newExecutionIDCommand("poll", "Poll the running waves of an execution", transport.OpPollExecution))
	cmd.AddCommand(newExecutionIDCommand("finalize", "Finalize an execution whose waves are all complete", transport.OpFinalizeExecution))
	cmd.AddCommand(newExecutionIDCommand("show", "Show an execution", transport.OpGetExecution))
	cmd.AddCommand(newExecutionPauseCommand())
	cmd.AddCommand(newExecutionResumeCommand())
	cmd.AddCommand(newExecutionCancelCommand())
	cmd.AddCommand(newExecutionFailCommand())
	cmd.AddCommand(newExecutionListCommand())

	return cmd
}

type createParams struct {
	*engine.PlanSpec
	Confirmed bool `json:"confirmed,omitempty"`
}

func newExecutionCreateCommand() *cobra.Command {
	var (
		planFile  string
		confirmed bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an execution from a plan",
		Long: `Create an execution from a recovery plan file.

Every server in the plan is claimed for the new execution; the call fails
with CONFLICT if another active execution holds any of them. RECOVERY plans
launch production capacity and require --confirm.`,
		Example: `  # Start a drill
  drwave execution create --file payments.yaml

  # Start a live recovery
  drwave execution create --file payments.yaml --confirm`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(planFile)
			if err != nil {
				return err
			}
			return invoke(cmd, transport.OpCreateExecution, createParams{PlanSpec: plan, Confirmed: confirmed})
		},
	}

	cmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file or CUE package directory")
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "confirm a RECOVERY execution")
	return cmd
}

func newExecutionIDCommand(use, short string, op transport.Operation) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <execution-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, op, map[string]string{"execution_id": args[0]})
		},
	}
}

func newExecutionWaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wave <execution-id> <wave-number>",
		Short: "Start a wave's recovery job",
		Example: `  # Start wave 1
  drwave execution wave 6f1c... 1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid wave number %q", args[1])
			}
			return invoke(cmd, transport.OpCreateWave, map[string]interface{}{
				"execution_id": args[0],
				"wave_number":  n,
			})
		},
	}
}

func newExecutionPauseCommand() *cobra.Command {
	var (
		beforeWave int
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "pause <execution-id>",
		Short: "Pause a polling execution",
		Long: `Pause a polling execution. The response carries the resume token that
must be passed to "execution resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{"execution_id": args[0]}
			if cmd.Flags().Changed("before-wave") {
				params["before_wave"] = beforeWave
			}
			if reason != "" {
				params["reason"] = reason
			}
			return invoke(cmd, transport.OpPauseExecution, params)
		},
	}

	cmd.Flags().IntVar(&beforeWave, "before-wave", 0, "wave the checkpoint guards")
	cmd.Flags().StringVar(&reason, "reason", "", "why the execution is paused")
	return cmd
}

func newExecutionResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id> <token>",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, transport.OpResumeExecution, map[string]string{
				"execution_id": args[0],
				"token":        args[1],
			})
		},
	}
}

func newExecutionCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution and release its servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, transport.OpCancelExecution, map[string]string{
				"execution_id": args[0],
				"reason":       reason,
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the execution is cancelled")
	return cmd
}

func newExecutionFailCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <execution-id>",
		Short: "Mark an execution FAILED and release its servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, transport.OpFailExecution, map[string]string{
				"execution_id": args[0],
				"reason":       reason,
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the execution failed (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newExecutionListCommand() *cobra.Command {
	var (
		statuses []string
		planID   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Example: `  # Executions still in flight
  drwave execution list --status POLLING --status PAUSED`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.ExecutionFilter{PlanID: planID, Limit: limit}
			for _, s := range statuses {
				status := engine.ExecutionStatus(strings.ToUpper(s))
				if err := status.Validate(); err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				execs, err := a.Engine.List(ctx, filter)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), execs)
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only executions in these statuses")
	cmd.Flags().StringVar(&planID, "plan", "", "only executions of this plan")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of executions")
	return cmd
}
