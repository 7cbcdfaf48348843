package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drwave/drwave/pkg/config"
	"github.com/drwave/drwave/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Recovery plan tools",
	}
	cmd.AddCommand(newPlanValidateCommand())
	return cmd
}

type planSummary struct {
	PlanID  string  `json:"plan_id"`
	Kind    string  `json:"kind"`
	Waves   int     `json:"waves"`
	Servers int     `json:"servers"`
	Levels  [][]int `json:"levels"`
	Pauses  []int   `json:"pause_before,omitempty"`
}

func newPlanValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file|dir>",
		Short: "Validate a recovery plan",
		Long: `Validate a recovery plan without touching the record store.

This command checks:
  - YAML, JSON or CUE syntax
  - The #Plan schema (server and account id formats, wave shape)
  - The wave graph (contiguous numbers, acyclic dependencies, one wave per server)`,
		Example: `  # Validate a YAML plan
  drwave plan validate payments.yaml

  # Validate a CUE package
  drwave plan validate ./plans/payments`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.NewPlanLoader().LoadFile(args[0])
			if err != nil {
				var ee *engine.EngineError
				if errors.As(err, &ee) {
					if verrs, ok := ee.Details["errors"].([]config.ValidationError); ok {
						for _, ve := range verrs {
							fmt.Fprintln(os.Stderr, ve.String())
						}
					}
				}
				return err
			}

			graph, err := engine.ValidatePlan(plan)
			if err != nil {
				return err
			}
			summary := planSummary{
				PlanID:  plan.PlanID,
				Kind:    string(plan.Kind),
				Waves:   len(plan.Waves),
				Servers: len(plan.ServerIDs()),
				Levels:  graph.Levels,
			}
			for _, w := range plan.Waves {
				if w.PauseBefore {
					summary.Pauses = append(summary.Pauses, w.Number)
				}
			}
			return render(cmd.OutOrStdout(), summary)
		},
	}
	return cmd
}

// loadPlan reads a plan file for commands that create executions.
func loadPlan(path string) (*engine.PlanSpec, error) {
	if path == "" {
		return nil, fmt.Errorf("a plan file is required (--file)")
	}
	return config.NewPlanLoader().LoadFile(path)
}
