package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drwave/drwave/pkg/app"
	"github.com/drwave/drwave/pkg/config"
	"github.com/drwave/drwave/pkg/transport"
)

var (
	// Global flags
	configPath   string
	principal    string
	outputFormat string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drwave",
		Short: "drwave - disaster recovery wave orchestration",
		Long: `drwave drives disaster-recovery drills and recoveries through the
Elastic Disaster Recovery service, one wave of source servers at a time.

Features:
  - Recovery plans in YAML, JSON or CUE
  - Exclusive server claims across concurrent executions
  - Pause-before-wave checkpoints with resume tokens
  - Cross-account region and capacity inventory
  - Policy-gated invocations (OPA/rego)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DRWAVE_CONFIG"), "config file path")
	rootCmd.PersistentFlags().StringVar(&principal, "principal", defaultPrincipal(), "caller principal recorded in the audit log")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format (json, yaml)")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newExecutionCommand())
	rootCmd.AddCommand(newRegionsCommand())
	rootCmd.AddCommand(newCapacityCommand())
	rootCmd.AddCommand(newInventoryCommand())
	rootCmd.AddCommand(newClaimsCommand())
	rootCmd.AddCommand(newCoordinateCommand())

	return rootCmd
}

func defaultPrincipal() string {
	if p := os.Getenv("DRWAVE_PRINCIPAL"); p != "" {
		return p
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "user:" + u.Username
	}
	return ""
}

// loadApp loads the configuration and assembles the service.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// withApp runs fn against a freshly assembled service and closes it after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, a)
}

// invoke sends one operation through the dispatcher and prints its result.
func invoke(cmd *cobra.Command, op transport.Operation, params interface{}) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		return dispatch(ctx, cmd.OutOrStdout(), a.Dispatcher, op, params)
	})
}

func dispatch(ctx context.Context, out io.Writer, d *transport.Dispatcher, op transport.Operation, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	resp := d.Handle(ctx, transport.Invocation{
		Operation:       string(op),
		Parameters:      raw,
		CallerPrincipal: principal,
	})
	for _, w := range resp.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if !resp.OK {
		if len(resp.Error.Details) > 0 {
			_ = render(os.Stderr, resp.Error.Details)
		}
		return fmt.Errorf("%s failed: [%s] %s", op, resp.Error.Code, resp.Error.Message)
	}
	return render(out, resp.Result)
}

// render writes v in the selected output format.
func render(w io.Writer, v interface{}) error {
	switch outputFormat {
	case "yaml":
		// Round-trip through JSON so the json tags name the fields.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
