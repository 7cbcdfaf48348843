package commands

import (
	"github.com/spf13/cobra"

	"github.com/drwave/drwave/pkg/transport"
)

func newRegionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List regions with an initialized recovery service",
		Long: `List the regions where at least one account has an initialized recovery
service, from the cached inventory. When the inventory is unavailable or empty
the static region list is returned instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, transport.OpActiveRegions, struct{}{})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Drop the cached region inventory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, transport.OpInvalidateRegions, struct{}{})
		},
	})

	return cmd
}

func newCapacityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "capacity <account-id> [account-id...]",
		Short: "Show replication capacity per account",
		Long: `Show replicating servers against the per-account ceiling, with the
utilization status (OK, INFO, WARNING, CRITICAL, HYPER_CRITICAL).

With more than one account the combined capacity is reported as well.`,
		Example: `  # One account
  drwave capacity 111122223333

  # Several accounts
  drwave capacity 111122223333 444455556666`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return invoke(cmd, transport.OpAccountCapacity, map[string]string{"account_id": args[0]})
			}
			return invoke(cmd, transport.OpCombinedCapacity, map[string][]string{"account_ids": args})
		},
	}
}
