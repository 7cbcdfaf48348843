package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drwave/drwave/pkg/app"
	"github.com/drwave/drwave/pkg/transport"
)

func newInventoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Region and capacity inventory",
	}
	cmd.AddCommand(newInventoryRefreshCommand())
	return cmd
}

func newInventoryRefreshCommand() *cobra.Command {
	var accounts []string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the region/capacity records",
		Long: `Query the recovery service in every region of every account and rewrite
the region/capacity records, then drop the cached inventory.

A region that fails to answer is recorded as ERROR; a region where the
service was never initialized is recorded as UNINITIALIZED.`,
		Example: `  # Refresh the linked accounts from the config
  drwave inventory refresh

  # Refresh specific accounts
  drwave inventory refresh --account 111122223333 --account 444455556666`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ids := accounts
				if len(ids) == 0 {
					ids = a.Config.AWS.LinkedAccounts
				}
				if len(ids) == 0 {
					return fmt.Errorf("no accounts given and aws.linked_accounts is empty")
				}

				result, err := a.Refresher.Refresh(ctx, ids)
				if err != nil {
					return err
				}
				log.Info().
					Int("active", result.Active).
					Int("failed", result.Failed).
					Int("uninitialized", result.Uninitialized).
					Msg("Inventory refreshed")
				return render(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().StringSliceVar(&accounts, "account", nil, "account to refresh (repeatable)")
	return cmd
}

func newClaimsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Server claims held by executions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List current server claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				claims, err := a.Claims.Claims(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), claims)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Release claims held by finished or missing executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, transport.OpSweepClaims, struct{}{})
		},
	})

	return cmd
}
