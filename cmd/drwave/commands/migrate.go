package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drwave/drwave/pkg/config"
	"github.com/drwave/drwave/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the record store schema",
		Long: `Apply the SQLite schema migrations.

DynamoDB tables are provisioned outside drwave; for the dynamodb driver this
command only checks that the tables are reachable.`,
		Example: `  # Create or upgrade the local database
  drwave migrate --config drwave.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if cfg.Store.Driver == config.DriverDynamoDB {
				a, err := loadApp(ctx)
				if err != nil {
					return err
				}
				defer func() { _ = a.Close(ctx) }()
				if err := a.Store.HealthCheck(ctx); err != nil {
					return fmt.Errorf("dynamodb tables are not reachable: %w", err)
				}
				log.Info().Str("table", cfg.Store.Dynamo.ExecutionsTable).Msg("DynamoDB tables reachable")
				return nil
			}

			store, err := stores.NewSQLiteStore(cfg.Store.SQLite)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Str("path", cfg.Store.SQLite.Path).Msg("Database migrated")
			return nil
		},
	}
	return cmd
}
