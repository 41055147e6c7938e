package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/refimport/tools/migrator"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the pending schema migrations and report how many are applied.

Migrations are read from [database] migrations_dir when set, from the
migrations embedded in the binary otherwise. skip_migrations is ignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

			store, err := openStore(cfg, logger, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := applyMigrations(store, cfg.Database.MigrationsDir, logger); err != nil {
				return err
			}

			p := newPrinter(rootOpts, cmd.OutOrStdout())
			applied, err := migrator.GetAppliedMigrations(store.DB)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list applied migrations", err)
			}
			if p.json() {
				return p.encode(map[string]any{"applied": applied})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d migrations applied\n", len(applied))
			return nil
		},
	}
}
