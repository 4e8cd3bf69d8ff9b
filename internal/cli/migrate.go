package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/app"
	"github.com/alanyoungcy/lmsrmarket/internal/store/postgres"
	"github.com/alanyoungcy/lmsrmarket/internal/store/sqlite"
)

// MigrateCommand returns the migrate command.
func MigrateCommand(e *env) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply ledger schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			switch cfg.Store.Driver {
			case "postgres":
				if dryRun {
					names, err := postgres.MigrationNames()
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Fprintf(out, "would apply %s\n", n)
					}
					return nil
				}
				client, err := postgres.New(cmd.Context(), app.PostgresClientConfig(cfg))
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				defer client.Close()
				applied, err := client.RunMigrations(cmd.Context())
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(out, "Schema is up to date.")
					return nil
				}
				for _, n := range applied {
					fmt.Fprintf(out, "applied %s\n", n)
				}
				return nil

			case "sqlite":
				if dryRun {
					fmt.Fprintf(out, "would open %s\n", cfg.SQLite.Path)
					return nil
				}
				store, err := sqlite.Open(cfg.SQLite.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				fmt.Fprintf(out, "SQLite schema ready at %s.\n", cfg.SQLite.Path)
				return nil

			default:
				return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
			}
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list migrations without applying them")
	return cmd
}
