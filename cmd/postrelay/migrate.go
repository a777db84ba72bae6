package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/postrelay/internal/runtime/logging"
	"github.com/drblury/postrelay/internal/store/sqlstore"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the record store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseDriver == "" || cfg.DatabaseDriver == "memory" {
				return fmt.Errorf("migrate: driver %q has no schema", cfg.DatabaseDriver)
			}

			db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}

			if err := sqlstore.Migrate(db, cfg.DatabaseDriver, !down); err != nil {
				return err
			}
			log.Info("Migrations applied", logging.LogFields{"driver": cfg.DatabaseDriver, "down": down})
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert every migration")
	return cmd
}
