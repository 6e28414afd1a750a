package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-frontier/internal/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolve(cmd.Context())
			if err != nil {
				return err
			}
			if err := migrations.Up(cfg.Database.DSN, logger); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert every applied migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolve(cmd.Context())
			if err != nil {
				return err
			}
			if err := migrations.Down(cfg.Database.DSN, logger); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			return nil
		},
	})
	return cmd
}
