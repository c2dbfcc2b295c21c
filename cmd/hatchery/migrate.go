package main

import (
	"github.com/spf13/cobra"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/config"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/store"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var (
		direction string
		steps     int
	)
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			if err := store.Migrate(cfg.Storage.Postgres.DSN(), direction, steps); err != nil {
				return err
			}
			cmd.Printf("migrations %s applied\n", direction)
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
