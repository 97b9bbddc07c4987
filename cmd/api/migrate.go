package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"household/backend/internal/config"
	"household/backend/internal/db"
	"household/backend/internal/logging"
)

func migrateCMD() *cobra.Command {
	var direction string
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Environment, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			database, err := db.Open(cfg)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer database.Close()

			return db.Migrate(database, direction, steps, logger)
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}
