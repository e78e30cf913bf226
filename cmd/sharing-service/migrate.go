package main

import (
	"errors"
	"fmt"

	"github.com/Dhoini/Sharing-microservice/internal/repository/postgres"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/spf13/cobra"
)

var migrateSteps int

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, log, err := migrationTarget()
			if err != nil {
				return err
			}
			return postgres.MigrateUp(dsn, log)
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, log, err := migrationTarget()
			if err != nil {
				return err
			}
			return postgres.MigrateDown(dsn, migrateSteps, log)
		},
	}
	down.Flags().IntVarP(&migrateSteps, "steps", "n", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, log, err := migrationTarget()
			if err != nil {
				return err
			}
			v, dirty, err := postgres.Version(dsn, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func migrationTarget() (string, *logger.Logger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return "", nil, err
	}
	if cfg.Database.DSN == "" {
		return "", nil, errors.New("database.dsn is not configured")
	}
	return cfg.Database.DSN, log.Named("migrate"), nil
}
