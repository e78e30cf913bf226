package main

import (
	"fmt"
	"os"

	"github.com/Dhoini/Sharing-microservice/internal/config"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "sharing-service",
		Short:         "Shared subscription groups and payment reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to YAML config (optional)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig читает конфигурацию и создает логгер под окружение
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.NewWithEnv(logger.ParseLevel(cfg.App.LogLevel), cfg.App.Env)
	return cfg, log, nil
}
