package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"orcha/config"
	"orcha/logging"
	"orcha/server"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orcha",
	Short: "Chat-turn orchestrator for language-model, OCR and retrieval backends.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := srv.Close(); err != nil {
				logging.L.Warn("orcha: close resources failed", "error", err)
			}
		}()
		return srv.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return server.Migrate(cmd.Context(), cfg)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("orcha: command failed", "error", err)
		os.Exit(1)
	}
}
