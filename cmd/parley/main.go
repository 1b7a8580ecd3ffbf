package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Telegram chat-agent gateway",
	Long: `Parley sits between Telegram and Anthropic's Messages API: it turns
message bursts into per-thread agent turns, streams replies as edited
drafts, runs tools, and bills prepaid balances for the resources used.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads .env first so viper's AutomaticEnv sees it
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := logger.SetLogLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	logger.SetLogFormat(cfg.Logging.Format)

	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
