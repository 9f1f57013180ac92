// Command labcore runs the sample custody service and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "labcore",
	Short:         "Sample custody service: lifecycle, storage allocation and offline sync",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, consumeCmd, tokenCmd)
}

// bootstrap loads the configuration and builds the root logger.
func bootstrap() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, log.With().Str("env", cfg.Env).Logger(), nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "labcore:", err)
		os.Exit(1)
	}
}
