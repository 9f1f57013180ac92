package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/labcore/sample-custody/internal/database"
	"github.com/labcore/sample-custody/internal/logger"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/queue"
	"github.com/labcore/sample-custody/internal/utils"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema to the configured database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		db, err := database.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(cmd.Context(), db, cfg.DB.Driver); err != nil {
			return err
		}
		log.Info().Str("db", cfg.DB.Driver).Msg("schema up to date")
		return nil
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Log operator notifications from the RabbitMQ queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = queue.StartNotificationConsumer(ctx, cfg.RabbitMQURL, logger.Component(log, "consumer"))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint an access token for a tablet or operator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		if err := cfg.RequireServe(); err != nil {
			return err
		}
		role := model.ParseRole(tokenRole)
		if role == "" {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		tok, err := utils.NewAccessToken(cfg.JWTSecret, args[0], role, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(model.RoleTechnician), "TECHNICIAN, SUPERVISOR or FIELD")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
}
