package main

import (
	"log/slog"

	"github.com/dom/chat-relay/internal/config"
	"github.com/dom/chat-relay/internal/logging"
	"github.com/dom/chat-relay/internal/repository/postgres"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewRootCmd creates the root command for the chat-relay server.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat-relay",
		Short: "Authenticated real-time chat relay",
		Long: `chat-relay issues session tokens, holds authenticated websocket
connections and routes conversation messages to every connected participant.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// bootstrap loads configuration and opens the database.
func bootstrap() (*config.Config, *slog.Logger, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	log := logging.Setup(cfg.LogLevel, cfg.IsProduction(), nil)
	slog.SetDefault(log)

	gormLevel := logger.Warn
	if logging.ParseLevel(cfg.LogLevel) == slog.LevelDebug {
		gormLevel = logger.Info
	}

	db, err := postgres.NewConnection(cfg.DatabaseURL, gormLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, db, nil
}
