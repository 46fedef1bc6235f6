// Package iam parses IAM service flags and launches the service.
package iam

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/louisbranch/iam/internal/platform/cmd"
	"github.com/louisbranch/iam/internal/platform/logging"
	server "github.com/louisbranch/iam/internal/services/iam/app"
	"go.uber.org/zap"
)

// Config holds IAM command configuration.
type Config struct {
	Service server.Config
	Log     logging.Config
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Service.HTTPAddr, "http-addr", cfg.Service.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.Service.GRPCHealthAddr, "grpc-health-addr", cfg.Service.GRPCHealthAddr, "gRPC health listen address (disabled when empty)")
	fs.StringVar(&cfg.Service.DBPath, "db-path", cfg.Service.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.Service.Passkey.Validate(); err != nil {
		return Config{}, fmt.Errorf("passkey config: %w", err)
	}
	return cfg, nil
}

// Run starts the IAM HTTP API service.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger = logger.With(zap.String("service", entrypoint.ServiceIAM))
	return runService(ctx, logger, func(ctx context.Context) error {
		return server.Run(ctx, cfg.Service, logger)
	})
}

// runService runs serve under telemetry and records a failed run in the
// service log before handing the error back to the caller.
func runService(ctx context.Context, logger *zap.Logger, serve func(context.Context) error) error {
	err := entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceIAM, entrypoint.RunOptions{Logger: logger}, serve)
	if err != nil {
		logger.Error("iam service stopped", zap.Error(err))
	}
	return err
}
