// Main entrypoint for the fan-out service: loads configuration, connects the
// coordination store, wires the service, and runs it until a signal.
package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/cmd"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-fanout-service/internal/app"
	"github.com/tinywideclouds/go-fanout-service/internal/store"
)

func main() {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "go-fanout-service").
		Logger()

	ctx := context.Background()

	baseCfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load embedded configuration.")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Configuration invalid.")
	}

	// The subscriber needs its own connection: a client in subscribe mode
	// cannot run commands.
	cmdClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	subClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		_ = cmdClient.Close()
		_ = subClient.Close()
	}()

	if err := cmdClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Coordination store unreachable.")
	}

	st, err := store.NewRedisStore(cmdClient, subClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create store.")
	}

	service, err := fanoutservice.New(cfg, st, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to wire service.")
	}

	logger.Info().Str("instance", cfg.InstanceID).Bool("distributed", cfg.Distributed).Msg("Fan-out service starting.")
	app.Run(ctx, logger, service.Components()...)
}
