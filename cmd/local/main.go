// Local development entrypoint: runs the full service against the in-memory
// store, no Redis required. Single-instance only, so distributed mode stays
// off.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/fanoutservice"
	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-fanout-service/internal/app"
	"github.com/tinywideclouds/go-fanout-service/internal/ratelimit"
	"github.com/tinywideclouds/go-fanout-service/internal/test/fakes"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.DebugLevel).With().
		Timestamp().
		Str("service", "go-fanout-service-local").
		Logger()

	cfg := &config.AppConfig{
		InstanceID:          "local",
		RunMode:             "local",
		APIPort:             "8080",
		WebSocketPort:       "8081",
		SSEPort:             "8082",
		Distributed:         false,
		RedisAddr:           "in-memory",
		ChatChannel:         "fanout:chat",
		NotificationChannel: "fanout:notifications",
		PresenceTimeout:     60 * time.Second,
		PruneInterval:       30 * time.Second,
		PresenceDebounce:    250 * time.Millisecond,
		HeartbeatInterval:   10 * time.Second,
		DeadAfter:           30 * time.Second,
		ThrottlePolicy:      ratelimit.FailOpen,
		ThrottleScopes: map[string]fanout.Throttle{
			ratelimit.DefaultScope: {MaxUnits: 20, PerSeconds: 60},
		},
		DeliveryPriority: []string{"stream", "broadcast"},
		ShutdownGrace:    2 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Local configuration invalid.")
	}

	service, err := fanoutservice.New(cfg, fakes.NewStore(), nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to wire service.")
	}

	logger.Info().Msg("Fan-out service starting on the in-memory store.")
	app.Run(context.Background(), logger, service.Components()...)
}
