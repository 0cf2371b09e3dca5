// Package fanoutservice assembles the fan-out service from its parts: store,
// presence tracker, rate gate, registries, broadcaster, heartbeat monitor,
// notification dispatcher, and the transport and ops servers.
package fanoutservice

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-fanout-service/internal/api"
	"github.com/tinywideclouds/go-fanout-service/internal/app"
	"github.com/tinywideclouds/go-fanout-service/internal/broadcast"
	"github.com/tinywideclouds/go-fanout-service/internal/heartbeat"
	"github.com/tinywideclouds/go-fanout-service/internal/notify"
	"github.com/tinywideclouds/go-fanout-service/internal/platform/transport"
	"github.com/tinywideclouds/go-fanout-service/internal/presence"
	"github.com/tinywideclouds/go-fanout-service/internal/ratelimit"
	"github.com/tinywideclouds/go-fanout-service/internal/realtime"
	"github.com/tinywideclouds/go-fanout-service/internal/store"
)

// Service is the fully wired fan-out service.
type Service struct {
	Presence    *presence.Tracker
	Gate        *ratelimit.Gate
	Chat        *realtime.Registry
	Streams     *realtime.Registry
	Broadcaster *broadcast.Broadcaster
	Monitor     *heartbeat.Monitor
	Dispatcher  *notify.Dispatcher

	watcher    *config.Watcher
	wsServer   *transport.Server
	sseServer  *transport.Server
	opsServer  *transport.Server
	components []app.Component
}

// New wires the service over the given store. identity extracts the caller
// identity the fronting auth layer established; nil uses the header scheme.
func New(cfg *config.AppConfig, st store.Store, identity transport.IdentityFn, logger zerolog.Logger) (*Service, error) {
	tracker := presence.NewTracker(st, cfg.PresenceTimeout, logger)

	gate, err := ratelimit.NewGate(st, cfg.ThrottleScopes, cfg.ThrottlePolicy, logger)
	if err != nil {
		return nil, fmt.Errorf("create rate gate: %w", err)
	}

	broadcaster := broadcast.New(st, broadcast.Config{
		InstanceID:          cfg.InstanceID,
		ChatChannel:         cfg.ChatChannel,
		NotificationChannel: cfg.NotificationChannel,
		Enabled:             cfg.Distributed,
	}, nil, nil, logger)

	regCfg := realtime.Config{
		PresenceTimeout:  cfg.PresenceTimeout,
		PruneInterval:    cfg.PruneInterval,
		PresenceDebounce: cfg.PresenceDebounce,
		ShutdownGrace:    cfg.ShutdownGrace,
	}
	chat := realtime.NewChatRegistry(tracker, broadcaster, gate, regCfg, logger)
	streams := realtime.NewStreamRegistry(tracker, broadcaster, regCfg, logger)
	broadcaster.AttachSinks(chat, streams)

	monitor := heartbeat.NewMonitor(st, cfg.InstanceID, cfg.HeartbeatInterval, cfg.DeadAfter,
		func() int { return chat.Len() + streams.Len() }, logger)

	deliverers := make([]notify.Deliverer, 0, len(cfg.DeliveryPriority))
	for _, strategy := range cfg.DeliveryPriority {
		switch strategy {
		case "stream":
			deliverers = append(deliverers, notify.NewStreamDelivery(streams))
		case "broadcast":
			deliverers = append(deliverers, notify.NewBroadcastFallback(broadcaster))
		default:
			return nil, fmt.Errorf("unknown delivery strategy %q", strategy)
		}
	}
	dispatcher, err := notify.NewDispatcher(logger, deliverers...)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	s := &Service{
		Presence:    tracker,
		Gate:        gate,
		Chat:        chat,
		Streams:     streams,
		Broadcaster: broadcaster,
		Monitor:     monitor,
		Dispatcher:  dispatcher,
	}

	if cfg.ThrottleOverrides != "" {
		watcher, err := config.NewWatcher(cfg.ThrottleOverrides, gate.UpdateScopes, logger)
		if err != nil {
			return nil, fmt.Errorf("create throttle watcher: %w", err)
		}
		s.watcher = watcher
	}

	wsMux := http.NewServeMux()
	wsMux.Handle("/connect", transport.NewWebSocketHandler(chat, identity, logger))
	s.wsServer = transport.NewServer(cfg.WebSocketPort, wsMux, logger)

	sseMux := http.NewServeMux()
	sseMux.Handle("/events", transport.NewSSEHandler(streams, identity, logger))
	s.sseServer = transport.NewServer(cfg.SSEPort, sseMux, logger)

	opsAPI := api.NewAPI(cfg.InstanceID, tracker, monitor, broadcaster, chat, streams, logger)
	s.opsServer = transport.NewServer(cfg.APIPort, opsAPI.Routes(), logger)

	s.components = s.buildComponents()
	return s, nil
}

// buildComponents orders the lifecycle: coordination first, then connection
// handling, then the outward surfaces. app.Run shuts them down in reverse.
func (s *Service) buildComponents() []app.Component {
	components := []app.Component{
		app.Func{
			ComponentName: "Broadcaster",
			StartFn:       s.Broadcaster.Start,
			ShutdownFn:    s.Broadcaster.Stop,
		},
		app.Func{
			ComponentName: "HeartbeatMonitor",
			StartFn:       s.Monitor.Start,
			ShutdownFn:    s.Monitor.Stop,
		},
	}
	if s.watcher != nil {
		components = append(components, app.Func{
			ComponentName: "ThrottleWatcher",
			StartFn: func(ctx context.Context) error {
				s.watcher.Start(ctx)
				return nil
			},
			ShutdownFn: func(context.Context) error { return s.watcher.Close() },
		})
	}
	components = append(components,
		app.Func{
			ComponentName: "Registries",
			ShutdownFn: func(ctx context.Context) error {
				chatErr := s.Chat.Shutdown(ctx)
				if err := s.Streams.Shutdown(ctx); err != nil {
					return err
				}
				return chatErr
			},
		},
		app.Func{
			ComponentName: "WebSocketServer",
			StartFn:       s.wsServer.Start,
			ShutdownFn:    s.wsServer.Shutdown,
		},
		app.Func{
			ComponentName: "SSEServer",
			StartFn:       s.sseServer.Start,
			ShutdownFn:    s.sseServer.Shutdown,
		},
		app.Func{
			ComponentName: "OpsServer",
			StartFn:       s.opsServer.Start,
			ShutdownFn:    s.opsServer.Shutdown,
		},
	)
	return components
}

// Components returns the service's lifecycle units for app.Run.
func (s *Service) Components() []app.Component { return s.components }
