// Package app contains the shared, reusable logic for starting and stopping
// the service's components.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// Component is one long-running part of the service. Start blocks until the
// component stops; Shutdown asks it to stop.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run executes the application lifecycle: every component starts in its own
// goroutine, a failing component or an OS signal triggers shutdown, and
// components are shut down in reverse start order under one deadline.
func Run(ctx context.Context, logger zerolog.Logger, components ...Component) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, component := range components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			logger.Info().Str("component", c.Name()).Msg("Starting component...")
			err := c.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("component", c.Name()).Msg("Component failed.")
				cancel()
			}
		}(component)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		logger.Info().Str("component", c.Name()).Msg("Shutting down component...")
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("component", c.Name()).Msg("Component shutdown failed.")
		}
	}

	wg.Wait()
	logger.Info().Msg("All components shut down gracefully.")
}

// Func adapts start/shutdown closures into a Component.
type Func struct {
	ComponentName string
	StartFn       func(ctx context.Context) error
	ShutdownFn    func(ctx context.Context) error
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) Start(ctx context.Context) error {
	if f.StartFn == nil {
		<-ctx.Done()
		return nil
	}
	return f.StartFn(ctx)
}

func (f Func) Shutdown(ctx context.Context) error {
	if f.ShutdownFn == nil {
		return nil
	}
	return f.ShutdownFn(ctx)
}
