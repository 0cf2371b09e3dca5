package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-fanout-service/internal/ratelimit"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// overridesFile is the hot-reloadable throttle table.
type overridesFile struct {
	Scopes map[string]fanout.Throttle `yaml:"scopes"`
}

// Watcher hot-reloads the throttle overrides file and hands each valid new
// table to the update callback. A broken write keeps the previous table.
type Watcher struct {
	path     string
	onUpdate func(map[string]fanout.Throttle)
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	started  atomic.Bool
}

// NewWatcher builds a watcher for path; onUpdate receives every valid reload.
func NewWatcher(path string, onUpdate func(map[string]fanout.Throttle), logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	// Watch the directory: editors and config mounts replace the file
	// rather than writing it in place.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     path,
		onUpdate: onUpdate,
		logger:   logger.With().Str("component", "ThrottleWatcher").Str("file", path).Logger(),
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start applies the current file once, then follows writes until the context
// ends or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.started.Store(true)
	w.reload()
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error.")
		}
	}
}

// reload parses the overrides file and pushes a valid table to the callback.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Overrides file unreadable, keeping current throttle table.")
		return
	}
	var parsed overridesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		w.logger.Warn().Err(err).Msg("Overrides file unparsable, keeping current throttle table.")
		return
	}
	def, ok := parsed.Scopes[ratelimit.DefaultScope]
	if !ok || def.MaxUnits <= 0 || def.PerSeconds <= 0 {
		w.logger.Warn().Msg("Overrides file missing a positive default scope, keeping current throttle table.")
		return
	}

	w.onUpdate(parsed.Scopes)
	w.logger.Info().Int("scopes", len(parsed.Scopes)).Msg("Throttle table reloaded.")
}

// Close stops the watcher and waits for the follow loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	if w.started.Load() {
		<-w.done
	}
	return err
}
