package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-fanout-service/fanoutservice/config"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

type tableRecorder struct {
	mu     sync.Mutex
	tables []map[string]fanout.Throttle
}

func (r *tableRecorder) update(scopes map[string]fanout.Throttle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, scopes)
}

func (r *tableRecorder) latest() map[string]fanout.Throttle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tables) == 0 {
		return nil
	}
	return r.tables[len(r.tables)-1]
}

func (r *tableRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

func writeOverrides(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "throttles.yaml")
	writeOverrides(t, path, "scopes:\n  default:\n    max_units: 10\n    per_seconds: 60\n")

	recorder := &tableRecorder{}
	w, err := config.NewWatcher(path, recorder.update, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Close() }()

	// Start applies the file immediately.
	require.Equal(t, 1, recorder.count())
	assert.Equal(t, fanout.Throttle{MaxUnits: 10, PerSeconds: 60}, recorder.latest()["default"])

	writeOverrides(t, path, "scopes:\n  default:\n    max_units: 5\n    per_seconds: 30\n  busy-room:\n    max_units: 50\n    per_seconds: 60\n")

	assert.Eventually(t, func() bool {
		table := recorder.latest()
		return table["default"] == fanout.Throttle{MaxUnits: 5, PerSeconds: 30} && len(table) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_KeepsTableOnBrokenWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "throttles.yaml")
	writeOverrides(t, path, "scopes:\n  default:\n    max_units: 10\n    per_seconds: 60\n")

	recorder := &tableRecorder{}
	w, err := config.NewWatcher(path, recorder.update, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Close() }()
	require.Equal(t, 1, recorder.count())

	writeOverrides(t, path, "scopes: [not, a, map")
	writeOverrides(t, path, "scopes:\n  busy-room:\n    max_units: 50\n    per_seconds: 60\n")

	// Neither the parse failure nor the default-less table reaches the gate.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, recorder.count())
}
