// Package heartbeat advertises this instance's liveness in the coordination
// store and reaps the records of instances that stopped heartbeating.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tinywideclouds/go-fanout-service/internal/store"
)

const (
	recordKeyPrefix = "instance:"
	indexKey        = "instances"
)

// InstanceRecord is this instance's liveness advertisement. It is written
// with a short expiry so an unclean process exit self-heals, and indexed in a
// sorted set scored by last-heartbeat millis so sweeps can find dead peers.
type InstanceRecord struct {
	InstanceID    string `json:"instanceId"`
	StartedAt     int64  `json:"startedAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	Connections   int    `json:"connections"`
}

// Monitor maintains this instance's record and sweeps dead peers. Presence
// cleanup is left to the presence tracker's own TTL pruning, not duplicated
// here.
type Monitor struct {
	store store.Store

	instanceID    string
	startedAt     time.Time
	interval      time.Duration
	deadThreshold time.Duration
	connCount     func() int
	logger        zerolog.Logger
	clock         func() time.Time

	heartbeatCounter metric.Int64Counter
	reapedCounter    metric.Int64Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a heartbeat monitor. connCount is an injected accessor
// for the instance's current local connection count.
func NewMonitor(
	st store.Store,
	instanceID string,
	interval time.Duration,
	deadThreshold time.Duration,
	connCount func() int,
	logger zerolog.Logger,
) *Monitor {
	meter := otel.Meter("heartbeat-monitor")
	heartbeats, _ := meter.Int64Counter("instance_heartbeats_total",
		metric.WithDescription("Total heartbeat records written"))
	reaped, _ := meter.Int64Counter("instances_reaped_total",
		metric.WithDescription("Total dead instance records reaped"))

	return &Monitor{
		store:            st,
		instanceID:       instanceID,
		interval:         interval,
		deadThreshold:    deadThreshold,
		connCount:        connCount,
		logger:           logger.With().Str("component", "HeartbeatMonitor").Str("instance", instanceID).Logger(),
		clock:            time.Now,
		heartbeatCounter: heartbeats,
		reapedCounter:    reaped,
	}
}

func recordKey(instanceID string) string { return recordKeyPrefix + instanceID }

// Start writes the first record immediately, then refreshes it on the
// heartbeat interval and sweeps dead instances on the (longer) threshold
// interval, until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("monitor already started")
	}

	m.startedAt = m.clock()
	if err := m.writeRecord(ctx); err != nil {
		// Non-fatal: the next tick retries; an instance without a record
		// simply looks dead to its peers until one succeeds.
		m.logger.Warn().Err(err).Msg("Initial instance record write failed.")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)
	m.logger.Info().Dur("interval", m.interval).Dur("dead_threshold", m.deadThreshold).Msg("Heartbeat monitor started.")
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	beat := time.NewTicker(m.interval)
	defer beat.Stop()
	sweep := time.NewTicker(m.deadThreshold)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if err := m.writeRecord(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Heartbeat write failed.")
			}
		case <-sweep.C:
			m.sweepDead(ctx)
		}
	}
}

// writeRecord upserts this instance's record (short expiry) and its index
// entry scored at the heartbeat time.
func (m *Monitor) writeRecord(ctx context.Context) error {
	now := m.clock()
	record := InstanceRecord{
		InstanceID:    m.instanceID,
		StartedAt:     m.startedAt.UnixMilli(),
		LastHeartbeat: now.UnixMilli(),
		Connections:   m.connCount(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}

	if err := m.store.SetWithTTL(ctx, recordKey(m.instanceID), string(data), 2*m.interval+m.interval/2); err != nil {
		return fmt.Errorf("write instance record: %w", err)
	}
	if err := m.store.ZAdd(ctx, indexKey, float64(now.UnixMilli()), m.instanceID); err != nil {
		return fmt.Errorf("index instance record: %w", err)
	}
	m.heartbeatCounter.Add(ctx, 1)
	return nil
}

// sweepDead deletes records of instances whose last heartbeat is older than
// the dead-instance threshold. Idempotent and safe to run concurrently with
// peers sweeping the same index.
func (m *Monitor) sweepDead(ctx context.Context) {
	cutoff := float64(m.clock().Add(-m.deadThreshold).UnixMilli())

	members, err := m.store.ZRange(ctx, indexKey, 0, -1)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Dead-instance sweep failed to list index.")
		return
	}

	var reaped int64
	for _, member := range members {
		if member.Score > cutoff {
			continue
		}
		if err := m.store.ZRem(ctx, indexKey, member.Value); err != nil {
			m.logger.Warn().Err(err).Str("peer", member.Value).Msg("Failed to remove dead instance from index.")
			continue
		}
		if err := m.store.Delete(ctx, recordKey(member.Value)); err != nil {
			m.logger.Warn().Err(err).Str("peer", member.Value).Msg("Failed to delete dead instance record.")
		}
		reaped++
		m.logger.Info().Str("peer", member.Value).Msg("Reaped dead instance record.")
	}
	if reaped > 0 {
		m.reapedCounter.Add(ctx, reaped)
	}
}

// ActiveInstances returns the decoded records of instances whose heartbeat is
// inside the liveness threshold.
func (m *Monitor) ActiveInstances(ctx context.Context) ([]InstanceRecord, error) {
	cutoff := float64(m.clock().Add(-m.deadThreshold).UnixMilli())

	members, err := m.store.ZRange(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list instance index: %w", err)
	}

	records := make([]InstanceRecord, 0, len(members))
	for _, member := range members {
		if member.Score <= cutoff {
			continue
		}
		raw, err := m.store.Get(ctx, recordKey(member.Value))
		if err != nil {
			// Record expired between listing and fetch; the index entry
			// will be reaped by the next sweep.
			continue
		}
		var record InstanceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			m.logger.Warn().Err(err).Str("peer", member.Value).Msg("Discarding undecodable instance record.")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Stop cancels both tickers and deletes this instance's own record.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	if err := m.store.ZRem(ctx, indexKey, m.instanceID); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to deindex own instance record.")
	}
	if err := m.store.Delete(ctx, recordKey(m.instanceID)); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to delete own instance record.")
	}
	m.logger.Info().Msg("Heartbeat monitor stopped.")
	return nil
}
