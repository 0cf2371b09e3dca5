package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tinywideclouds/go-fanout-service/internal/realtime"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// StreamDelivery pushes events down the subject's local event streams. It
// declines when the subject has no stream on this instance.
type StreamDelivery struct {
	registry *realtime.Registry
}

// NewStreamDelivery wraps the event-stream registry as a delivery strategy.
func NewStreamDelivery(registry *realtime.Registry) *StreamDelivery {
	return &StreamDelivery{registry: registry}
}

func (s *StreamDelivery) Name() string { return "stream" }

func (s *StreamDelivery) CanDeliver(_ context.Context, subjectID string) bool {
	return s.registry.HasSubject(subjectID)
}

func (s *StreamDelivery) Deliver(_ context.Context, subjectID string, event fanout.EventType, data json.RawMessage) error {
	delivered, failed := s.registry.BroadcastToSubject(subjectID, event, data)
	if delivered == 0 {
		return fmt.Errorf("no stream reached for %s (%d failed)", subjectID, failed)
	}
	return nil
}

// BroadcastFallback hands the event to the cross-instance broadcaster so the
// instance actually holding the subject's connections can replay it. It
// accepts everything; with the broadcaster degraded the publish is silently
// best-effort like every other publish.
type BroadcastFallback struct {
	publisher realtime.Publisher
}

// NewBroadcastFallback wraps the broadcaster as the delivery strategy of last
// resort.
func NewBroadcastFallback(publisher realtime.Publisher) *BroadcastFallback {
	return &BroadcastFallback{publisher: publisher}
}

func (b *BroadcastFallback) Name() string { return "broadcast" }

func (b *BroadcastFallback) CanDeliver(context.Context, string) bool { return true }

func (b *BroadcastFallback) Deliver(ctx context.Context, _ string, event fanout.EventType, data json.RawMessage) error {
	return b.publisher.Publish(ctx, event, data)
}
