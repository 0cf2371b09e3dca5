// Package notify routes notification events to a subject through an ordered
// list of delivery strategies, stopping at the first one that succeeds.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// Deliverer is one delivery strategy. CanDeliver is a cheap precondition
// check (e.g. "does this subject have a live stream here"); Deliver performs
// the attempt.
type Deliverer interface {
	Name() string
	CanDeliver(ctx context.Context, subjectID string) bool
	Deliver(ctx context.Context, subjectID string, event fanout.EventType, data json.RawMessage) error
}

// Dispatcher tries deliverers in priority order. Delivery is best-effort:
// when every strategy declines or fails the event is logged and dropped, it
// never propagates as a caller error.
type Dispatcher struct {
	deliverers []Deliverer
	logger     zerolog.Logger
}

// NewDispatcher builds a dispatcher over the given priority-ordered
// strategies.
func NewDispatcher(logger zerolog.Logger, deliverers ...Deliverer) (*Dispatcher, error) {
	if len(deliverers) == 0 {
		return nil, fmt.Errorf("dispatcher needs at least one delivery strategy")
	}
	return &Dispatcher{
		deliverers: deliverers,
		logger:     logger.With().Str("component", "NotifyDispatcher").Logger(),
	}, nil
}

// Dispatch sends one notification event to subjectID via the first strategy
// that accepts it.
func (d *Dispatcher) Dispatch(ctx context.Context, subjectID string, event fanout.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error().Err(err).Str("event", string(event)).Msg("Notification payload not encodable.")
		return
	}

	for _, deliverer := range d.deliverers {
		if !deliverer.CanDeliver(ctx, subjectID) {
			continue
		}
		if err := deliverer.Deliver(ctx, subjectID, event, data); err != nil {
			d.logger.Warn().Err(err).Str("strategy", deliverer.Name()).Str("subject", subjectID).Msg("Delivery attempt failed, trying next strategy.")
			continue
		}
		d.logger.Debug().Str("strategy", deliverer.Name()).Str("subject", subjectID).Str("event", string(event)).Msg("Notification delivered.")
		return
	}

	d.logger.Warn().Str("subject", subjectID).Str("event", string(event)).Msg("No strategy delivered the notification.")
}
