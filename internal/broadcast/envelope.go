// Package broadcast publishes locally originated events to the shared
// coordination channels and replays remotely originated events into the local
// connection registries, with self-echo suppression, per-type deduplication,
// and degraded-mode fallback when the store connection is lost.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// Envelope is the wire unit for cross-instance fan-out. It exists only in
// transit on a channel and in the short-lived local dedup set.
type Envelope struct {
	Type      fanout.EventType `json:"eventType"`
	Origin    string           `json:"originInstanceId"`
	EmittedAt int64            `json:"emittedAtMillis"`
	Data      json.RawMessage  `json:"payload"`
}

// originPattern guards against channel injection: anything beyond
// alphanumerics and hyphens in an origin id is discarded unread.
var originPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

var errMalformedEnvelope = errors.New("malformed envelope")

// Validate rejects envelopes missing a type, origin, or payload, and origins
// that fail the strict identifier pattern.
func (e *Envelope) Validate() error {
	if e.Type == "" || e.Origin == "" || len(e.Data) == 0 {
		return errMalformedEnvelope
	}
	if !originPattern.MatchString(e.Origin) {
		return fmt.Errorf("%w: suspicious origin %q", errMalformedEnvelope, e.Origin)
	}
	return nil
}

// identityProbe picks out the payload fields that can carry a natural event
// identity. Only the fields relevant to the envelope's type are trusted.
type identityProbe struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	SubjectID string `json:"subjectId"`
	RoomID    string `json:"roomId"`
	Count     *int   `json:"count"`
	ClearedAt int64  `json:"clearedAt"`
}

// DedupKey derives the deduplication identity for the envelope: the message
// or notification id where one exists, or a synthesized composite for
// deletions, purges, and count changes. Events without a natural identity
// (presence changes, forced disconnects) return ok=false and are not deduped.
func (e *Envelope) DedupKey() (string, bool) {
	var probe identityProbe
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return "", false
	}

	switch e.Type {
	case fanout.EventNewMessage:
		return "msg:" + probe.ID, probe.ID != ""
	case fanout.EventMessageUpdated:
		return "upd:" + probe.ID, probe.ID != ""
	case fanout.EventMessageDeleted:
		return "del:" + probe.MessageID, probe.MessageID != ""
	case fanout.EventBulkDelete:
		return fmt.Sprintf("bulk:%s:%s", probe.SubjectID, probe.RoomID), probe.SubjectID != ""
	case fanout.EventNotificationNew:
		return "notif:" + probe.ID, probe.ID != ""
	case fanout.EventNotificationUpdated:
		return "notif-upd:" + probe.ID, probe.ID != ""
	case fanout.EventNotificationDeleted:
		return "notif-del:" + probe.ID, probe.ID != ""
	case fanout.EventNotificationsCleared:
		return fmt.Sprintf("cleared:%s:%d", probe.SubjectID, probe.ClearedAt), probe.SubjectID != ""
	case fanout.EventUnreadCountChanged:
		if probe.Count == nil {
			return "", false
		}
		return fmt.Sprintf("unread:%s:%d", probe.SubjectID, *probe.Count), probe.SubjectID != ""
	}
	return "", false
}

// SubjectID extracts the target subject from payloads that address one
// subject (notifications, forced disconnects).
func (e *Envelope) SubjectID() string {
	var probe identityProbe
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return ""
	}
	return probe.SubjectID
}
