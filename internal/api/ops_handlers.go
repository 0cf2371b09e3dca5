// Package api exposes the service's operational HTTP surface: health,
// fleet-wide presence counts, live instances, broadcaster statistics, and
// the administrative force-disconnect.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-fanout-service/internal/broadcast"
	"github.com/tinywideclouds/go-fanout-service/internal/heartbeat"
	"github.com/tinywideclouds/go-fanout-service/internal/presence"
	"github.com/tinywideclouds/go-fanout-service/internal/realtime"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

// API holds the dependencies for the stateless ops handlers.
type API struct {
	instanceID  string
	presence    *presence.Tracker
	monitor     *heartbeat.Monitor
	broadcaster *broadcast.Broadcaster
	chat        *realtime.Registry
	streams     *realtime.Registry
	logger      zerolog.Logger
}

// NewAPI creates the ops handler set.
func NewAPI(
	instanceID string,
	tracker *presence.Tracker,
	monitor *heartbeat.Monitor,
	broadcaster *broadcast.Broadcaster,
	chat *realtime.Registry,
	streams *realtime.Registry,
	logger zerolog.Logger,
) *API {
	return &API{
		instanceID:  instanceID,
		presence:    tracker,
		monitor:     monitor,
		broadcaster: broadcaster,
		chat:        chat,
		streams:     streams,
		logger:      logger.With().Str("component", "OpsAPI").Logger(),
	}
}

// Routes returns the ops mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.HealthzHandler)
	mux.HandleFunc("GET /presence", a.PresenceHandler)
	mux.HandleFunc("GET /instances", a.InstancesHandler)
	mux.HandleFunc("GET /stats", a.StatsHandler)
	mux.HandleFunc("POST /disconnect", a.DisconnectHandler)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// HealthzHandler reports liveness. A degraded broadcaster is still healthy:
// local fan-out keeps working without cross-instance propagation.
func (a *API) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": a.instanceID,
		"degraded": a.broadcaster.DegradedMode(),
	})
}

// PresenceHandler returns the fleet-wide per-role connection counts.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.presence.Counts(r.Context()))
}

// InstancesHandler lists the instances with a fresh heartbeat.
func (a *API) InstancesHandler(w http.ResponseWriter, r *http.Request) {
	instances, err := a.monitor.ActiveInstances(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("Instance listing failed.")
		writeJSONError(w, http.StatusServiceUnavailable, "instance index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// statsResponse combines broadcaster counters with this instance's local
// connection tallies.
type statsResponse struct {
	Instance    string            `json:"instance"`
	Broadcast   broadcast.Metrics `json:"broadcast"`
	ChatConns   int               `json:"chatConnections"`
	StreamConns int               `json:"streamConnections"`
}

// StatsHandler returns the instance's runtime statistics.
func (a *API) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Instance:    a.instanceID,
		Broadcast:   a.broadcaster.MetricsSnapshot(),
		ChatConns:   a.chat.Len(),
		StreamConns: a.streams.Len(),
	})
}

// DisconnectHandler force-closes a subject's connections fleet-wide: local
// registries first, then a broadcast so every other instance follows.
func (a *API) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	var order fanout.Disconnect
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil || order.SubjectID == "" {
		writeJSONError(w, http.StatusBadRequest, "subjectId is required")
		return
	}
	if order.Reason == "" {
		order.Reason = "disconnected by operator"
	}

	dropped := a.chat.DisconnectUserLocal(order.SubjectID, order.Reason)
	dropped += a.streams.DisconnectUserLocal(order.SubjectID, order.Reason)

	// Detach from the request context: the publish should not be lost to an
	// impatient operator client.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.broadcaster.Publish(ctx, fanout.EventDisconnectUser, order); err != nil {
		a.logger.Error().Err(err).Str("subject", order.SubjectID).Msg("Disconnect broadcast failed.")
	}

	a.logger.Info().Str("subject", order.SubjectID).Int("dropped", dropped).Msg("Operator disconnect applied.")
	writeJSON(w, http.StatusOK, map[string]any{
		"subjectId":    order.SubjectID,
		"localDropped": dropped,
	})
}
