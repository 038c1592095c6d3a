// Package httpapi is horizonqd's HTTP surface: health/stats/metrics for
// operators, forced sync/cleanup passes, and the direct-call half of
// the ingest contract (POST /schedule, POST /cancel).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/itskum47/horizonq/auth"
	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/idempotency"
	"github.com/itskum47/horizonq/scheduler"
)

// API wires the scheduler Engine and background loops to HTTP handlers.
type API struct {
	engine       *scheduler.Engine
	transferLoop *scheduler.TransferLoop
	supervisor   *scheduler.Supervisor

	authIssuer  *auth.Issuer
	idempotency *idempotency.Store

	hub *StreamHub

	startedAt time.Time
}

// NewAPI builds an API. authIssuer may be nil to disable JWT enforcement
// (e.g. local dev).
func NewAPI(engine *scheduler.Engine, transferLoop *scheduler.TransferLoop, supervisor *scheduler.Supervisor, authIssuer *auth.Issuer, idemStore *idempotency.Store) *API {
	api := &API{
		engine:       engine,
		transferLoop: transferLoop,
		supervisor:   supervisor,
		authIssuer:   authIssuer,
		idempotency:  idemStore,
		startedAt:    time.Now(),
	}
	api.hub = NewStreamHub()
	return api
}

// Hub exposes the websocket broadcaster so HotLoop's execution path can
// push ExecutionRecords as they're produced.
func (a *API) Hub() *StreamHub {
	return a.hub
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// responseRecorder captures a handler's response so it can be cached for
// idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a repeated
// X-Idempotency-Key instead of re-running next.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.idempotency == nil {
			next(w, r)
			return
		}
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// HandleHealth reports 200 whenever both stores respond to Stats. It does
// not check when the hot loop last ticked; that time is only reported in
// the stats body as last_tick_at.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats, err := a.engine.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "stats": stats})
}

// HandleStats returns the GET /stats payload.
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if a.transferLoop != nil {
		if t := a.transferLoop.LastTransferAt(); !t.IsZero() {
			stats.LastTransferAt = t.Format(time.RFC3339)
		}
	}
	if a.supervisor != nil && a.supervisor.IsTransferLeader() {
		stats.TransferLeaseHolder = "self"
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleSync forces one TransferLoop pass, still subject to the
// transfer-lease: on a node that does not hold the lease the call is a
// no-op answered with 409 Conflict.
func (a *API) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.supervisor != nil && !a.supervisor.IsTransferLeader() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "sync skipped: this node does not hold the transfer-lease"})
		return
	}
	a.transferLoop.TransferOnce(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

// HandleCleanup forces one cold-tier retention sweep.
func (a *API) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.transferLoop.CleanupOnce(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cleanup triggered"})
}

// scheduleRequest is the POST /schedule body.
type scheduleRequest struct {
	ScheduleID      string            `json:"schedule_id,omitempty"`
	Topic           string            `json:"topic"`
	EntityType      string            `json:"entity_type"`
	Action          string            `json:"action"`
	Body            []byte            `json:"body"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	Priority        int8              `json:"priority,omitempty"`
	MaxDelaySeconds int64             `json:"max_delay_seconds,omitempty"`
}

// HandleSchedule is the direct-API half of the ingest contract.
func (a *API) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	evt := &eventmodel.ScheduledEvent{
		ScheduleID:      req.ScheduleID,
		Topic:           req.Topic,
		EntityType:      req.EntityType,
		Action:          req.Action,
		Body:            req.Body,
		CorrelationID:   req.CorrelationID,
		Headers:         req.Headers,
		ScheduledAt:     req.ScheduledAt,
		Priority:        req.Priority,
		MaxDelaySeconds: req.MaxDelaySeconds,
	}

	id, err := a.engine.Schedule(r.Context(), evt)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"schedule_id": id})
}

type cancelRequest struct {
	ScheduleID string `json:"schedule_id"`
}

// HandleCancel is the direct-API cancel endpoint.
func (a *API) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	outcome, err := a.engine.Cancel(r.Context(), req.ScheduleID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// HandleSetAdmissionMode updates the ingest-side kill switch.
func (a *API) HandleSetAdmissionMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var mode scheduler.AdmissionMode
	switch req.Mode {
	case "normal":
		mode = scheduler.AdmissionNormal
	case "drain":
		mode = scheduler.AdmissionDrain
	case "freeze":
		mode = scheduler.AdmissionFreeze
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown mode: " + req.Mode})
		return
	}
	a.engine.SetAdmissionMode(mode)
	writeJSON(w, http.StatusOK, map[string]string{"admission_mode": mode.String()})
}

// Schedule wraps HandleSchedule with idempotency caching, for route
// registration.
func (a *API) Schedule() http.HandlerFunc { return a.withIdempotency(a.HandleSchedule) }
