package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/solrqueue/solrqueue/internal/eventqueue"
	"github.com/solrqueue/solrqueue/internal/solr"
)

// Replayer replays deferred events.
type Replayer interface {
	Process(ctx context.Context, limit int) (eventqueue.Result, error)
}

// ConnectionUpdater refreshes and pings Solr connections.
type ConnectionUpdater interface {
	UpdateConnections(ctx context.Context, roots ...int64) ([]solr.ConnectionStatus, error)
}

// ChangeDetector receives CMS record hooks.
type ChangeDetector interface {
	RecordInserted(ctx context.Context, table string, uid, pid int64, fields map[string]string) error
	RecordUpdated(ctx context.Context, table string, uid, pid int64, fields map[string]string) error
	RecordDeleted(ctx context.Context, table string, uid, pid int64) error
	RecordMoved(ctx context.Context, table string, uid, pid, previousPID int64) error
	VersionSwapped(ctx context.Context, table string, uid, pid int64) error
}

// EventQueueResponse is the body of POST /v1/eventqueue/process.
type EventQueueResponse struct {
	eventqueue.Result
	RequestID string `json:"request_id"`
}

// EventQueueHandler serves POST /v1/eventqueue/process?limit=N.
type EventQueueHandler struct {
	replayer     Replayer
	defaultLimit int
}

// NewEventQueueHandler creates an event queue handler.
func NewEventQueueHandler(replayer Replayer, defaultLimit int) *EventQueueHandler {
	return &EventQueueHandler{replayer: replayer, defaultLimit: defaultLimit}
}

// ServeHTTP handles the replay request.
func (h *EventQueueHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit, ok, err := int64Param(r, "limit")
	if err != nil || (ok && limit <= 0) {
		writeBadRequest(w, r, "limit must be a positive integer")
		return
	}
	if !ok {
		limit = int64(h.defaultLimit)
	}

	res, err := h.replayer.Process(r.Context(), int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EventQueueResponse{Result: res, RequestID: GetRequestID(r.Context())})
}

// ConnectionsResponse is the body of POST /v1/connections/update.
type ConnectionsResponse struct {
	Connections []solr.ConnectionStatus `json:"connections"`
	Reachable   int                     `json:"reachable"`
	Unreachable int                     `json:"unreachable"`
	RequestID   string                  `json:"request_id"`
}

// ConnectionsHandler serves POST /v1/connections/update[?site=N].
type ConnectionsHandler struct {
	conns ConnectionUpdater
}

// NewConnectionsHandler creates a connections handler.
func NewConnectionsHandler(conns ConnectionUpdater) *ConnectionsHandler {
	return &ConnectionsHandler{conns: conns}
}

// ServeHTTP handles the connection update request.
func (h *ConnectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	root, ok, err := int64Param(r, "site")
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	var roots []int64
	if ok {
		roots = append(roots, root)
	}

	statuses, err := h.conns.UpdateConnections(r.Context(), roots...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := ConnectionsResponse{Connections: statuses, RequestID: GetRequestID(r.Context())}
	for _, s := range statuses {
		if s.Reachable {
			resp.Reachable++
		} else {
			resp.Unreachable++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Hook actions.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionMove   = "move"
	ActionSwap   = "swap"
)

// RecordHook is the body of POST /v1/hooks/record.
type RecordHook struct {
	Action      string            `json:"action"`
	Table       string            `json:"table"`
	UID         int64             `json:"uid"`
	PID         int64             `json:"pid"`
	PreviousPID int64             `json:"previous_pid"`
	Fields      map[string]string `json:"fields"`
}

// Validate checks the hook before it is dispatched.
func (h RecordHook) Validate() error {
	switch h.Action {
	case ActionInsert, ActionUpdate, ActionDelete, ActionMove, ActionSwap:
	default:
		return fmt.Errorf("unknown action %q", h.Action)
	}
	if h.Table == "" {
		return fmt.Errorf("table is required")
	}
	if h.UID <= 0 {
		return fmt.Errorf("uid must be positive")
	}
	return nil
}

// MaxHookBodyBytes bounds the body of a record hook.
const MaxHookBodyBytes = 1 << 20

// RecordHookHandler serves POST /v1/hooks/record.
type RecordHookHandler struct {
	detector ChangeDetector
}

// NewRecordHookHandler creates a record hook handler.
func NewRecordHookHandler(detector ChangeDetector) *RecordHookHandler {
	return &RecordHookHandler{detector: detector}
}

// ServeHTTP handles the record hook request.
func (h *RecordHookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxHookBodyBytes)
	var hook RecordHook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:     fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				RequestID: GetRequestID(r.Context()),
			})
			return
		}
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := hook.Validate(); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	ctx := r.Context()
	var err error
	switch hook.Action {
	case ActionInsert:
		err = h.detector.RecordInserted(ctx, hook.Table, hook.UID, hook.PID, hook.Fields)
	case ActionUpdate:
		err = h.detector.RecordUpdated(ctx, hook.Table, hook.UID, hook.PID, hook.Fields)
	case ActionDelete:
		err = h.detector.RecordDeleted(ctx, hook.Table, hook.UID, hook.PID)
	case ActionMove:
		err = h.detector.RecordMoved(ctx, hook.Table, hook.UID, hook.PID, hook.PreviousPID)
	case ActionSwap:
		err = h.detector.VersionSwapped(ctx, hook.Table, hook.UID, hook.PID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"request_id": GetRequestID(ctx),
	})
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	ping func(ctx context.Context) error
}

// NewHealthHandler creates a health handler. ping checks the queue
// database.
func NewHealthHandler(ping func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ping: ping}
}

// ServeHTTP handles the health request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
