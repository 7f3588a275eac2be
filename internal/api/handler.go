// Package api exposes the operational HTTP surface: event intake, queue
// inspection and repair, template duplication, quick edits, stats and resync.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/dispatch"
)

// Repository defines the database operations the handlers use.
type Repository interface {
	GetQueueRow(ctx context.Context, id uuid.UUID) (*db.QueueRow, error)
	ListQueue(ctx context.Context, status string, limit, offset int) ([]*db.QueueRow, error)
	RetryRow(ctx context.Context, id uuid.UUID) error
	RetryAllFailed(ctx context.Context) (int64, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	DuplicateRow(ctx context.Context, id uuid.UUID) (*db.QueueRow, error)
	DuplicateTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	QuickEdit(ctx context.Context, table string, id uuid.UUID, field string, value any) error
	Stats(ctx context.Context) (*db.QueueStats, error)
}

// EventService defines the dispatch operations the handlers use.
type EventService interface {
	Trigger(ctx context.Context, triggerType, triggerReference string, formEntryID *int64, payload map[string]any) (*dispatch.Result, error)
	Resync(ctx context.Context, req dispatch.ResyncRequest) (*dispatch.ResyncResult, error)
}

// HealthChecker reports readiness of a backing service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// EventRequest represents an incoming business event.
type EventRequest struct {
	TriggerType      string         `json:"trigger_type"`
	TriggerReference string         `json:"trigger_reference"`
	FormEntryID      *int64         `json:"form_entry_id,omitempty"`
	Payload          map[string]any `json:"payload"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	repo   Repository
	events EventService
	dbHC   HealthChecker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, events EventService, dbHC HealthChecker) *Handler {
	return &Handler{
		logger: logger,
		repo:   repo,
		events: events,
		dbHC:   dbHC,
	}
}

// Routes mounts all handlers on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/events", h.CreateEvent)
	r.Post("/v1/resync", h.Resync)

	r.Get("/v1/queue", h.ListQueue)
	r.Get("/v1/queue/stats", h.QueueStats)
	r.Get("/v1/queue/{id}", h.GetQueueRow)
	r.Post("/v1/queue/{id}/retry", h.RetryQueueRow)
	r.Post("/v1/queue/{id}/cancel", h.CancelQueueRow)
	r.Post("/v1/queue/{id}/duplicate", h.DuplicateQueueRow)
	r.Post("/v1/queue/retry-failed", h.RetryAllFailed)

	r.Post("/v1/templates/{id}/duplicate", h.DuplicateTemplate)
	r.Patch("/v1/catalog/{table}/{id}", h.QuickEdit)

	r.Get("/health", h.Health)
}

// CreateEvent handles POST /v1/events. The event fans out through rule
// matching synchronously; delivery itself stays asynchronous.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TriggerType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing trigger_type", "trigger_type is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	result, err := h.events.Trigger(ctx, req.TriggerType, req.TriggerReference, req.FormEntryID, req.Payload)
	if err != nil {
		h.logger.Error("event processing failed",
			zap.Error(err),
			zap.String("trigger_type", req.TriggerType),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to process event", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(result)
}

// Resync handles POST /v1/resync
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req dispatch.ResyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if len(req.Entries) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing entries", "at least one entry snapshot is required")
		return
	}

	result, err := h.events.Resync(ctx, req)
	if err != nil {
		h.logger.Error("resync failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Resync failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// ListQueue handles GET /v1/queue?status=pending&limit=20&offset=0
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := r.URL.Query().Get("status")
	if status != "" && !db.ValidStatus(status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, processing, sent, failed, cancelled")
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	rows, err := h.repo.ListQueue(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list queue", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   rows,
		"limit":  limit,
		"offset": offset,
		"count":  len(rows),
	})
}

// GetQueueRow handles GET /v1/queue/{id}
func (h *Handler) GetQueueRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	row, err := h.repo.GetQueueRow(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Queue row not found", "")
			return
		}
		h.logger.Error("failed to get queue row", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get queue row", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(row)
}

// RetryQueueRow handles POST /v1/queue/{id}/retry. Only failed rows can be
// retried; the attempt counter restarts from zero.
func (h *Handler) RetryQueueRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.repo.RetryRow(ctx, id); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Queue row not found", "")
		case errors.Is(err, db.ErrNotRetryable):
			h.writeError(w, http.StatusConflict, "not_retryable", "Row is not retryable",
				"only failed notifications can be retried")
		default:
			h.logger.Error("failed to retry queue row", zap.Error(err), zap.String("id", id.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry queue row", "")
		}
		return
	}

	h.logger.Info("queue row queued for retry", zap.String("id", id.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": db.StatusPending,
	})
}

// CancelQueueRow handles POST /v1/queue/{id}/cancel
func (h *Handler) CancelQueueRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.repo.Cancel(ctx, id); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Queue row not found", "")
		case errors.Is(err, db.ErrNotCancellable):
			h.writeError(w, http.StatusConflict, "not_cancellable", "Row is not cancellable",
				"only pending or processing notifications can be cancelled")
		default:
			h.logger.Error("failed to cancel queue row", zap.Error(err), zap.String("id", id.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel queue row", "")
		}
		return
	}

	h.logger.Info("queue row cancelled", zap.String("id", id.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": db.StatusCancelled,
	})
}

// DuplicateQueueRow handles POST /v1/queue/{id}/duplicate
func (h *Handler) DuplicateQueueRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	dup, err := h.repo.DuplicateRow(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Queue row not found", "")
			return
		}
		h.logger.Error("failed to duplicate queue row", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to duplicate queue row", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(dup)
}

// RetryAllFailed handles POST /v1/queue/retry-failed
func (h *Handler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := h.repo.RetryAllFailed(ctx)
	if err != nil {
		h.logger.Error("failed to retry failed rows", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry failed rows", "")
		return
	}

	h.logger.Info("failed rows queued for retry", zap.Int64("count", count))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{"retried": count})
}

// DuplicateTemplate handles POST /v1/templates/{id}/duplicate
func (h *Handler) DuplicateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	dup, err := h.repo.DuplicateTemplate(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
		case errors.Is(err, db.ErrSystemTemplate):
			h.writeError(w, http.StatusForbidden, "system_template", "System templates cannot be duplicated", "")
		default:
			h.logger.Error("failed to duplicate template", zap.Error(err), zap.String("id", id.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to duplicate template", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(dup)
}

// QuickEdit handles PATCH /v1/catalog/{table}/{id} with body
// {"field": "...", "value": ...}. Only allow-listed columns are editable.
func (h *Handler) QuickEdit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	table := chi.URLParam(r, "table")

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Field == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing field", "field is required")
		return
	}

	if err := h.repo.QuickEdit(ctx, table, id, req.Field, req.Value); err != nil {
		switch {
		case errors.Is(err, db.ErrFieldNotEditable):
			h.writeError(w, http.StatusBadRequest, "field_not_editable", "Field is not editable",
				"the field is not in the quick-edit allow list for this table")
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Record not found", "")
		default:
			h.logger.Error("quick edit failed",
				zap.Error(err),
				zap.String("table", table),
				zap.String("field", req.Field),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Quick edit failed", "")
		}
		return
	}

	h.logger.Info("quick edit applied",
		zap.String("table", table),
		zap.String("id", id.String()),
		zap.String("field", req.Field),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":    id.String(),
		"field": req.Field,
	})
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.repo.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to compute queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := http.StatusOK
	dbStatus := "ok"
	if h.dbHC != nil {
		if err := h.dbHC.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			dbStatus = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":   http.StatusText(status),
		"database": dbStatus,
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
