// Package api exposes the scheduling engine over HTTP. Every calendar
// route is tenant-scoped through the X-Tenant-ID header.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/config"
	"github.com/postpilot/postpilot-backend/internal/store"
	"github.com/postpilot/postpilot-backend/internal/ws"
)

type Handler struct {
	svc        *calendar.Service
	store      calendar.Store
	cache      *store.Cache
	wsHub      *ws.Hub
	sseHandler *ws.SSEHandler
	config     *config.Config
	logger     *zap.SugaredLogger
	validate   *validator.Validate
}

func NewHandler(
	svc *calendar.Service,
	st calendar.Store,
	cache *store.Cache,
	wsHub *ws.Hub,
	sseHandler *ws.SSEHandler,
	cfg *config.Config,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		svc:        svc,
		store:      st,
		cache:      cache,
		wsHub:      wsHub,
		sseHandler: sseHandler,
		config:     cfg,
		logger:     logger,
		validate:   validator.New(),
	}
}

// ScheduleEvent handles POST /v1/calendar/events. A clean slot yields
// 201 with the created event; a conflicting one yields 409 with the
// conflict list and suggested alternatives.
func (h *Handler) ScheduleEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req ScheduleEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.ScheduleContent(r.Context(), tenantID, calendar.ScheduleRequest{
		ContentID:   req.ContentID,
		Title:       req.Title,
		Description: req.Description,
		Platform:    calendar.Platform(req.Platform),
		ScheduledAt: req.ScheduledAt,
		ClientID:    req.ClientID,
		CreatedBy:   req.CreatedBy,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "SCHEDULE_ERROR", err.Error())
		return
	}

	if !result.Accepted() {
		h.writeJSON(w, http.StatusConflict, ScheduleResponseDTO{
			Status:    "conflict",
			Conflicts: result.Conflicts,
		})
		return
	}

	h.writeJSON(w, http.StatusCreated, ScheduleResponseDTO{
		Status: "scheduled",
		Event:  result.Event,
	})
}

// GetEvent handles GET /v1/calendar/events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	event, err := h.svc.GetEvent(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, event)
}

// RescheduleEvent handles POST /v1/calendar/events/{id}/reschedule.
func (h *Handler) RescheduleEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req RescheduleEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.RescheduleEvent(r.Context(), tenantID, chi.URLParam(r, "id"), req.ScheduledAt, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if !result.Accepted() {
		h.writeJSON(w, http.StatusConflict, ScheduleResponseDTO{
			Status:    "conflict",
			Conflicts: result.Conflicts,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, ScheduleResponseDTO{
		Status: "scheduled",
		Event:  result.Event,
	})
}

// UpdateEventStatus handles PATCH /v1/calendar/events/{id}/status.
func (h *Handler) UpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	event, err := h.svc.UpdateEventStatus(r.Context(), tenantID, chi.URLParam(r, "id"),
		calendar.EventStatus(req.Status), req.FailureReason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, event)
}

// CancelEvent handles DELETE /v1/calendar/events/{id}. Cancellation is
// a status change; the row stays for the audit trail.
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req CancelEventRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
			return
		}
	}

	event, err := h.svc.CancelEvent(r.Context(), tenantID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, event)
}

// CheckSlot handles POST /v1/calendar/conflicts/check, the dry-run
// probe used by content editors before committing a slot.
func (h *Handler) CheckSlot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req CheckSlotRequest
	if !h.decode(w, r, &req) {
		return
	}

	conflicts, alternatives, err := h.svc.CheckSlot(r.Context(), tenantID,
		calendar.Platform(req.Platform), req.ScheduledAt, req.ClientID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "CONFLICT_CHECK_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, CheckSlotResponseDTO{
		Available:    len(conflicts) == 0,
		Conflicts:    conflicts,
		Alternatives: alternatives,
	})
}

// GetView handles GET /v1/calendar/view?type=weekly&start=2026-03-02.
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	viewType := calendar.ViewType(r.URL.Query().Get("type"))
	if viewType == "" {
		viewType = calendar.ViewWeekly
	}

	start := time.Now().Truncate(24 * time.Hour)
	if s := r.URL.Query().Get("start"); s != "" {
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "start must be YYYY-MM-DD")
			return
		}
		start = parsed
	}

	view, err := h.svc.GetView(r.Context(), tenantID, viewType, start, r.URL.Query().Get("client_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "VIEW_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// GetStats handles GET /v1/calendar/stats?from=...&to=...
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	now := time.Now()
	from := now.AddDate(0, -1, 0)
	to := now.AddDate(0, 1, 0)

	if s := r.URL.Query().Get("from"); s != "" {
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "from must be YYYY-MM-DD")
			return
		}
		from = parsed
	}
	if s := r.URL.Query().Get("to"); s != "" {
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "to must be YYYY-MM-DD")
			return
		}
		to = parsed
	}

	stats, err := h.svc.GetStats(r.Context(), tenantID, from, to, r.URL.Query().Get("client_id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "STATS_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// GetUpcoming handles GET /v1/calendar/events/upcoming?window=24h.
func (h *Handler) GetUpcoming(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	window := 24 * time.Hour
	if s := r.URL.Query().Get("window"); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "window must be a positive duration")
			return
		}
		window = parsed
	}

	events, err := h.svc.ListUpcoming(r.Context(), tenantID, window, r.URL.Query().Get("client_id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "UPCOMING_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, UpcomingResponseDTO{
		Window: window.String(),
		Events: events,
	})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sseHandler.HandleSSE(w, r)
}

// tenant extracts the mandatory tenant scope. Every calendar handler
// starts here.
func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		h.writeError(w, http.StatusBadRequest, "TENANT_REQUIRED", "X-Tenant-ID header is required")
		return "", false
	}
	return tenantID, true
}

// decode unmarshals and validates a JSON request body, writing the 400
// itself when the body is bad.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %q failed on %q", fe.Field(), fe.Tag())
	}
	return err.Error()
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "event not found")
	case errors.Is(err, calendar.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Warnw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message})
}
