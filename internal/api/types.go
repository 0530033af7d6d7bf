package api

import (
	"time"

	"github.com/postpilot/postpilot-backend/internal/calendar"
)

// ScheduleEventRequest is the body of POST /v1/calendar/events.
type ScheduleEventRequest struct {
	ContentID   string            `json:"content_id" validate:"required"`
	Title       string            `json:"title" validate:"required,max=500"`
	Description string            `json:"description,omitempty"`
	Platform    string            `json:"platform" validate:"required,oneof=instagram tiktok facebook linkedin"`
	ScheduledAt time.Time         `json:"scheduled_at" validate:"required"`
	ClientID    string            `json:"client_id,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RescheduleEventRequest is the body of POST .../events/{id}/reschedule.
type RescheduleEventRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	Reason      string    `json:"reason,omitempty"`
}

// UpdateStatusRequest is the body of PATCH .../events/{id}/status.
type UpdateStatusRequest struct {
	Status        string `json:"status" validate:"required,oneof=scheduled published failed cancelled"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// CancelEventRequest is the optional body of DELETE .../events/{id}.
type CancelEventRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CheckSlotRequest is the body of POST .../conflicts/check. It asks
// whether a slot would be accepted without creating anything.
type CheckSlotRequest struct {
	Platform    string    `json:"platform" validate:"required,oneof=instagram tiktok facebook linkedin"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	ClientID    string    `json:"client_id,omitempty"`
}

// ScheduleResponseDTO reports the outcome of a schedule or reschedule
// call. Status is "scheduled" with the event set, or "conflict" with
// the conflict list set.
type ScheduleResponseDTO struct {
	Status    string              `json:"status"`
	Event     *calendar.Event     `json:"event,omitempty"`
	Conflicts []calendar.Conflict `json:"conflicts,omitempty"`
}

// CheckSlotResponseDTO is the dry-run result.
type CheckSlotResponseDTO struct {
	Available    bool                `json:"available"`
	Conflicts    []calendar.Conflict `json:"conflicts,omitempty"`
	Alternatives []time.Time         `json:"suggested_alternatives,omitempty"`
}

// UpcomingResponseDTO lists events due within the requested window.
type UpcomingResponseDTO struct {
	Window string            `json:"window"`
	Events []*calendar.Event `json:"events"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
