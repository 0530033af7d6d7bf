package calendar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/postpilot/postpilot-backend/internal/util"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned for a status change the event
// lifecycle state machine does not allow.
var ErrInvalidTransition = errors.New("calendar: invalid status transition")

// Feed channels for live consumers (websocket hub, publishing service).
const (
	ChangeFeedChannel = "cal:events:changed"
	DueFeedChannel    = "cal:events:due"
)

// Feed publishes domain notifications to interested consumers. The
// Redis-backed cache satisfies it; a nil feed disables notifications.
type Feed interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Recorder receives scheduling metrics. Nil disables recording.
type Recorder interface {
	RecordScheduleRequest(ctx context.Context, outcome string)
	RecordConflict(ctx context.Context, conflictType string)
}

// ChangeNotice is the payload published on ChangeFeedChannel.
type ChangeNotice struct {
	Type  string    `json:"type"` // scheduled, rescheduled, status, cancelled
	Event *Event    `json:"event"`
	At    time.Time `json:"at"`
}

// ScheduleRequest carries a new scheduling proposal. ContentID, Title
// and Description come from the content service and are trusted as
// opaque references.
type ScheduleRequest struct {
	ContentID   string
	Title       string
	Description string
	Platform    Platform
	ScheduledAt time.Time
	ClientID    string
	CreatedBy   string
	Metadata    map[string]string
}

// ScheduleResult is the outcome of a schedule or reschedule call.
// Exactly one of Event (accepted) or Conflicts (rejected) is set.
type ScheduleResult struct {
	Event     *Event     `json:"event,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

func (r *ScheduleResult) Accepted() bool { return len(r.Conflicts) == 0 }

// Service is the scheduling API: it orchestrates the conflict detector
// and the event store, serializing the check-then-insert sequence per
// (tenant, platform) so concurrent requests cannot jointly violate a
// rate limit.
type Service struct {
	store     Store
	detector  *Detector
	suggester *Suggester
	feed      Feed
	recorder  Recorder
	logger    *zap.SugaredLogger
	locks     util.KeyMutex
	now       func() time.Time
}

type ServiceOption func(*Service)

// WithClock injects a time source, used by tests to pin "now".
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithFeed attaches a change-notification feed.
func WithFeed(feed Feed) ServiceOption {
	return func(s *Service) { s.feed = feed }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

func NewService(store Store, detector *Detector, suggester *Suggester, logger *zap.SugaredLogger, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		detector:  detector,
		suggester: suggester,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lockKey(tenantID string, platform Platform) string {
	return tenantID + "|" + string(platform)
}

// ScheduleContent runs the conflict check and, when the slot is free,
// creates the event in status scheduled. On conflicts nothing is
// created and the caller gets the violations plus alternative slots.
func (s *Service) ScheduleContent(ctx context.Context, tenantID string, req ScheduleRequest) (*ScheduleResult, error) {
	if err := validateScheduleRequest(tenantID, req); err != nil {
		return nil, err
	}

	key := lockKey(tenantID, req.Platform)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	scope := CheckScope{ClientID: req.ClientID}
	conflicts, err := s.detector.Check(ctx, tenantID, req.Platform, req.ScheduledAt, scope)
	if err != nil {
		s.record(ctx, "error", nil)
		return nil, fmt.Errorf("conflict check: %w", err)
	}

	if len(conflicts) > 0 {
		s.record(ctx, "rejected", conflicts)
		s.attachAlternatives(ctx, tenantID, req.Platform, req.ScheduledAt, scope, conflicts)
		return &ScheduleResult{Conflicts: conflicts}, nil
	}

	now := s.now()
	event := &Event{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		ClientID:    req.ClientID,
		ContentID:   req.ContentID,
		Title:       req.Title,
		Description: req.Description,
		Platform:    req.Platform,
		ScheduledAt: req.ScheduledAt,
		Status:      StatusScheduled,
		CreatedBy:   req.CreatedBy,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateEvent(ctx, event); err != nil {
		s.record(ctx, "error", nil)
		return nil, fmt.Errorf("create event: %w", err)
	}

	s.record(ctx, "accepted", nil)
	s.publishChange(ctx, "scheduled", event)
	s.logger.Infow("Event scheduled",
		"event_id", event.ID,
		"tenant_id", tenantID,
		"platform", req.Platform,
		"scheduled_at", req.ScheduledAt,
	)
	return &ScheduleResult{Event: event}, nil
}

// RescheduleEvent moves an existing event to newTime after re-running
// the conflict check. On conflicts the event is left untouched.
func (s *Service) RescheduleEvent(ctx context.Context, tenantID, eventID string, newTime time.Time, reason string) (*ScheduleResult, error) {
	event, err := s.store.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status != StatusScheduled && event.Status != StatusFailed {
		return nil, fmt.Errorf("%w: cannot reschedule %s event", ErrInvalidTransition, event.Status)
	}

	key := lockKey(tenantID, event.Platform)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	scope := CheckScope{ClientID: event.ClientID, ExcludeEventID: event.ID}
	conflicts, err := s.detector.Check(ctx, tenantID, event.Platform, newTime, scope)
	if err != nil {
		return nil, fmt.Errorf("conflict check: %w", err)
	}
	if len(conflicts) > 0 {
		s.record(ctx, "rejected", conflicts)
		s.attachAlternatives(ctx, tenantID, event.Platform, newTime, scope, conflicts)
		return &ScheduleResult{Conflicts: conflicts}, nil
	}

	event.ScheduledAt = newTime
	event.Status = StatusScheduled
	event.UpdatedAt = s.now()
	if reason != "" {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string)
		}
		event.Metadata["reschedule_reason"] = reason
	}

	if err := s.store.UpdateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}

	s.record(ctx, "accepted", nil)
	s.publishChange(ctx, "rescheduled", event)
	s.logger.Infow("Event rescheduled",
		"event_id", event.ID,
		"tenant_id", tenantID,
		"scheduled_at", newTime,
		"reason", reason,
	)
	return &ScheduleResult{Event: event}, nil
}

// UpdateEventStatus applies a direct lifecycle transition, used by the
// publishing collaborator to report success or failure.
func (s *Service) UpdateEventStatus(ctx context.Context, tenantID, eventID string, status EventStatus, failureReason string) (*Event, error) {
	event, err := s.store.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if !event.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, event.Status, status)
	}

	now := s.now()
	event.Status = status
	event.UpdatedAt = now
	switch status {
	case StatusPublished:
		event.PublishedAt = &now
	case StatusFailed:
		event.FailureReason = failureReason
	case StatusCancelled:
		if failureReason != "" {
			event.FailureReason = failureReason
		}
	}

	if err := s.store.UpdateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}

	s.publishChange(ctx, "status", event)
	s.logger.Infow("Event status updated",
		"event_id", event.ID,
		"tenant_id", tenantID,
		"status", status,
		"failure_reason", failureReason,
	)
	return event, nil
}

// CancelEvent forces the terminal cancelled status with a reason. Used
// by operators and by the resolution engine when nothing else works.
func (s *Service) CancelEvent(ctx context.Context, tenantID, eventID, reason string) (*Event, error) {
	event, err := s.store.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if !event.Status.CanTransition(StatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel %s event", ErrInvalidTransition, event.Status)
	}

	event.Status = StatusCancelled
	event.FailureReason = reason
	event.UpdatedAt = s.now()

	if err := s.store.UpdateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}

	s.publishChange(ctx, "cancelled", event)
	s.logger.Infow("Event cancelled", "event_id", event.ID, "tenant_id", tenantID, "reason", reason)
	return event, nil
}

// GetEvent loads one event, tenant-scoped.
func (s *Service) GetEvent(ctx context.Context, tenantID, eventID string) (*Event, error) {
	return s.store.GetEvent(ctx, tenantID, eventID)
}

// CheckSlot is the dry-run surface of the detector: conflicts plus
// alternatives for a candidate time, with no write.
func (s *Service) CheckSlot(ctx context.Context, tenantID string, platform Platform, at time.Time, clientID string) ([]Conflict, []time.Time, error) {
	scope := CheckScope{ClientID: clientID}
	conflicts, err := s.detector.Check(ctx, tenantID, platform, at, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("conflict check: %w", err)
	}
	if len(conflicts) == 0 {
		return nil, nil, nil
	}

	alternatives, err := s.suggester.Suggest(ctx, tenantID, platform, at, scope)
	if err != nil {
		s.logger.Warnw("Alternative search failed", "tenant_id", tenantID, "platform", platform, "error", err)
		alternatives = nil
	}
	for i := range conflicts {
		conflicts[i].Alternatives = alternatives
	}
	return conflicts, alternatives, nil
}

// GetView expands a start date by the view type and returns the events
// in range ordered by scheduled time.
func (s *Service) GetView(ctx context.Context, tenantID string, viewType ViewType, start time.Time, clientID string) (*View, error) {
	end, err := viewType.End(start)
	if err != nil {
		return nil, err
	}

	events, err := s.store.ListEvents(ctx, EventFilter{
		TenantID: tenantID,
		ClientID: clientID,
		From:     &start,
		To:       &end,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	return &View{ViewType: viewType, Start: start, End: end, Events: events}, nil
}

// GetStats aggregates counts by status and platform over a range,
// plus the success rate and upcoming-event counts.
func (s *Service) GetStats(ctx context.Context, tenantID string, from, to time.Time, clientID string) (*Stats, error) {
	events, err := s.store.ListEvents(ctx, EventFilter{
		TenantID: tenantID,
		ClientID: clientID,
		From:     &from,
		To:       &to,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	stats := &Stats{
		Total:      len(events),
		ByStatus:   make(map[string]int),
		ByPlatform: make(map[string]int),
	}
	for _, e := range events {
		stats.ByStatus[string(e.Status)]++
		stats.ByPlatform[string(e.Platform)]++
	}

	published := stats.ByStatus[string(StatusPublished)]
	failed := stats.ByStatus[string(StatusFailed)]
	if published+failed > 0 {
		stats.SuccessRate = int(math.Round(float64(published) / float64(published+failed) * 100))
	}

	now := s.now()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	endOfWeek := now.AddDate(0, 0, 7)

	stats.UpcomingToday, err = s.countScheduledBetween(ctx, tenantID, clientID, now, endOfDay)
	if err != nil {
		return nil, err
	}
	stats.UpcomingWeek, err = s.countScheduledBetween(ctx, tenantID, clientID, now, endOfWeek)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// ListUpcoming returns scheduled events due within the window from now.
func (s *Service) ListUpcoming(ctx context.Context, tenantID string, window time.Duration, clientID string) ([]*Event, error) {
	now := s.now()
	until := now.Add(window)
	return s.store.ListEvents(ctx, EventFilter{
		TenantID: tenantID,
		ClientID: clientID,
		Statuses: []EventStatus{StatusScheduled},
		From:     &now,
		To:       &until,
	})
}

func (s *Service) countScheduledBetween(ctx context.Context, tenantID, clientID string, from, to time.Time) (int, error) {
	count, err := s.store.CountEvents(ctx, EventFilter{
		TenantID: tenantID,
		ClientID: clientID,
		Statuses: []EventStatus{StatusScheduled},
		From:     &from,
		To:       &to,
	})
	if err != nil {
		return 0, fmt.Errorf("count scheduled events: %w", err)
	}
	return count, nil
}

func (s *Service) attachAlternatives(ctx context.Context, tenantID string, platform Platform, original time.Time, scope CheckScope, conflicts []Conflict) {
	alternatives, err := s.suggester.Suggest(ctx, tenantID, platform, original, scope)
	if err != nil {
		// Alternatives are best-effort; the conflict list alone is a
		// valid answer.
		s.logger.Warnw("Alternative search failed", "tenant_id", tenantID, "platform", platform, "error", err)
		return
	}
	for i := range conflicts {
		conflicts[i].Alternatives = alternatives
	}
}

func (s *Service) publishChange(ctx context.Context, changeType string, event *Event) {
	if s.feed == nil {
		return
	}
	notice := ChangeNotice{Type: changeType, Event: event, At: s.now()}
	if err := s.feed.Publish(ctx, ChangeFeedChannel, notice); err != nil {
		s.logger.Warnw("Failed to publish change notice", "event_id", event.ID, "type", changeType, "error", err)
	}
}

func (s *Service) record(ctx context.Context, outcome string, conflicts []Conflict) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordScheduleRequest(ctx, outcome)
	for _, c := range conflicts {
		s.recorder.RecordConflict(ctx, string(c.Type))
	}
}

func validateScheduleRequest(tenantID string, req ScheduleRequest) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if req.ContentID == "" {
		return fmt.Errorf("content id is required")
	}
	if !req.Platform.Valid() {
		return fmt.Errorf("invalid platform %q", req.Platform)
	}
	if req.ScheduledAt.IsZero() {
		return fmt.Errorf("scheduled time is required")
	}
	return nil
}
