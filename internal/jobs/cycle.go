package jobs

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/postpilot/postpilot-backend/internal/calendar"
)

// CycleRecorder receives cycle metrics. Nil disables recording.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, duration time.Duration)
	RecordResolution(ctx context.Context, action string)
}

// Cycle is the background pass that applies each tenant's resolution
// rules: failed events get retried, rescheduled or cancelled, and
// scheduled events that ended up closer together than the platform's
// minimum interval get spread apart.
type Cycle struct {
	store     calendar.Store
	detector  *calendar.Detector
	suggester *calendar.Suggester
	feed      calendar.Feed
	recorder  CycleRecorder
	logger    *zap.SugaredLogger
	now       func() time.Time
}

type CycleOption func(*Cycle)

// WithCycleClock overrides the time source, used by tests.
func WithCycleClock(now func() time.Time) CycleOption {
	return func(c *Cycle) { c.now = now }
}

// WithCycleFeed publishes a change notice for every event the cycle
// mutates, on the same channel the scheduling API uses.
func WithCycleFeed(feed calendar.Feed) CycleOption {
	return func(c *Cycle) { c.feed = feed }
}

func WithCycleRecorder(r CycleRecorder) CycleOption {
	return func(c *Cycle) { c.recorder = r }
}

func NewCycle(store calendar.Store, detector *calendar.Detector, suggester *calendar.Suggester, logger *zap.SugaredLogger, opts ...CycleOption) *Cycle {
	c := &Cycle{
		store:     store,
		detector:  detector,
		suggester: suggester,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one full cycle over every tenant with pending work. One
// tenant failing does not stop the others; per-tenant errors are logged
// and the cycle moves on.
func (c *Cycle) Run(ctx context.Context) (*calendar.CycleReport, error) {
	started := c.now()
	report := &calendar.CycleReport{}

	tenants, err := c.store.ListTenants(ctx, []calendar.EventStatus{calendar.StatusFailed, calendar.StatusScheduled})
	if err != nil {
		return nil, err
	}
	report.Tenants = len(tenants)

	for _, tenantID := range tenants {
		processed, err := c.processFailed(ctx, tenantID)
		if err != nil {
			c.logger.Errorw("Failure pass aborted for tenant", "tenant", tenantID, "error", err)
		}
		report.FailuresProcessed += processed

		resolved, err := c.resolveConflicts(ctx, tenantID)
		if err != nil {
			c.logger.Errorw("Conflict pass aborted for tenant", "tenant", tenantID, "error", err)
		}
		report.ConflictsResolved += resolved

		upcoming, err := c.store.CountEvents(ctx, calendar.EventFilter{
			TenantID: tenantID,
			Statuses: []calendar.EventStatus{calendar.StatusScheduled},
			From:     timePtr(c.now()),
			To:       timePtr(c.now().Add(24 * time.Hour)),
		})
		if err != nil {
			c.logger.Warnw("Upcoming count failed", "tenant", tenantID, "error", err)
		}
		report.Upcoming24h += upcoming
	}

	duration := c.now().Sub(started)
	if c.recorder != nil {
		c.recorder.RecordCycle(ctx, duration)
	}
	c.logger.Infow("Scheduler cycle complete",
		"tenants", report.Tenants,
		"failuresProcessed", report.FailuresProcessed,
		"conflictsResolved", report.ConflictsResolved,
		"upcoming24h", report.Upcoming24h,
		"duration", duration,
	)
	return report, nil
}

// processFailed applies the tenant's failure rule to every failed
// event. Without an active failure rule the events are left alone.
func (c *Cycle) processFailed(ctx context.Context, tenantID string) (int, error) {
	rule, err := c.store.GetReschedulingRule(ctx, tenantID, calendar.ConditionFailure)
	if errors.Is(err, calendar.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	events, err := c.store.ListEvents(ctx, calendar.EventFilter{
		TenantID: tenantID,
		Statuses: []calendar.EventStatus{calendar.StatusFailed},
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, event := range events {
		if event.RetryCount >= rule.MaxRetries {
			c.logger.Infow("Retry budget exhausted, leaving event failed",
				"tenant", tenantID, "event", event.ID, "retries", event.RetryCount)
			continue
		}
		if err := c.applyFailureRule(ctx, event, rule); err != nil {
			c.logger.Errorw("Failure rule failed for event",
				"tenant", tenantID, "event", event.ID, "action", rule.Action, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (c *Cycle) applyFailureRule(ctx context.Context, event *calendar.Event, rule *calendar.ReschedulingRule) error {
	switch rule.Action {
	case calendar.ActionRetry:
		return c.retryEvent(ctx, event, rule)
	case calendar.ActionReschedule:
		return c.rescheduleFailed(ctx, event, rule)
	case calendar.ActionCancel:
		return c.cancelEvent(ctx, event, "unable to reschedule")
	}
	c.logger.Warnw("Unknown rule action, skipping event",
		"tenant", event.TenantID, "event", event.ID, "action", rule.Action)
	return nil
}

// retryEvent puts a failed event back on the calendar a fixed delay
// from now and charges one retry.
func (c *Cycle) retryEvent(ctx context.Context, event *calendar.Event, rule *calendar.ReschedulingRule) error {
	now := c.now()
	event.ScheduledAt = now.Add(rule.Delay())
	event.Status = calendar.StatusScheduled
	event.RetryCount++
	event.FailureReason = "auto-retry"
	event.UpdatedAt = now

	if err := c.store.UpdateEvent(ctx, event); err != nil {
		return err
	}
	c.recordResolution(ctx, string(calendar.ActionRetry))
	c.publishChange(ctx, "rescheduled", event)
	c.logger.Infow("Retried failed event",
		"tenant", event.TenantID, "event", event.ID,
		"scheduledAt", event.ScheduledAt, "retry", event.RetryCount)
	return nil
}

// rescheduleFailed moves a failed event to an optimal slot. When no
// optimal slot is free it falls back to the same hour tomorrow, and
// when even that conflicts the event is cancelled rather than parked
// in a slot that would immediately re-trigger a conflict.
func (c *Cycle) rescheduleFailed(ctx context.Context, event *calendar.Event, rule *calendar.ReschedulingRule) error {
	now := c.now()
	scope := calendar.CheckScope{ClientID: event.ClientID, ExcludeEventID: event.ID}

	target, ok, err := c.suggester.SuggestOptimal(ctx, event.TenantID, event.Platform, now, scope)
	if err != nil {
		return err
	}
	if !ok {
		tomorrow := now.AddDate(0, 0, 1)
		fallback := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(),
			event.ScheduledAt.Hour(), 0, 0, 0, event.ScheduledAt.Location())
		conflicts, err := c.detector.Check(ctx, event.TenantID, event.Platform, fallback, scope)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return c.cancelEvent(ctx, event, "unable to reschedule")
		}
		target = fallback
	}

	event.ScheduledAt = target
	event.Status = calendar.StatusScheduled
	event.FailureReason = "auto-reschedule"
	event.UpdatedAt = now

	if err := c.store.UpdateEvent(ctx, event); err != nil {
		return err
	}
	c.recordResolution(ctx, string(calendar.ActionReschedule))
	c.publishChange(ctx, "rescheduled", event)
	c.logger.Infow("Rescheduled failed event",
		"tenant", event.TenantID, "event", event.ID, "scheduledAt", event.ScheduledAt)
	return nil
}

func (c *Cycle) cancelEvent(ctx context.Context, event *calendar.Event, reason string) error {
	event.Status = calendar.StatusCancelled
	event.FailureReason = reason
	event.UpdatedAt = c.now()

	if err := c.store.UpdateEvent(ctx, event); err != nil {
		return err
	}
	c.recordResolution(ctx, string(calendar.ActionCancel))
	c.publishChange(ctx, "cancelled", event)
	c.logger.Infow("Cancelled event",
		"tenant", event.TenantID, "event", event.ID, "reason", reason)
	return nil
}

// resolveConflicts finds scheduled events of the same tenant and
// platform that sit closer together than the platform's minimum
// interval and moves the losing side of each pair. The event created
// first keeps its slot.
func (c *Cycle) resolveConflicts(ctx context.Context, tenantID string) (int, error) {
	rule, err := c.store.GetReschedulingRule(ctx, tenantID, calendar.ConditionConflict)
	if errors.Is(err, calendar.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, platform := range []calendar.Platform{
		calendar.PlatformInstagram, calendar.PlatformTikTok,
		calendar.PlatformFacebook, calendar.PlatformLinkedIn,
	} {
		n, err := c.resolvePlatformConflicts(ctx, tenantID, platform, rule)
		if err != nil {
			c.logger.Errorw("Conflict resolution failed",
				"tenant", tenantID, "platform", platform, "error", err)
			continue
		}
		resolved += n
	}
	return resolved, nil
}

func (c *Cycle) resolvePlatformConflicts(ctx context.Context, tenantID string, platform calendar.Platform, rule *calendar.ReschedulingRule) (int, error) {
	rules, err := c.store.GetSchedulingRules(ctx, tenantID, platform)
	if errors.Is(err, calendar.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	minInterval := rules.MinInterval()
	if minInterval <= 0 {
		return 0, nil
	}

	events, err := c.store.ListEvents(ctx, calendar.EventFilter{
		TenantID: tenantID,
		Platform: platform,
		Statuses: []calendar.EventStatus{calendar.StatusScheduled},
	})
	if err != nil {
		return 0, err
	}

	victims := pickVictims(events, minInterval)

	resolved := 0
	for _, victim := range victims {
		moved, err := c.moveVictim(ctx, victim, rule)
		if err != nil {
			c.logger.Errorw("Failed to move conflicting event",
				"tenant", tenantID, "event", victim.ID, "error", err)
			continue
		}
		if moved {
			resolved++
		}
	}
	return resolved, nil
}

// pickVictims scans a time-ordered event list for pairs spaced closer
// than minInterval and returns the event to move from each pair, the
// one created later. Each event is a victim at most once.
func pickVictims(events []*calendar.Event, minInterval time.Duration) []*calendar.Event {
	seen := make(map[string]bool)
	var victims []*calendar.Event

	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			gap := events[j].ScheduledAt.Sub(events[i].ScheduledAt)
			if gap >= minInterval {
				break
			}
			victim := laterCreated(events[i], events[j])
			if !seen[victim.ID] {
				seen[victim.ID] = true
				victims = append(victims, victim)
			}
		}
	}

	sort.Slice(victims, func(i, j int) bool {
		return victims[i].ScheduledAt.Before(victims[j].ScheduledAt)
	})
	return victims
}

func laterCreated(a, b *calendar.Event) *calendar.Event {
	if a.CreatedAt.After(b.CreatedAt) {
		return a
	}
	if b.CreatedAt.After(a.CreatedAt) {
		return b
	}
	// Equal creation times; fall back to id order so the choice is
	// stable across cycles.
	if a.ID > b.ID {
		return a
	}
	return b
}

// moveVictim relocates one conflicting event, preferring the
// suggester's alternatives and falling back to the rule's fixed delay.
// When neither lands on a clean slot the event is left where it is for
// the next cycle; conflict resolution never cancels.
func (c *Cycle) moveVictim(ctx context.Context, victim *calendar.Event, rule *calendar.ReschedulingRule) (bool, error) {
	scope := calendar.CheckScope{ClientID: victim.ClientID, ExcludeEventID: victim.ID}

	alternatives, err := c.suggester.Suggest(ctx, victim.TenantID, victim.Platform, victim.ScheduledAt, scope)
	if err != nil {
		return false, err
	}

	var target time.Time
	if len(alternatives) > 0 {
		target = alternatives[0]
	} else {
		shifted := victim.ScheduledAt.Add(rule.Delay())
		conflicts, err := c.detector.Check(ctx, victim.TenantID, victim.Platform, shifted, scope)
		if err != nil {
			return false, err
		}
		if len(conflicts) > 0 {
			c.logger.Warnw("No clean slot for conflicting event, deferring to next cycle",
				"tenant", victim.TenantID, "event", victim.ID)
			return false, nil
		}
		target = shifted
	}

	previous := victim.ScheduledAt
	victim.ScheduledAt = target
	victim.UpdatedAt = c.now()

	if err := c.store.UpdateEvent(ctx, victim); err != nil {
		return false, err
	}
	c.recordResolution(ctx, string(calendar.ActionReschedule))
	c.publishChange(ctx, "rescheduled", victim)
	c.logger.Infow("Resolved scheduling conflict",
		"tenant", victim.TenantID, "event", victim.ID,
		"from", previous, "to", target)
	return true, nil
}

func (c *Cycle) publishChange(ctx context.Context, changeType string, event *calendar.Event) {
	if c.feed == nil {
		return
	}
	notice := calendar.ChangeNotice{Type: changeType, Event: event, At: c.now()}
	if err := c.feed.Publish(ctx, calendar.ChangeFeedChannel, notice); err != nil {
		c.logger.Warnw("Failed to publish change notice", "event", event.ID, "error", err)
	}
}

func (c *Cycle) recordResolution(ctx context.Context, action string) {
	if c.recorder != nil {
		c.recorder.RecordResolution(ctx, action)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
