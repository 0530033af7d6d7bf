package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// activeStatuses are the statuses that count against rate limits and
// spacing. Failed and cancelled events occupy no slot.
var activeStatuses = []EventStatus{StatusScheduled, StatusPublished}

// CheckScope narrows a conflict check.
type CheckScope struct {
	// ClientID isolates rate limits per sub-tenant when set.
	ClientID string
	// ExcludeEventID keeps an event's current slot from conflicting
	// with its own proposed move.
	ExcludeEventID string
}

// Detector evaluates a candidate (tenant, platform, time) against the
// posting policy and the existing calendar. All checks run
// independently; every violation is reported, none short-circuits.
type Detector struct {
	store  Store
	logger *zap.SugaredLogger
}

func NewDetector(store Store, logger *zap.SugaredLogger) *Detector {
	return &Detector{store: store, logger: logger}
}

// Check returns the conflicts a candidate time would cause. An empty
// list means the slot is acceptable. Tenants without a configured
// policy get no checks at all; that permissive default is deliberate.
func (d *Detector) Check(ctx context.Context, tenantID string, platform Platform, at time.Time, scope CheckScope) ([]Conflict, error) {
	rules, err := d.store.GetSchedulingRules(ctx, tenantID, platform)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scheduling rules: %w", err)
	}

	var conflicts []Conflict

	hourly, err := d.checkHourlyLimit(ctx, tenantID, platform, at, scope, rules)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, hourly...)

	daily, err := d.checkDailyLimit(ctx, tenantID, platform, at, scope, rules)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, daily...)

	spacing, err := d.checkMinInterval(ctx, tenantID, platform, at, scope, rules)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, spacing...)

	conflicts = append(conflicts, d.checkBlackout(at, rules)...)

	return conflicts, nil
}

func (d *Detector) checkHourlyLimit(ctx context.Context, tenantID string, platform Platform, at time.Time, scope CheckScope, rules *SchedulingRules) ([]Conflict, error) {
	hourStart := time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), 0, 0, 0, at.Location())
	hourEnd := hourStart.Add(time.Hour)

	count, err := d.countActive(ctx, tenantID, platform, scope, hourStart, hourEnd)
	if err != nil {
		return nil, fmt.Errorf("count events in hour window: %w", err)
	}

	if count >= rules.MaxPostsPerHour {
		return []Conflict{{
			Type: ConflictPlatformLimit,
			Message: fmt.Sprintf("hourly limit reached for %s: %d of %d posts already scheduled between %s and %s",
				platform, count, rules.MaxPostsPerHour, hourStart.Format("15:04"), hourEnd.Format("15:04")),
		}}, nil
	}
	return nil, nil
}

func (d *Detector) checkDailyLimit(ctx context.Context, tenantID string, platform Platform, at time.Time, scope CheckScope, rules *SchedulingRules) ([]Conflict, error) {
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	count, err := d.countActive(ctx, tenantID, platform, scope, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("count events in day window: %w", err)
	}

	if count >= rules.MaxPostsPerDay {
		return []Conflict{{
			Type: ConflictPlatformLimit,
			Message: fmt.Sprintf("daily limit reached for %s: %d of %d posts already scheduled on %s",
				platform, count, rules.MaxPostsPerDay, dayStart.Format("2006-01-02")),
		}}, nil
	}
	return nil, nil
}

func (d *Detector) checkMinInterval(ctx context.Context, tenantID string, platform Platform, at time.Time, scope CheckScope, rules *SchedulingRules) ([]Conflict, error) {
	if rules.MinIntervalMinutes <= 0 {
		return nil, nil
	}

	interval := rules.MinInterval()
	from := at.Add(-interval)
	to := at.Add(interval)

	filter := EventFilter{
		TenantID:  tenantID,
		ClientID:  scope.ClientID,
		Platform:  platform,
		Statuses:  activeStatuses,
		From:      &from,
		To:        &to,
		ExcludeID: scope.ExcludeEventID,
	}
	events, err := d.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list events in interval window: %w", err)
	}

	// A neighbor conflicts only when strictly closer than the minimum
	// interval. An event at the exact candidate instant is the
	// self-reschedule case and does not conflict with itself.
	var nearest *Event
	for _, e := range events {
		if e.ScheduledAt.Equal(at) {
			continue
		}
		if absGap(e.ScheduledAt, at) >= interval {
			continue
		}
		if nearest == nil || absGap(e.ScheduledAt, at) < absGap(nearest.ScheduledAt, at) {
			nearest = e
		}
	}

	if nearest != nil {
		return []Conflict{{
			Type: ConflictTimeSlot,
			Message: fmt.Sprintf("too close to %q scheduled at %s: minimum interval is %d minutes",
				nearest.Title, nearest.ScheduledAt.Format(time.RFC3339), rules.MinIntervalMinutes),
		}}, nil
	}
	return nil, nil
}

func (d *Detector) checkBlackout(at time.Time, rules *SchedulingRules) []Conflict {
	for _, period := range rules.BlackoutPeriods {
		inside, err := period.Contains(at)
		if err != nil {
			// A malformed window is a tenant configuration problem;
			// log it and skip rather than blocking all scheduling.
			d.logger.Warnw("Skipping malformed blackout period",
				"tenant_id", rules.TenantID,
				"platform", rules.Platform,
				"start", period.Start,
				"end", period.End,
				"error", err,
			)
			continue
		}
		if inside {
			msg := fmt.Sprintf("time falls in blackout period %s-%s", period.Start, period.End)
			if period.Reason != "" {
				msg += " (" + period.Reason + ")"
			}
			return []Conflict{{Type: ConflictBlackout, Message: msg}}
		}
	}
	return nil
}

func (d *Detector) countActive(ctx context.Context, tenantID string, platform Platform, scope CheckScope, from, to time.Time) (int, error) {
	return d.store.CountEvents(ctx, EventFilter{
		TenantID:  tenantID,
		ClientID:  scope.ClientID,
		Platform:  platform,
		Statuses:  activeStatuses,
		From:      &from,
		To:        &to,
		ExcludeID: scope.ExcludeEventID,
	})
}

func absGap(a, b time.Time) time.Duration {
	gap := a.Sub(b)
	if gap < 0 {
		return -gap
	}
	return gap
}
