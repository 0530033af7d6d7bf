package calendar

import (
	"fmt"
	"time"
)

// Platform is a target social network with its own posting-rate policy.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformFacebook  Platform = "facebook"
	PlatformLinkedIn  Platform = "linkedin"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformTikTok, PlatformFacebook, PlatformLinkedIn:
		return true
	}
	return false
}

// EventStatus is the lifecycle state of a calendar event.
//
// Transitions: scheduled -> {published, failed, cancelled};
// failed -> {scheduled, cancelled}. published and cancelled are terminal.
type EventStatus string

const (
	StatusScheduled EventStatus = "scheduled"
	StatusPublished EventStatus = "published"
	StatusFailed    EventStatus = "failed"
	StatusCancelled EventStatus = "cancelled"
)

// CanTransition reports whether a direct move from s to next is legal.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case StatusScheduled:
		return next == StatusPublished || next == StatusFailed || next == StatusCancelled
	case StatusFailed:
		return next == StatusScheduled || next == StatusCancelled
	}
	return false
}

// Event is one content item scheduled for one platform. Events are
// never physically deleted; cancellation is a terminal status so the
// audit history survives.
type Event struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	ClientID      string            `json:"client_id,omitempty"` // optional sub-tenant scope
	ContentID     string            `json:"content_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Platform      Platform          `json:"platform"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	Status        EventStatus       `json:"status"`
	CreatedBy     string            `json:"created_by,omitempty"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	RetryCount    int               `json:"retry_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ConflictType classifies a policy violation found by the detector.
type ConflictType string

const (
	// ConflictPlatformLimit is an hourly or daily posting-rate violation.
	ConflictPlatformLimit ConflictType = "platform_limit"
	// ConflictTimeSlot is a minimum-spacing violation against a nearby event.
	ConflictTimeSlot ConflictType = "time_slot"
	// ConflictBlackout is a hit on a tenant-declared blackout window.
	ConflictBlackout ConflictType = "blackout"
)

// Conflict is a detected violation for a candidate time. It is a normal
// negative result, not an error: the caller gets the full list plus any
// computable alternative slots.
type Conflict struct {
	Type         ConflictType `json:"type"`
	Message      string       `json:"message"`
	Alternatives []time.Time  `json:"suggested_alternatives,omitempty"`
}

// OptimalTime scores one (day-of-week, hour) slot for a platform.
type OptimalTime struct {
	DayOfWeek int    `json:"day_of_week"` // 0=Sunday .. 6=Saturday
	Hour      int    `json:"hour"`        // 0..23
	Score     int    `json:"score"`       // 0..100
	Reason    string `json:"reason,omitempty"`
}

// BlackoutPeriod is a recurring time-of-day window in which posting is
// disallowed. Start and End are "HH:MM"; a window with End < Start
// wraps past midnight.
type BlackoutPeriod struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Reason string `json:"reason,omitempty"`
}

// Contains reports whether the local time of day of t falls inside the window.
func (b BlackoutPeriod) Contains(t time.Time) (bool, error) {
	start, err := parseClock(b.Start)
	if err != nil {
		return false, fmt.Errorf("invalid blackout start %q: %w", b.Start, err)
	}
	end, err := parseClock(b.End)
	if err != nil {
		return false, fmt.Errorf("invalid blackout end %q: %w", b.End, err)
	}

	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return minute >= start && minute < end, nil
	}
	// Wraps past midnight, e.g. 22:00-06:00.
	return minute >= start || minute < end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range")
	}
	return h*60 + m, nil
}

// SchedulingRules is the per-(tenant, platform) posting policy. At most
// one active rule set exists per pair; tenants without one get the
// permissive default (no checks). MaxPostsPerHour/Day of 0 means no
// posts are allowed, not unbounded.
type SchedulingRules struct {
	TenantID           string           `json:"tenant_id"`
	Platform           Platform         `json:"platform"`
	MaxPostsPerHour    int              `json:"max_posts_per_hour"`
	MaxPostsPerDay     int              `json:"max_posts_per_day"`
	MinIntervalMinutes int              `json:"min_interval_minutes"`
	OptimalTimes       []OptimalTime    `json:"optimal_times,omitempty"`
	BlackoutPeriods    []BlackoutPeriod `json:"blackout_periods,omitempty"`
}

// MinInterval returns the minimum spacing as a duration.
func (r *SchedulingRules) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMinutes) * time.Minute
}

// OptimalIndex groups the optimal slots by day of week. Callers that
// probe several slots build the index once and look up days in O(1).
func (r *SchedulingRules) OptimalIndex() map[int][]OptimalTime {
	idx := make(map[int][]OptimalTime, 7)
	for _, ot := range r.OptimalTimes {
		idx[ot.DayOfWeek] = append(idx[ot.DayOfWeek], ot)
	}
	return idx
}

// RuleCondition is the trigger of a rescheduling rule.
type RuleCondition string

const (
	ConditionFailure  RuleCondition = "failure"
	ConditionConflict RuleCondition = "conflict"
	ConditionManual   RuleCondition = "manual"
)

// RuleAction is the remediation a rescheduling rule applies.
type RuleAction string

const (
	ActionRetry      RuleAction = "retry"
	ActionReschedule RuleAction = "reschedule"
	ActionCancel     RuleAction = "cancel"
)

// ReschedulingRule maps a trigger condition to an automatic remediation
// for one tenant. Exactly one active rule may resolve per
// (tenant, condition); when none exists the condition is left alone.
type ReschedulingRule struct {
	TenantID     string        `json:"tenant_id"`
	Condition    RuleCondition `json:"condition"`
	Action       RuleAction    `json:"action"`
	DelayMinutes int           `json:"delay_minutes"`
	MaxRetries   int           `json:"max_retries"`
	IsActive     bool          `json:"is_active"`
}

// Delay returns the rule's delay as a duration.
func (r *ReschedulingRule) Delay() time.Duration {
	return time.Duration(r.DelayMinutes) * time.Minute
}

// ViewType selects the span of a calendar view.
type ViewType string

const (
	ViewDaily   ViewType = "daily"
	ViewWeekly  ViewType = "weekly"
	ViewMonthly ViewType = "monthly"
)

// End expands a view start date to its exclusive end boundary.
func (v ViewType) End(start time.Time) (time.Time, error) {
	switch v {
	case ViewDaily:
		return start.AddDate(0, 0, 1), nil
	case ViewWeekly:
		return start.AddDate(0, 0, 7), nil
	case ViewMonthly:
		return start.AddDate(0, 1, 0), nil
	}
	return time.Time{}, fmt.Errorf("invalid view type %q", v)
}

// View is a read-only slice of the calendar ordered by scheduled time.
type View struct {
	ViewType ViewType  `json:"view_type"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Events   []*Event  `json:"events"`
}

// Stats aggregates event counts over a range.
type Stats struct {
	Total         int              `json:"total"`
	ByStatus      map[string]int   `json:"by_status"`
	ByPlatform    map[string]int   `json:"by_platform"`
	SuccessRate   int              `json:"success_rate"` // published/(published+failed) as integer percent
	UpcomingToday int              `json:"upcoming_today"`
	UpcomingWeek  int              `json:"upcoming_week"`
}

// CycleReport is what one background scheduler cycle did, for external
// observability.
type CycleReport struct {
	Tenants           int `json:"tenants"`
	FailuresProcessed int `json:"failures_processed"`
	ConflictsResolved int `json:"conflicts_resolved"`
	Upcoming24h       int `json:"upcoming_24h"`
}
