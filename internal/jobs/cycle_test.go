package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/log"
	"github.com/postpilot/postpilot-backend/internal/storage/memory"
)

const testTenant = "agency-1"

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestCycle(st *memory.Store) *Cycle {
	d := calendar.NewDetector(st, log.NewNop())
	sg := calendar.NewSuggester(d, st, log.NewNop(), 6, 3)
	return NewCycle(st, d, sg, log.NewNop(),
		WithCycleClock(func() time.Time { return testNow }))
}

func addEvent(t *testing.T, st *memory.Store, id string, at time.Time, status calendar.EventStatus, retries int, createdAt time.Time) *calendar.Event {
	t.Helper()
	event := &calendar.Event{
		ID:          id,
		TenantID:    testTenant,
		ContentID:   "content-" + id,
		Title:       "post " + id,
		Platform:    calendar.PlatformInstagram,
		ScheduledAt: at,
		Status:      status,
		RetryCount:  retries,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	require.NoError(t, st.CreateEvent(context.Background(), event))
	return event
}

func failureRule(action calendar.RuleAction, delayMinutes, maxRetries int) *calendar.ReschedulingRule {
	return &calendar.ReschedulingRule{
		TenantID:     testTenant,
		Condition:    calendar.ConditionFailure,
		Action:       action,
		DelayMinutes: delayMinutes,
		MaxRetries:   maxRetries,
		IsActive:     true,
	}
}

func conflictRule(delayMinutes int) *calendar.ReschedulingRule {
	return &calendar.ReschedulingRule{
		TenantID:     testTenant,
		Condition:    calendar.ConditionConflict,
		Action:       calendar.ActionReschedule,
		DelayMinutes: delayMinutes,
		MaxRetries:   3,
		IsActive:     true,
	}
}

func TestCycleRetriesFailedEvent(t *testing.T) {
	st := memory.NewStore()
	st.SetReschedulingRule(failureRule(calendar.ActionRetry, 45, 3))
	addEvent(t, st, "f1", testNow.Add(-time.Hour), calendar.StatusFailed, 1, testNow.Add(-2*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailuresProcessed)

	event, err := st.GetEvent(context.Background(), testTenant, "f1")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusScheduled, event.Status)
	assert.True(t, event.ScheduledAt.Equal(testNow.Add(45*time.Minute)))
	assert.Equal(t, 2, event.RetryCount)
	assert.Equal(t, "auto-retry", event.FailureReason)
}

func TestCycleRespectsRetryBudget(t *testing.T) {
	st := memory.NewStore()
	st.SetReschedulingRule(failureRule(calendar.ActionRetry, 45, 3))
	addEvent(t, st, "spent", testNow.Add(-time.Hour), calendar.StatusFailed, 3, testNow.Add(-2*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.FailuresProcessed)

	event, err := st.GetEvent(context.Background(), testTenant, "spent")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusFailed, event.Status, "event past its retry budget stays failed")
	assert.Equal(t, 3, event.RetryCount)
}

func TestCycleWithoutFailureRuleLeavesEventsAlone(t *testing.T) {
	st := memory.NewStore()
	addEvent(t, st, "f1", testNow.Add(-time.Hour), calendar.StatusFailed, 0, testNow.Add(-2*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.FailuresProcessed)

	event, err := st.GetEvent(context.Background(), testTenant, "f1")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusFailed, event.Status)
}

func TestCycleReschedulesToOptimalSlot(t *testing.T) {
	st := memory.NewStore()
	st.SetReschedulingRule(failureRule(calendar.ActionReschedule, 0, 3))
	st.SetSchedulingRules(&calendar.SchedulingRules{
		TenantID:        testTenant,
		Platform:        calendar.PlatformInstagram,
		MaxPostsPerHour: 5,
		MaxPostsPerDay:  10,
		OptimalTimes: []calendar.OptimalTime{
			// testNow is a Monday at 12:00.
			{DayOfWeek: 1, Hour: 18, Score: 90},
		},
	})
	addEvent(t, st, "f1", testNow.Add(-time.Hour), calendar.StatusFailed, 0, testNow.Add(-2*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailuresProcessed)

	event, err := st.GetEvent(context.Background(), testTenant, "f1")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusScheduled, event.Status)
	assert.True(t, event.ScheduledAt.Equal(time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)))
}

func TestCycleRescheduleFallsBackToSameHourTomorrow(t *testing.T) {
	st := memory.NewStore()
	st.SetReschedulingRule(failureRule(calendar.ActionReschedule, 0, 3))
	// Policy without optimal times, so the optimal search finds nothing.
	st.SetSchedulingRules(&calendar.SchedulingRules{
		TenantID:        testTenant,
		Platform:        calendar.PlatformInstagram,
		MaxPostsPerHour: 5,
		MaxPostsPerDay:  10,
	})
	addEvent(t, st, "f1", time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), calendar.StatusFailed, 0, testNow.Add(-2*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailuresProcessed)

	event, err := st.GetEvent(context.Background(), testTenant, "f1")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusScheduled, event.Status)
	assert.True(t, event.ScheduledAt.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)),
		"fallback is the event's original hour on the next day")
}

func TestCycleRescheduleCancelsWhenNothingFits(t *testing.T) {
	st := memory.NewStore()
	st.SetReschedulingRule(failureRule(calendar.ActionReschedule, 0, 3))
	st.SetSchedulingRules(&calendar.SchedulingRules{
		TenantID:        testTenant,
		Platform:        calendar.PlatformInstagram,
		MaxPostsPerHour: 5,
		MaxPostsPerDay:  10,
		BlackoutPeriods: []calendar.BlackoutPeriod{
			// The whole day is blacked out, so neither the optimal
			// search nor the fallback slot can land.
			{Start: "00:00", End: "23:59"},
		},
	})
	addEvent(t, st, "f1", time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), calendar.StatusFailed, 0, testNow.Add(-2*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailuresProcessed)

	event, err := st.GetEvent(context.Background(), testTenant, "f1")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusCancelled, event.Status)
	assert.Equal(t, "unable to reschedule", event.FailureReason)
}

func TestCycleCancelAction(t *testing.T) {
	st := memory.NewStore()
	st.SetReschedulingRule(failureRule(calendar.ActionCancel, 0, 3))
	addEvent(t, st, "f1", testNow.Add(-time.Hour), calendar.StatusFailed, 0, testNow.Add(-2*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailuresProcessed)

	event, err := st.GetEvent(context.Background(), testTenant, "f1")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusCancelled, event.Status)
	assert.Equal(t, "unable to reschedule", event.FailureReason)
}

func TestCycleResolvesSpacingConflict(t *testing.T) {
	st := memory.NewStore()
	st.SetReschedulingRule(conflictRule(60))
	st.SetSchedulingRules(&calendar.SchedulingRules{
		TenantID:           testTenant,
		Platform:           calendar.PlatformInstagram,
		MaxPostsPerHour:    5,
		MaxPostsPerDay:     10,
		MinIntervalMinutes: 30,
	})

	// Two scheduled posts ten minutes apart. The later-created one
	// loses its slot.
	keeper := addEvent(t, st, "keeper", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		calendar.StatusScheduled, 0, testNow.Add(-3*time.Hour))
	addEvent(t, st, "victim", time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC),
		calendar.StatusScheduled, 0, testNow.Add(-1*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ConflictsResolved)

	kept, err := st.GetEvent(context.Background(), testTenant, "keeper")
	require.NoError(t, err)
	assert.True(t, kept.ScheduledAt.Equal(keeper.ScheduledAt), "earlier-created event keeps its slot")

	moved, err := st.GetEvent(context.Background(), testTenant, "victim")
	require.NoError(t, err)
	assert.False(t, moved.ScheduledAt.Equal(time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)))

	d := calendar.NewDetector(st, log.NewNop())
	conflicts, err := d.Check(context.Background(), testTenant, calendar.PlatformInstagram,
		moved.ScheduledAt, calendar.CheckScope{ExcludeEventID: "victim"})
	require.NoError(t, err)
	assert.Empty(t, conflicts, "the victim landed on a clean slot")
}

func TestCycleLeavesConflictWhenNoRule(t *testing.T) {
	st := memory.NewStore()
	st.SetSchedulingRules(&calendar.SchedulingRules{
		TenantID:           testTenant,
		Platform:           calendar.PlatformInstagram,
		MaxPostsPerHour:    5,
		MaxPostsPerDay:     10,
		MinIntervalMinutes: 30,
	})
	addEvent(t, st, "a", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), calendar.StatusScheduled, 0, testNow.Add(-3*time.Hour))
	addEvent(t, st, "b", time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC), calendar.StatusScheduled, 0, testNow.Add(-1*time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ConflictsResolved)

	b, err := st.GetEvent(context.Background(), testTenant, "b")
	require.NoError(t, err)
	assert.True(t, b.ScheduledAt.Equal(time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)))
}

func TestCycleReportCountsUpcoming(t *testing.T) {
	st := memory.NewStore()
	addEvent(t, st, "soon", testNow.Add(2*time.Hour), calendar.StatusScheduled, 0, testNow.Add(-time.Hour))
	addEvent(t, st, "later", testNow.Add(48*time.Hour), calendar.StatusScheduled, 0, testNow.Add(-time.Hour))

	report, err := newTestCycle(st).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tenants)
	assert.Equal(t, 1, report.Upcoming24h)
}

func TestPickVictims(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	events := []*calendar.Event{
		{ID: "a", ScheduledAt: base, CreatedAt: created},
		{ID: "b", ScheduledAt: base.Add(10 * time.Minute), CreatedAt: created.Add(time.Hour)},
		{ID: "c", ScheduledAt: base.Add(20 * time.Minute), CreatedAt: created.Add(2 * time.Hour)},
		{ID: "d", ScheduledAt: base.Add(3 * time.Hour), CreatedAt: created},
	}

	victims := pickVictims(events, 30*time.Minute)
	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
	}
	// a-b, a-c and b-c all collide; b and c are the later-created
	// halves, d is clear.
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestLaterCreatedTieBreaksOnID(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := &calendar.Event{ID: "aaa", CreatedAt: created}
	b := &calendar.Event{ID: "bbb", CreatedAt: created}

	assert.Equal(t, b, laterCreated(a, b))
	assert.Equal(t, b, laterCreated(b, a))
}
