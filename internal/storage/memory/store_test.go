package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot-backend/internal/calendar"
)

func event(id, tenant string, platform calendar.Platform, at time.Time, status calendar.EventStatus) *calendar.Event {
	return &calendar.Event{
		ID:          id,
		TenantID:    tenant,
		ContentID:   "content-" + id,
		Title:       "post " + id,
		Platform:    platform,
		ScheduledAt: at,
		Status:      status,
		CreatedAt:   at.Add(-time.Hour),
		UpdatedAt:   at.Add(-time.Hour),
	}
}

func TestEventRoundTrip(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e := event("e1", "t1", calendar.PlatformInstagram, at, calendar.StatusScheduled)
	e.Metadata = map[string]string{"campaign": "spring"}
	require.NoError(t, st.CreateEvent(ctx, e))

	got, err := st.GetEvent(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "content-e1", got.ContentID)
	assert.Equal(t, "spring", got.Metadata["campaign"])

	// Reads are copies; mutating the result does not leak back.
	got.Title = "mutated"
	got.Metadata["campaign"] = "mutated"
	again, err := st.GetEvent(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "post e1", again.Title)
	assert.Equal(t, "spring", again.Metadata["campaign"])
}

func TestGetEventScopedByTenant(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateEvent(ctx, event("e1", "t1", calendar.PlatformInstagram, at, calendar.StatusScheduled)))

	_, err := st.GetEvent(ctx, "t2", "e1")
	assert.ErrorIs(t, err, calendar.ErrNotFound)

	other := event("e1", "t1", calendar.PlatformInstagram, at, calendar.StatusScheduled)
	other.TenantID = "t2"
	assert.ErrorIs(t, st.UpdateEvent(ctx, other), calendar.ErrNotFound)
}

func TestListEventsFilterAndOrder(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateEvent(ctx, event("late", "t1", calendar.PlatformInstagram, base.Add(6*time.Hour), calendar.StatusScheduled)))
	require.NoError(t, st.CreateEvent(ctx, event("early", "t1", calendar.PlatformInstagram, base, calendar.StatusScheduled)))
	require.NoError(t, st.CreateEvent(ctx, event("tiktok", "t1", calendar.PlatformTikTok, base.Add(time.Hour), calendar.StatusScheduled)))
	require.NoError(t, st.CreateEvent(ctx, event("failed", "t1", calendar.PlatformInstagram, base.Add(2*time.Hour), calendar.StatusFailed)))
	require.NoError(t, st.CreateEvent(ctx, event("foreign", "t2", calendar.PlatformInstagram, base, calendar.StatusScheduled)))

	all, err := st.ListEvents(ctx, calendar.EventFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "early", all[0].ID, "ordered by scheduled time")
	assert.Equal(t, "late", all[3].ID)

	insta, err := st.ListEvents(ctx, calendar.EventFilter{
		TenantID: "t1",
		Platform: calendar.PlatformInstagram,
		Statuses: []calendar.EventStatus{calendar.StatusScheduled},
	})
	require.NoError(t, err)
	require.Len(t, insta, 2)

	from := base.Add(30 * time.Minute)
	to := base.Add(6 * time.Hour) // To is exclusive
	ranged, err := st.ListEvents(ctx, calendar.EventFilter{TenantID: "t1", From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, ranged, 2)

	excluded, err := st.ListEvents(ctx, calendar.EventFilter{TenantID: "t1", ExcludeID: "early"})
	require.NoError(t, err)
	assert.Len(t, excluded, 3)

	limited, err := st.ListEvents(ctx, calendar.EventFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListTenants(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateEvent(ctx, event("a", "zeta", calendar.PlatformInstagram, at, calendar.StatusFailed)))
	require.NoError(t, st.CreateEvent(ctx, event("b", "alpha", calendar.PlatformInstagram, at, calendar.StatusScheduled)))
	require.NoError(t, st.CreateEvent(ctx, event("c", "omega", calendar.PlatformInstagram, at, calendar.StatusCancelled)))

	tenants, err := st.ListTenants(ctx, []calendar.EventStatus{calendar.StatusFailed, calendar.StatusScheduled})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, tenants)
}

func TestRulesLookup(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	_, err := st.GetSchedulingRules(ctx, "t1", calendar.PlatformInstagram)
	assert.ErrorIs(t, err, calendar.ErrNotFound)

	st.SetSchedulingRules(&calendar.SchedulingRules{
		TenantID:        "t1",
		Platform:        calendar.PlatformInstagram,
		MaxPostsPerHour: 2,
	})

	rules, err := st.GetSchedulingRules(ctx, "t1", calendar.PlatformInstagram)
	require.NoError(t, err)
	assert.Equal(t, 2, rules.MaxPostsPerHour)

	_, err = st.GetSchedulingRules(ctx, "t1", calendar.PlatformTikTok)
	assert.ErrorIs(t, err, calendar.ErrNotFound, "rules are per platform")
}

func TestReschedulingRuleInactiveIsNotFound(t *testing.T) {
	st := NewStore()
	ctx := context.Background()

	st.SetReschedulingRule(&calendar.ReschedulingRule{
		TenantID:  "t1",
		Condition: calendar.ConditionFailure,
		Action:    calendar.ActionRetry,
		IsActive:  false,
	})

	_, err := st.GetReschedulingRule(ctx, "t1", calendar.ConditionFailure)
	assert.ErrorIs(t, err, calendar.ErrNotFound)

	st.SetReschedulingRule(&calendar.ReschedulingRule{
		TenantID:  "t1",
		Condition: calendar.ConditionFailure,
		Action:    calendar.ActionRetry,
		IsActive:  true,
	})

	rule, err := st.GetReschedulingRule(ctx, "t1", calendar.ConditionFailure)
	require.NoError(t, err)
	assert.Equal(t, calendar.ActionRetry, rule.Action)
}
