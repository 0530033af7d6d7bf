package calendar_test

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

func TestSuggestReturnsConflictFreeSlots(t *testing.T) {
	st := memory.NewStore()
	seedRules(st, calendar.SchedulingRules{
		MaxPostsPerHour:    1,
		MaxPostsPerDay:     10,
		MinIntervalMinutes: 30,
	})
	d := calendar.NewDetector(st, log.NewNop())
	sg := calendar.NewSuggester(d, st, log.NewNop(), 6, 3)

	original := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	seedEvent(t, st, "taken", calendar.PlatformInstagram, original, calendar.StatusScheduled)
	// 11:00 is occupied too, so the first free probe is 12:00.
	seedEvent(t, st, "taken2", calendar.PlatformInstagram, original.Add(time.Hour), calendar.StatusScheduled)

	out, err := sg.Suggest(context.Background(), testTenant, calendar.PlatformInstagram, original, calendar.CheckScope{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, original.Add(2*time.Hour), out[0])
	assert.Equal(t, original.Add(3*time.Hour), out[1])
	assert.Equal(t, original.Add(4*time.Hour), out[2])

	// Every suggestion passes its own conflict check.
	for _, slot := range out {
		conflicts, err := d.Check(context.Background(), testTenant, calendar.PlatformInstagram, slot, calendar.CheckScope{})
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	}
}

func TestSuggestHonorsHorizon(t *testing.T) {
	st := memory.NewStore()
	seedRules(st, calendar.SchedulingRules{
		MaxPostsPerHour: 10,
		MaxPostsPerDay:  10,
		BlackoutPeriods: []calendar.BlackoutPeriod{
			// Everything from 11:00 onward is blacked out.
			{Start: "11:00", End: "23:59"},
		},
	})
	d := calendar.NewDetector(st, log.NewNop())
	sg := calendar.NewSuggester(d, st, log.NewNop(), 4, 3)

	original := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	out, err := sg.Suggest(context.Background(), testTenant, calendar.PlatformInstagram, original, calendar.CheckScope{})
	require.NoError(t, err)
	assert.Empty(t, out, "no free slot inside the horizon")
}

func TestSuggestCapsAtLimit(t *testing.T) {
	st := memory.NewStore()
	seedRules(st, calendar.SchedulingRules{MaxPostsPerHour: 10, MaxPostsPerDay: 10})
	d := calendar.NewDetector(st, log.NewNop())
	sg := calendar.NewSuggester(d, st, log.NewNop(), 6, 2)

	original := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	out, err := sg.Suggest(context.Background(), testTenant, calendar.PlatformInstagram, original, calendar.CheckScope{})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSuggestOptimalPicksHighestScore(t *testing.T) {
	st := memory.NewStore()
	seedRules(st, calendar.SchedulingRules{
		MaxPostsPerHour: 10,
		MaxPostsPerDay:  10,
		OptimalTimes: []calendar.OptimalTime{
			{DayOfWeek: 1, Hour: 9, Score: 60},
			{DayOfWeek: 1, Hour: 18, Score: 90},
			{DayOfWeek: 2, Hour: 12, Score: 100}, // wrong weekday
		},
	})
	d := calendar.NewDetector(st, log.NewNop())
	sg := calendar.NewSuggester(d, st, log.NewNop(), 6, 3)

	// 2026-03-02 is a Monday.
	target := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	got, ok, err := sg.SuggestOptimal(context.Background(), testTenant, calendar.PlatformInstagram, target, calendar.CheckScope{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), got)
}

func TestSuggestOptimalSkipsPastAndConflictingSlots(t *testing.T) {
	st := memory.NewStore()
	seedRules(st, calendar.SchedulingRules{
		MaxPostsPerHour:    1,
		MaxPostsPerDay:     10,
		MinIntervalMinutes: 30,
		OptimalTimes: []calendar.OptimalTime{
			{DayOfWeek: 1, Hour: 9, Score: 90},
			{DayOfWeek: 1, Hour: 18, Score: 80},
		},
	})
	d := calendar.NewDetector(st, log.NewNop())
	sg := calendar.NewSuggester(d, st, log.NewNop(), 6, 3)

	// 18:00 is occupied, 09:00 is already past the target.
	seedEvent(t, st, "busy", calendar.PlatformInstagram, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), calendar.StatusScheduled)

	target := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, ok, err := sg.SuggestOptimal(context.Background(), testTenant, calendar.PlatformInstagram, target, calendar.CheckScope{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSuggestOptimalWithoutRules(t *testing.T) {
	st := memory.NewStore()
	d := calendar.NewDetector(st, log.NewNop())
	sg := calendar.NewSuggester(d, st, log.NewNop(), 6, 3)

	_, ok, err := sg.SuggestOptimal(context.Background(), testTenant, calendar.PlatformInstagram,
		time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), calendar.CheckScope{})
	require.NoError(t, err)
	assert.False(t, ok)
}
