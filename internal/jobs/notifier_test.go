package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/log"
	"github.com/postpilot/postpilot-backend/internal/storage/memory"
	"github.com/postpilot/postpilot-backend/internal/store"
)

func newTestNotifier(st *memory.Store, cache *store.Cache) *Notifier {
	return NewNotifier(st, cache, 5*time.Minute, log.NewNop(),
		WithNotifierClock(func() time.Time { return testNow }))
}

func TestNotifierAnnouncesDueEvents(t *testing.T) {
	st := memory.NewStore()
	cache := store.NewMemoryCache(log.NewNop(), nil)
	n := newTestNotifier(st, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := cache.Subscribe(ctx, calendar.DueFeedChannel)

	addEvent(t, st, "due", testNow.Add(3*time.Minute), calendar.StatusScheduled, 0, testNow.Add(-time.Hour))
	addEvent(t, st, "far", testNow.Add(2*time.Hour), calendar.StatusScheduled, 0, testNow.Add(-time.Hour))
	addEvent(t, st, "done", testNow.Add(2*time.Minute), calendar.StatusPublished, 0, testNow.Add(-time.Hour))

	sent, err := n.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	select {
	case payload := <-feed:
		var notice DueNotice
		require.NoError(t, json.Unmarshal([]byte(payload), &notice))
		assert.Equal(t, "due", notice.Event.ID)
		assert.True(t, notice.NotifiedAt.Equal(testNow))
	case <-time.After(time.Second):
		t.Fatal("no due notice on the feed")
	}
}

func TestNotifierDeduplicatesAcrossTicks(t *testing.T) {
	st := memory.NewStore()
	cache := store.NewMemoryCache(log.NewNop(), nil)
	n := newTestNotifier(st, cache)

	addEvent(t, st, "due", testNow.Add(3*time.Minute), calendar.StatusScheduled, 0, testNow.Add(-time.Hour))

	ctx := context.Background()
	sent, err := n.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// The event is still inside the window on the next tick, but the
	// dedup key suppresses a second notice.
	sent, err = n.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestNotifierCatchesSlightlyOverdueEvents(t *testing.T) {
	st := memory.NewStore()
	cache := store.NewMemoryCache(log.NewNop(), nil)
	n := newTestNotifier(st, cache)

	addEvent(t, st, "slipped", testNow.Add(-2*time.Minute), calendar.StatusScheduled, 0, testNow.Add(-time.Hour))

	sent, err := n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "events that slipped past between ticks still get announced")
}
