package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/store"
)

// DueRecorder receives due-notification metrics. Nil disables
// recording.
type DueRecorder interface {
	RecordDueNotification(ctx context.Context, platform string)
}

// DueNotice is the payload published on calendar.DueFeedChannel for
// each event entering its publish window.
type DueNotice struct {
	Event      *calendar.Event `json:"event"`
	NotifiedAt time.Time       `json:"notified_at"`
}

// Notifier scans for scheduled events about to come due and signals
// them once on the due feed. The publishing service downstream owns
// the actual posting; this job only announces.
type Notifier struct {
	store    calendar.Store
	cache    *store.Cache
	recorder DueRecorder
	logger   *zap.SugaredLogger
	window   time.Duration
	now      func() time.Time
}

type NotifierOption func(*Notifier)

func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

func WithNotifierRecorder(r DueRecorder) NotifierOption {
	return func(n *Notifier) { n.recorder = r }
}

func NewNotifier(st calendar.Store, cache *store.Cache, window time.Duration, logger *zap.SugaredLogger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		store:  st,
		cache:  cache,
		logger: logger,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run scans one notifier tick and returns how many notices went out.
// The scan reaches one window into the past so events that slipped
// between ticks still get announced; the cache dedup key keeps each
// event to a single notice.
func (n *Notifier) Run(ctx context.Context) (int, error) {
	now := n.now()
	from := now.Add(-n.window)
	to := now.Add(n.window)

	tenants, err := n.store.ListTenants(ctx, []calendar.EventStatus{calendar.StatusScheduled})
	if err != nil {
		return 0, err
	}

	notified := 0
	for _, tenantID := range tenants {
		events, err := n.store.ListEvents(ctx, calendar.EventFilter{
			TenantID: tenantID,
			Statuses: []calendar.EventStatus{calendar.StatusScheduled},
			From:     &from,
			To:       &to,
		})
		if err != nil {
			n.logger.Errorw("Due scan failed for tenant", "tenant", tenantID, "error", err)
			continue
		}

		for _, event := range events {
			sent, err := n.notify(ctx, event, now)
			if err != nil {
				n.logger.Warnw("Failed to notify due event",
					"tenant", tenantID, "event", event.ID, "error", err)
				continue
			}
			if sent {
				notified++
			}
		}
	}

	if notified > 0 {
		n.logger.Infow("Due notifications sent", "count", notified, "window", n.window)
	}
	return notified, nil
}

func (n *Notifier) notify(ctx context.Context, event *calendar.Event, now time.Time) (bool, error) {
	// SetNX is the dedup gate: the first tick to claim the key sends
	// the notice, later ticks inside the TTL see the key and skip.
	key := fmt.Sprintf("%s:%s", store.KeyDueNotified, event.ID)
	claimed, err := n.cache.SetNX(ctx, key, now, 2*n.window)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	notice := DueNotice{Event: event, NotifiedAt: now}
	if err := n.cache.Publish(ctx, calendar.DueFeedChannel, notice); err != nil {
		return false, err
	}
	if n.recorder != nil {
		n.recorder.RecordDueNotification(ctx, string(event.Platform))
	}
	n.logger.Debugw("Announced due event",
		"tenant", event.TenantID, "event", event.ID,
		"platform", event.Platform, "scheduledAt", event.ScheduledAt)
	return true, nil
}
