package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/store"
	"go.uber.org/zap"
)

// CachedStore decorates a backend with a read-through cache for the
// posting policies, which are read on every conflict check but change
// rarely. Event reads and writes pass straight through: correctness of
// the rate-limit windows depends on seeing the latest events.
type CachedStore struct {
	calendar.Store

	cache  *store.Cache
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// cachedRules also represents "no policy configured" so tenants
// without rules do not hammer the database either.
type cachedRules struct {
	Missing bool                      `json:"missing,omitempty"`
	Rules   *calendar.SchedulingRules `json:"rules,omitempty"`
}

func NewCachedStore(base calendar.Store, cache *store.Cache, ttl time.Duration, logger *zap.SugaredLogger) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{Store: base, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedStore) GetSchedulingRules(ctx context.Context, tenantID string, platform calendar.Platform) (*calendar.SchedulingRules, error) {
	key := fmt.Sprintf("%s:%s:%s", store.KeySchedulingRules, tenantID, platform)

	var cached cachedRules
	if err := c.cache.Get(ctx, key, &cached); err == nil {
		if cached.Missing {
			return nil, calendar.ErrNotFound
		}
		return cached.Rules, nil
	} else if !errors.Is(err, store.ErrCacheMiss) {
		c.logger.Warnw("Rules cache read failed; falling through", "key", key, "error", err)
	}

	rules, err := c.Store.GetSchedulingRules(ctx, tenantID, platform)
	if errors.Is(err, calendar.ErrNotFound) {
		c.put(ctx, key, cachedRules{Missing: true})
		return nil, calendar.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.put(ctx, key, cachedRules{Rules: rules})
	return rules, nil
}

func (c *CachedStore) put(ctx context.Context, key string, value cachedRules) {
	if err := c.cache.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warnw("Rules cache write failed", "key", key, "error", err)
	}
}
