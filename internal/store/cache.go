// Package store provides the Redis-backed cache and pub/sub fabric.
// When Redis is unreachable it degrades to an in-process store and
// hub so a single-node deployment keeps working.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/postpilot/postpilot-backend/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache key prefixes.
const (
	KeySchedulingRules = "cal:rules"    // cal:rules:<tenant>:<platform>
	KeyDueNotified     = "cal:notified" // cal:notified:<event-id>
)

// ErrCacheMiss is returned when a key is absent.
var ErrCacheMiss = fmt.Errorf("cache miss")

type Cache struct {
	// client is set when Redis is reachable.
	client *redis.Client
	// local and hub back the degraded single-process mode.
	local *memStore
	hub   *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-process cache and pubsub", "error", err)
		}
		return &Cache{
			local:   newMemStore(),
			hub:     NewPubSubHub(),
			logger:  logger,
			metrics: metrics,
		}, nil
	}

	return &Cache{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewMemoryCache builds a cache that never touches Redis. Tests and
// single-process deployments use it directly.
func NewMemoryCache(logger *zap.SugaredLogger, metrics *metrics.Metrics) *Cache {
	return &Cache{
		local:   newMemStore(),
		hub:     NewPubSubHub(),
		logger:  logger,
		metrics: metrics,
	}
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	var data []byte

	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				c.recordMiss(ctx, key)
				return ErrCacheMiss
			}
			if c.logger != nil {
				c.logger.Errorw("Cache get error", "key", key, "error", err)
			}
			return fmt.Errorf("cache get error: %w", err)
		}
		data = []byte(val)
	} else {
		val, ok := c.local.get(key)
		if !ok {
			c.recordMiss(ctx, key)
			return ErrCacheMiss
		}
		data = val
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache set error", "key", key, "error", err)
			}
			return fmt.Errorf("cache set error: %w", err)
		}
		return nil
	}
	c.local.set(key, data, ttl)
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache delete error: %w", err)
		}
		return nil
	}
	c.local.del(keys...)
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client != nil {
		count, err := c.client.Exists(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("cache exists error: %w", err)
		}
		return count > 0, nil
	}
	_, ok := c.local.get(key)
	return ok, nil
}

// SetNX sets key only if absent and reports whether it was set. The
// due notifier uses it to signal each event at most once per window.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("cache marshal error: %w", err)
	}

	if c.client != nil {
		ok, err := c.client.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("cache setnx error: %w", err)
		}
		return ok, nil
	}
	return c.local.setNX(key, data, ttl), nil
}

// Publish sends a message to every subscriber of channel.
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	c.hub.Publish(channel, string(data))
	return nil
}

// Subscribe returns a channel of raw payloads for the given channels.
// It abstracts over Redis pub/sub and the in-process hub so consumers
// never branch on the mode.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan string {
	out := make(chan string, 64)

	if c.client != nil {
		sub := c.client.Subscribe(ctx, channels...)
		go func() {
			defer close(out)
			defer sub.Close()
			ch := sub.Channel()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- msg.Payload:
					default:
						// Slow consumer; drop rather than block the reader.
					}
				}
			}
		}()
		return out
	}

	sub := c.hub.Subscribe(ctx, channels...)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out
}

// InMemoryMode reports whether the cache is running without Redis.
func (c *Cache) InMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return nil
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Cache) recordMiss(ctx context.Context, key string) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(ctx, key)
	}
}
