// Package memory is the in-memory storage backend. It backs tests and
// local development without a database; semantics match the SQL
// backends, including tenant scoping and ordering.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/postpilot/postpilot-backend/internal/calendar"
)

type Store struct {
	mu       sync.RWMutex
	events   map[string]*calendar.Event            // id -> event
	rules    map[string]*calendar.SchedulingRules  // tenant|platform
	resRules map[string]*calendar.ReschedulingRule // tenant|condition
}

func NewStore() *Store {
	return &Store{
		events:   make(map[string]*calendar.Event),
		rules:    make(map[string]*calendar.SchedulingRules),
		resRules: make(map[string]*calendar.ReschedulingRule),
	}
}

func rulesKey(tenantID string, platform calendar.Platform) string {
	return tenantID + "|" + string(platform)
}

func resRuleKey(tenantID string, condition calendar.RuleCondition) string {
	return tenantID + "|" + string(condition)
}

func (s *Store) CreateEvent(ctx context.Context, event *calendar.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneEvent(event)
	s.events[cp.ID] = cp
	return nil
}

func (s *Store) GetEvent(ctx context.Context, tenantID, id string) (*calendar.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok || event.TenantID != tenantID {
		return nil, calendar.ErrNotFound
	}
	return cloneEvent(event), nil
}

func (s *Store) UpdateEvent(ctx context.Context, event *calendar.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.events[event.ID]
	if !ok || existing.TenantID != event.TenantID {
		return calendar.ErrNotFound
	}
	s.events[event.ID] = cloneEvent(event)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, filter calendar.EventFilter) ([]*calendar.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*calendar.Event
	for _, event := range s.events {
		if matches(event, filter) {
			out = append(out, cloneEvent(event))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, filter calendar.EventFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, event := range s.events {
		if matches(event, filter) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListTenants(ctx context.Context, statuses []calendar.EventStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, event := range s.events {
		if !statusIn(event.Status, statuses) {
			continue
		}
		seen[event.TenantID] = struct{}{}
	}

	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (s *Store) GetSchedulingRules(ctx context.Context, tenantID string, platform calendar.Platform) (*calendar.SchedulingRules, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules, ok := s.rules[rulesKey(tenantID, platform)]
	if !ok {
		return nil, calendar.ErrNotFound
	}
	cp := *rules
	return &cp, nil
}

func (s *Store) GetReschedulingRule(ctx context.Context, tenantID string, condition calendar.RuleCondition) (*calendar.ReschedulingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.resRules[resRuleKey(tenantID, condition)]
	if !ok || !rule.IsActive {
		return nil, calendar.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

// SetSchedulingRules installs a posting policy. Rule configuration is
// external to the engine; this is the seeding surface for tests and
// local development.
func (s *Store) SetSchedulingRules(rules *calendar.SchedulingRules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rules
	s.rules[rulesKey(rules.TenantID, rules.Platform)] = &cp
}

// SetReschedulingRule installs a resolution rule.
func (s *Store) SetReschedulingRule(rule *calendar.ReschedulingRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.resRules[resRuleKey(rule.TenantID, rule.Condition)] = &cp
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func matches(event *calendar.Event, filter calendar.EventFilter) bool {
	if event.TenantID != filter.TenantID {
		return false
	}
	if filter.ClientID != "" && event.ClientID != filter.ClientID {
		return false
	}
	if filter.Platform != "" && event.Platform != filter.Platform {
		return false
	}
	if len(filter.Statuses) > 0 && !statusIn(event.Status, filter.Statuses) {
		return false
	}
	if filter.From != nil && event.ScheduledAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !event.ScheduledAt.Before(*filter.To) {
		return false
	}
	if filter.ExcludeID != "" && event.ID == filter.ExcludeID {
		return false
	}
	return true
}

func statusIn(status calendar.EventStatus, set []calendar.EventStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func cloneEvent(event *calendar.Event) *calendar.Event {
	cp := *event
	if event.PublishedAt != nil {
		t := *event.PublishedAt
		cp.PublishedAt = &t
	}
	if event.Metadata != nil {
		cp.Metadata = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
