package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a tenant-scoped lookup matches nothing.
// Policy lookups also return it when no rule set is configured, which
// the detector treats as the permissive default rather than an error.
var ErrNotFound = errors.New("calendar: not found")

// EventFilter narrows event queries. Zero fields are ignored. All
// queries are tenant-scoped; TenantID is mandatory.
type EventFilter struct {
	TenantID string
	ClientID string // optional sub-tenant scope
	Platform Platform
	Statuses []EventStatus

	// Scheduled-time range: From inclusive, To exclusive.
	From *time.Time
	To   *time.Time

	// ExcludeID drops one event from the result, used when re-checking
	// an event's own move so it does not conflict with itself.
	ExcludeID string

	Limit int
}

// Store is the storage port for the scheduling engine. Backends must
// enforce tenant scoping on every operation; the engine never branches
// on which backend it is talking to.
type Store interface {
	// CreateEvent persists a new event.
	CreateEvent(ctx context.Context, event *Event) error

	// GetEvent loads one event scoped by tenant. ErrNotFound when the
	// id does not exist or belongs to another tenant.
	GetEvent(ctx context.Context, tenantID, id string) (*Event, error)

	// UpdateEvent writes back a mutated event, scoped by tenant.
	UpdateEvent(ctx context.Context, event *Event) error

	// ListEvents returns events matching the filter ordered by
	// scheduled time ascending.
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// CountEvents returns the number of events matching the filter.
	CountEvents(ctx context.Context, filter EventFilter) (int, error)

	// ListTenants returns the distinct tenant ids that have any event
	// in one of the given statuses.
	ListTenants(ctx context.Context, statuses []EventStatus) ([]string, error)

	// GetSchedulingRules loads the active posting policy for a
	// (tenant, platform) pair. ErrNotFound when none is configured.
	GetSchedulingRules(ctx context.Context, tenantID string, platform Platform) (*SchedulingRules, error)

	// GetReschedulingRule loads the active resolution rule for a
	// (tenant, condition) pair. ErrNotFound when none is configured.
	GetReschedulingRule(ctx context.Context, tenantID string, condition RuleCondition) (*ReschedulingRule, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
