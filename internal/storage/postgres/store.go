// Package postgres is the Postgres storage backend, driven through
// database/sql with the pgx stdlib driver. Schema is managed by goose
// migrations under sql/.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/postpilot/postpilot-backend/internal/calendar"
	"go.uber.org/zap"
)

type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func Open(dsn string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, logger: logger}, nil
}

// NewStore wraps an existing pool, used by the migration runner and tests.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

const eventColumns = `id, tenant_id, client_id, content_id, title, description, platform,
	scheduled_at, status, created_by, published_at, failure_reason, retry_count, metadata,
	created_at, updated_at`

func (s *Store) CreateEvent(ctx context.Context, event *calendar.Event) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calendar_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.TenantID,
		nullString(event.ClientID),
		event.ContentID,
		event.Title,
		event.Description,
		string(event.Platform),
		event.ScheduledAt,
		string(event.Status),
		nullString(event.CreatedBy),
		event.PublishedAt,
		nullString(event.FailureReason),
		event.RetryCount,
		metadata,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, tenantID, id string) (*calendar.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE id = $1 AND tenant_id = $2`

	row := s.db.QueryRowContext(ctx, query, id, tenantID)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, calendar.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

func (s *Store) UpdateEvent(ctx context.Context, event *calendar.Event) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE calendar_events
		SET scheduled_at = $1, status = $2, published_at = $3, failure_reason = $4,
			retry_count = $5, metadata = $6, updated_at = $7
		WHERE id = $8 AND tenant_id = $9
	`
	res, err := s.db.ExecContext(ctx, query,
		event.ScheduledAt,
		string(event.Status),
		event.PublishedAt,
		nullString(event.FailureReason),
		event.RetryCount,
		metadata,
		event.UpdatedAt,
		event.ID,
		event.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return calendar.ErrNotFound
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, filter calendar.EventFilter) ([]*calendar.Event, error) {
	where, args := buildWhere(filter)
	query := `SELECT ` + eventColumns + ` FROM calendar_events ` + where + ` ORDER BY scheduled_at ASC, created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*calendar.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (s *Store) CountEvents(ctx context.Context, filter calendar.EventFilter) (int, error) {
	where, args := buildWhere(filter)
	query := `SELECT COUNT(*) FROM calendar_events ` + where

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (s *Store) ListTenants(ctx context.Context, statuses []calendar.EventStatus) ([]string, error) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(status)
	}

	query := `SELECT DISTINCT tenant_id FROM calendar_events WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY tenant_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tenants, nil
}

func (s *Store) GetSchedulingRules(ctx context.Context, tenantID string, platform calendar.Platform) (*calendar.SchedulingRules, error) {
	query := `
		SELECT tenant_id, platform, max_posts_per_hour, max_posts_per_day, min_interval_minutes,
			optimal_times, blackout_periods
		FROM platform_scheduling_rules
		WHERE tenant_id = $1 AND platform = $2 AND is_active = TRUE
	`

	var (
		rules        calendar.SchedulingRules
		optimalJSON  []byte
		blackoutJSON []byte
	)
	err := s.db.QueryRowContext(ctx, query, tenantID, string(platform)).Scan(
		&rules.TenantID,
		&rules.Platform,
		&rules.MaxPostsPerHour,
		&rules.MaxPostsPerDay,
		&rules.MinIntervalMinutes,
		&optimalJSON,
		&blackoutJSON,
	)
	if err == sql.ErrNoRows {
		return nil, calendar.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduling rules: %w", err)
	}

	if len(optimalJSON) > 0 {
		if err := json.Unmarshal(optimalJSON, &rules.OptimalTimes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal optimal times: %w", err)
		}
	}
	if len(blackoutJSON) > 0 {
		if err := json.Unmarshal(blackoutJSON, &rules.BlackoutPeriods); err != nil {
			return nil, fmt.Errorf("failed to unmarshal blackout periods: %w", err)
		}
	}
	return &rules, nil
}

func (s *Store) GetReschedulingRule(ctx context.Context, tenantID string, condition calendar.RuleCondition) (*calendar.ReschedulingRule, error) {
	query := `
		SELECT tenant_id, condition, action, delay_minutes, max_retries, is_active
		FROM rescheduling_rules
		WHERE tenant_id = $1 AND condition = $2 AND is_active = TRUE
	`

	var rule calendar.ReschedulingRule
	err := s.db.QueryRowContext(ctx, query, tenantID, string(condition)).Scan(
		&rule.TenantID,
		&rule.Condition,
		&rule.Action,
		&rule.DelayMinutes,
		&rule.MaxRetries,
		&rule.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, calendar.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rescheduling rule: %w", err)
	}
	return &rule, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// buildWhere renders the filter as a WHERE clause with $n placeholders.
func buildWhere(filter calendar.EventFilter) (string, []interface{}) {
	clauses := []string{"tenant_id = $1"}
	args := []interface{}{filter.TenantID}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.Platform != "" {
		add("platform = $%d", string(filter.Platform))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		add("scheduled_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("scheduled_at < $%d", *filter.To)
	}
	if filter.ExcludeID != "" {
		add("id <> $%d", filter.ExcludeID)
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*calendar.Event, error) {
	var (
		event         calendar.Event
		clientID      sql.NullString
		createdBy     sql.NullString
		publishedAt   sql.NullTime
		failureReason sql.NullString
		metadataJSON  []byte
	)

	err := row.Scan(
		&event.ID,
		&event.TenantID,
		&clientID,
		&event.ContentID,
		&event.Title,
		&event.Description,
		&event.Platform,
		&event.ScheduledAt,
		&event.Status,
		&createdBy,
		&publishedAt,
		&failureReason,
		&event.RetryCount,
		&metadataJSON,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.ClientID = clientID.String
	event.CreatedBy = createdBy.String
	event.FailureReason = failureReason.String
	if publishedAt.Valid {
		t := publishedAt.Time
		event.PublishedAt = &t
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &event, nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
