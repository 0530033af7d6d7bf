// Package sqlite is the SQLite storage backend (modernc driver, pure
// Go). Timestamps are stored as unix milliseconds; the schema is
// embedded and applied on open.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

const eventColumns = `id, tenant_id, client_id, content_id, title, description, platform,
	scheduled_at, status, created_by, published_at, failure_reason, retry_count, metadata,
	created_at, updated_at`

func (s *Store) CreateEvent(ctx context.Context, event *calendar.Event) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO calendar_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.TenantID,
		nullStr(event.ClientID),
		event.ContentID,
		event.Title,
		event.Description,
		string(event.Platform),
		event.ScheduledAt.UnixMilli(),
		string(event.Status),
		nullStr(event.CreatedBy),
		nullMilli(event.PublishedAt),
		nullStr(event.FailureReason),
		event.RetryCount,
		metadata,
		event.CreatedAt.UnixMilli(),
		event.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, tenantID, id string) (*calendar.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE id = ? AND tenant_id = ?`

	event, err := scanEvent(s.db.QueryRowContext(ctx, query, id, tenantID))
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

	query := `UPDATE calendar_events
		SET scheduled_at = ?, status = ?, published_at = ?, failure_reason = ?,
			retry_count = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		event.ScheduledAt.UnixMilli(),
		string(event.Status),
		nullMilli(event.PublishedAt),
		nullStr(event.FailureReason),
		event.RetryCount,
		metadata,
		event.UpdatedAt.UnixMilli(),
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
		query += " LIMIT ?"
		args = append(args, filter.Limit)
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

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calendar_events `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (s *Store) ListTenants(ctx context.Context, statuses []calendar.EventStatus) ([]string, error) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
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
	query := `SELECT tenant_id, platform, max_posts_per_hour, max_posts_per_day, min_interval_minutes,
			optimal_times, blackout_periods
		FROM platform_scheduling_rules
		WHERE tenant_id = ? AND platform = ? AND is_active = 1`

	var (
		rules        calendar.SchedulingRules
		optimalJSON  sql.NullString
		blackoutJSON sql.NullString
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

	if optimalJSON.Valid && optimalJSON.String != "" {
		if err := json.Unmarshal([]byte(optimalJSON.String), &rules.OptimalTimes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal optimal times: %w", err)
		}
	}
	if blackoutJSON.Valid && blackoutJSON.String != "" {
		if err := json.Unmarshal([]byte(blackoutJSON.String), &rules.BlackoutPeriods); err != nil {
			return nil, fmt.Errorf("failed to unmarshal blackout periods: %w", err)
		}
	}
	return &rules, nil
}

func (s *Store) GetReschedulingRule(ctx context.Context, tenantID string, condition calendar.RuleCondition) (*calendar.ReschedulingRule, error) {
	query := `SELECT tenant_id, condition, action, delay_minutes, max_retries, is_active
		FROM rescheduling_rules
		WHERE tenant_id = ? AND condition = ? AND is_active = 1`

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

func buildWhere(filter calendar.EventFilter) (string, []interface{}) {
	clauses := []string{"tenant_id = ?"}
	args := []interface{}{filter.TenantID}

	if filter.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Platform != "" {
		clauses = append(clauses, "platform = ?")
		args = append(args, string(filter.Platform))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		clauses = append(clauses, "scheduled_at >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if filter.To != nil {
		clauses = append(clauses, "scheduled_at < ?")
		args = append(args, filter.To.UnixMilli())
	}
	if filter.ExcludeID != "" {
		clauses = append(clauses, "id <> ?")
		args = append(args, filter.ExcludeID)
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
		failureReason sql.NullString
		metadataJSON  sql.NullString
		scheduledAt   int64
		publishedAt   sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)

	err := row.Scan(
		&event.ID,
		&event.TenantID,
		&clientID,
		&event.ContentID,
		&event.Title,
		&event.Description,
		&event.Platform,
		&scheduledAt,
		&event.Status,
		&createdBy,
		&publishedAt,
		&failureReason,
		&event.RetryCount,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.ClientID = clientID.String
	event.CreatedBy = createdBy.String
	event.FailureReason = failureReason.String
	event.ScheduledAt = time.UnixMilli(scheduledAt)
	event.CreatedAt = time.UnixMilli(createdAt)
	event.UpdatedAt = time.UnixMilli(updatedAt)
	if publishedAt.Valid {
		t := time.UnixMilli(publishedAt.Int64)
		event.PublishedAt = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &event, nil
}

func marshalMetadata(metadata map[string]string) (interface{}, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullMilli(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
