// Package postgres stores job failure records in PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	defaultTable            = "job_failures"
	defaultOperationTimeout = 5 * time.Second
	defaultMaxOpenConns     = 10
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const recordColumns = `id, job_id, job_name, queue_name, company_id, payload, attempts_made, max_attempts, is_final_attempt, failed_reason, stack_trace, first_failed_at, last_failed_at, created_at, resolved_at`

// Config configures the Postgres failure store.
type Config struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
	MaxOpenConns     int
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
}

// Store implements failures.Store on a database/sql handle.
type Store struct {
	db     *sql.DB
	log    logger.Logger
	config Config
}

// New opens the database, pings it and creates the table when missing.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid failures table name %q", cfg.Table)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}

	store := &Store{db: db, log: log, config: cfg}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres failure store ready", "table", cfg.Table)
	return store, nil
}

func newStoreWithDB(db *sql.DB, cfg Config, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid failures table name %q", cfg.Table)
	}
	return &Store{db: db, log: log, config: cfg}, nil
}

// EnsureSchema creates the table and its indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	table := s.config.Table
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	job_id TEXT NOT NULL,
	job_name TEXT NOT NULL,
	queue_name TEXT NOT NULL,
	company_id TEXT NULL,
	payload JSONB NULL,
	attempts_made INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	is_final_attempt BOOLEAN NOT NULL DEFAULT FALSE,
	failed_reason TEXT NOT NULL DEFAULT '',
	stack_trace TEXT NOT NULL DEFAULT '',
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ NULL
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_at_idx ON %s (created_at DESC)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_job_name_idx ON %s (job_name, created_at DESC)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_job_id_idx ON %s (job_id)`, table, table),
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure failures schema failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec *failures.Record) error {
	if rec == nil {
		return errors.New("record is required")
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, s.config.Table, recordColumns)

	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.JobName, rec.QueueName, nullString(rec.CompanyID), payload,
		rec.AttemptsMade, rec.MaxAttempts, rec.IsFinalAttempt, rec.FailedReason, rec.StackTrace,
		rec.FirstFailedAt, rec.LastFailedAt, rec.CreatedAt, nullTime(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert failure record failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*failures.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, s.config.Table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failures.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failure record failed: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, filter failures.ListFilter) ([]failures.Record, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.CompanyID != "" {
		args = append(args, filter.CompanyID)
		conditions = append(conditions, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if filter.JobName != "" {
		args = append(args, filter.JobName)
		conditions = append(conditions, fmt.Sprintf("job_name = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, s.config.Table, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failure records failed: %w", err)
	}
	defer rows.Close()

	out := []failures.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure record failed: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) CountSince(ctx context.Context, since time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE created_at >= $1`, s.config.Table)
	var count int
	if err := s.db.QueryRowContext(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failure records failed: %w", err)
	}
	return count, nil
}

func (s *Store) TopJobsSince(ctx context.Context, since time.Time, limit int) ([]failures.JobCount, error) {
	query := fmt.Sprintf(`SELECT job_name, COUNT(*) AS failures FROM %s WHERE created_at >= $1 GROUP BY job_name ORDER BY failures DESC, MIN(created_at) ASC, job_name ASC LIMIT $2`, s.config.Table)
	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("aggregate failure records failed: %w", err)
	}
	defer rows.Close()

	out := []failures.JobCount{}
	for rows.Next() {
		var entry failures.JobCount
		if err := rows.Scan(&entry.JobName, &entry.Count); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) FirstFailedAt(ctx context.Context, jobID string) (time.Time, bool, error) {
	query := fmt.Sprintf(`SELECT MIN(first_failed_at) FROM %s WHERE job_id = $1`, s.config.Table)
	var first sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, jobID).Scan(&first); err != nil {
		return time.Time{}, false, err
	}
	return first.Time, first.Valid, nil
}

func (s *Store) MarkResolved(ctx context.Context, id string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`, s.config.Table)
	result, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("resolve failure record failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.config.Table)
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune failure records failed: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres failure store is not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*failures.Record, error) {
	var (
		rec        failures.Record
		companyID  sql.NullString
		payload    []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.JobID, &rec.JobName, &rec.QueueName, &companyID, &payload,
		&rec.AttemptsMade, &rec.MaxAttempts, &rec.IsFinalAttempt, &rec.FailedReason, &rec.StackTrace,
		&rec.FirstFailedAt, &rec.LastFailedAt, &rec.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if companyID.Valid {
		rec.CompanyID = &companyID.String
	}
	if len(payload) > 0 {
		rec.Payload = payload
	}
	if resolvedAt.Valid {
		resolved := resolvedAt.Time
		rec.ResolvedAt = &resolved
	}
	return &rec, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
