// Package bunstore stores job failure records through the bun ORM, on
// PostgreSQL (pgdriver) or SQLite (sqliteshim).
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const tableName = "job_failures"

type failureModel struct {
	bun.BaseModel `bun:"table:job_failures,alias:jf"`

	ID             string     `bun:"id,pk"`
	JobID          string     `bun:"job_id,notnull"`
	JobName        string     `bun:"job_name,notnull"`
	QueueName      string     `bun:"queue_name,notnull"`
	CompanyID      *string    `bun:"company_id"`
	Payload        *string    `bun:"payload,type:text"`
	AttemptsMade   int        `bun:"attempts_made,notnull"`
	MaxAttempts    int        `bun:"max_attempts,notnull"`
	IsFinalAttempt bool       `bun:"is_final_attempt,notnull"`
	FailedReason   string     `bun:"failed_reason,notnull"`
	StackTrace     string     `bun:"stack_trace,notnull"`
	FirstFailedAt  time.Time  `bun:"first_failed_at,notnull"`
	LastFailedAt   time.Time  `bun:"last_failed_at,notnull"`
	CreatedAt      time.Time  `bun:"created_at,notnull"`
	ResolvedAt     *time.Time `bun:"resolved_at"`
}

// Store implements failures.Store with bun.
type Store struct {
	db  *bun.DB
	log logger.Logger
}

// Open connects using the URL scheme to pick the dialect: postgres:// and
// postgresql:// use pgdriver, sqlite:// and file: use sqliteshim.
func Open(ctx context.Context, url string, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	url = strings.TrimSpace(url)

	var db *bun.DB
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(url)))
		db = bun.NewDB(sqldb, pgdialect.New())
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"):
		dsn := strings.TrimPrefix(url, "sqlite://")
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite failed: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("unsupported failures database url %q", url)
	}

	store, err := New(ctx, db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing bun handle and creates the table when missing.
func New(ctx context.Context, db *bun.DB, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping failures database failed: %w", err)
	}
	store := &Store{db: db, log: log}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the job_failures table and its created_at index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*failureModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create failures table failed: %w", err)
	}
	_, err := s.db.NewCreateIndex().
		Model((*failureModel)(nil)).
		Index("job_failures_created_at_idx").
		IfNotExists().
		Column("created_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create failures index failed: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec *failures.Record) error {
	if rec == nil {
		return errors.New("record is required")
	}
	if _, err := s.db.NewInsert().Model(toModel(rec)).Exec(ctx); err != nil {
		return fmt.Errorf("insert failure record failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*failures.Record, error) {
	m := new(failureModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failures.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failure record failed: %w", err)
	}
	rec := fromModel(m)
	return &rec, nil
}

func (s *Store) List(ctx context.Context, filter failures.ListFilter) ([]failures.Record, error) {
	var models []failureModel
	q := s.db.NewSelect().Model(&models)
	if filter.CompanyID != "" {
		q = q.Where("company_id = ?", filter.CompanyID)
	}
	if filter.JobName != "" {
		q = q.Where("job_name = ?", filter.JobName)
	}
	q = q.Order("created_at DESC").Limit(filter.Limit)
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list failure records failed: %w", err)
	}

	out := make([]failures.Record, 0, len(models))
	for i := range models {
		out = append(out, fromModel(&models[i]))
	}
	return out, nil
}

func (s *Store) CountSince(ctx context.Context, since time.Time) (int, error) {
	count, err := s.db.NewSelect().Model((*failureModel)(nil)).Where("created_at >= ?", since.UTC()).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count failure records failed: %w", err)
	}
	return count, nil
}

func (s *Store) TopJobsSince(ctx context.Context, since time.Time, limit int) ([]failures.JobCount, error) {
	var rows []struct {
		JobName  string `bun:"job_name"`
		Failures int    `bun:"failures"`
	}
	err := s.db.NewSelect().
		Model((*failureModel)(nil)).
		ColumnExpr("job_name").
		ColumnExpr("COUNT(*) AS failures").
		Where("created_at >= ?", since.UTC()).
		Group("job_name").
		OrderExpr("failures DESC").
		OrderExpr("MIN(created_at) ASC").
		OrderExpr("job_name ASC").
		Limit(limit).
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("aggregate failure records failed: %w", err)
	}

	out := make([]failures.JobCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, failures.JobCount{JobName: row.JobName, Count: row.Failures})
	}
	return out, nil
}

func (s *Store) FirstFailedAt(ctx context.Context, jobID string) (time.Time, bool, error) {
	m := new(failureModel)
	err := s.db.NewSelect().
		Model(m).
		Column("first_failed_at").
		Where("job_id = ?", jobID).
		Order("first_failed_at ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return m.FirstFailedAt.UTC(), true, nil
}

func (s *Store) MarkResolved(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		TableExpr(tableName).
		Set("resolved_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("resolved_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve failure record failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		TableExpr(tableName).
		Where("created_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune failure records failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toModel(rec *failures.Record) *failureModel {
	m := &failureModel{
		ID:             rec.ID,
		JobID:          rec.JobID,
		JobName:        rec.JobName,
		QueueName:      rec.QueueName,
		CompanyID:      rec.CompanyID,
		AttemptsMade:   rec.AttemptsMade,
		MaxAttempts:    rec.MaxAttempts,
		IsFinalAttempt: rec.IsFinalAttempt,
		FailedReason:   rec.FailedReason,
		StackTrace:     rec.StackTrace,
		FirstFailedAt:  rec.FirstFailedAt.UTC(),
		LastFailedAt:   rec.LastFailedAt.UTC(),
		CreatedAt:      rec.CreatedAt.UTC(),
		ResolvedAt:     rec.ResolvedAt,
	}
	if len(rec.Payload) > 0 {
		payload := string(rec.Payload)
		m.Payload = &payload
	}
	return m
}

func fromModel(m *failureModel) failures.Record {
	rec := failures.Record{
		ID:             m.ID,
		JobID:          m.JobID,
		JobName:        m.JobName,
		QueueName:      m.QueueName,
		CompanyID:      m.CompanyID,
		AttemptsMade:   m.AttemptsMade,
		MaxAttempts:    m.MaxAttempts,
		IsFinalAttempt: m.IsFinalAttempt,
		FailedReason:   m.FailedReason,
		StackTrace:     m.StackTrace,
		FirstFailedAt:  m.FirstFailedAt.UTC(),
		LastFailedAt:   m.LastFailedAt.UTC(),
		CreatedAt:      m.CreatedAt.UTC(),
		ResolvedAt:     m.ResolvedAt,
	}
	if m.Payload != nil {
		rec.Payload = []byte(*m.Payload)
	}
	return rec
}
