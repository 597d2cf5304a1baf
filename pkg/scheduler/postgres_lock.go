package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	defaultPostgresLockTable   = "ledgerpulse_scheduler_locks"
	defaultPostgresLockTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresLockProviderConfig configures Postgres locks.
type PostgresLockProviderConfig struct {
	URL              string
	Table            string
	Owner            string
	OperationTimeout time.Duration
}

func (c *PostgresLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	c.Owner = resolveOwner(c.Owner)
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresLockTimeout
	}
}

// lockQueries are rendered once for the configured table.
type lockQueries struct {
	create  string
	acquire string
	renew   string
	release string
}

func newLockQueries(table string) lockQueries {
	return lockQueries{
		create: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, table),
		// An expired row is taken over; a live one leaves the upsert empty.
		acquire: fmt.Sprintf(`
WITH taken AS (
	INSERT INTO %[1]s (lock_key, token, owner, expires_at, updated_at)
	VALUES ($1, $2, $3, $4, NOW())
	ON CONFLICT (lock_key) DO UPDATE
	SET token = EXCLUDED.token,
	    owner = EXCLUDED.owner,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %[1]s.expires_at <= NOW()
	RETURNING lock_key
)
SELECT COUNT(*) > 0 FROM taken`, table),
		renew:   fmt.Sprintf(`UPDATE %s SET expires_at = $3, updated_at = NOW() WHERE lock_key = $1 AND token = $2 AND expires_at > NOW()`, table),
		release: fmt.Sprintf(`DELETE FROM %s WHERE lock_key = $1 AND token = $2`, table),
	}
}

// PostgresLockProvider keeps one row per held run lock.
type PostgresLockProvider struct {
	db      *sql.DB
	log     logger.Logger
	config  PostgresLockProviderConfig
	queries lockQueries
}

// NewPostgresLockProvider opens the database and creates the lock table.
func NewPostgresLockProvider(cfg PostgresLockProviderConfig, log logger.Logger) (*PostgresLockProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "postgres url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "open postgres failed"), err)
	}
	p, err := newPostgresLockProviderWithDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := p.operationContext(context.Background())
	defer cancel()
	if _, err := db.ExecContext(ctx, p.queries.create); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return p, nil
}

func newPostgresLockProviderWithDB(db *sql.DB, cfg PostgresLockProviderConfig, log logger.Logger) (*PostgresLockProvider, error) {
	if db == nil {
		return nil, schedulerError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid lock table name %q", cfg.Table))
	}
	return &PostgresLockProvider{db: db, log: log, config: cfg, queries: newLockQueries(cfg.Table)}, nil
}

// Acquire inserts the run row, or takes it over when it has expired.
func (p *PostgresLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if err := p.ready(); err != nil {
		return nil, false, err
	}
	lease, err := newLease(key, p.config.Owner, ttl, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	var acquired bool
	err = p.db.QueryRowContext(opCtx, p.queries.acquire, lease.Key, lease.Token, lease.Owner, lease.ExpireAt).Scan(&acquired)
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		p.log.Debug("scheduler lock held elsewhere", "key", lease.Key)
		return nil, false, nil
	}
	return lease, true, nil
}

// Renew extends the row while the token still owns it.
func (p *PostgresLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := checkRenew(lease, ttl); err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(ttl)
	if err := p.execOwned(ctx, "renew", p.queries.renew, lease.Key, lease.Token, expiresAt); err != nil {
		return err
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release deletes the row while the token still owns it.
func (p *PostgresLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := checkLease(lease); err != nil {
		return err
	}
	return p.execOwned(ctx, "release", p.queries.release, lease.Key, lease.Token)
}

// execOwned runs a statement that must touch exactly the caller's row.
func (p *PostgresLockProvider) execOwned(ctx context.Context, op, query string, args ...any) error {
	if err := p.ready(); err != nil {
		return err
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	result, err := p.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, op+" lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, op+" lock failed"), err)
	}
	if affected == 0 {
		return schedulerError(ErrConflict, "lock "+op+" rejected")
	}
	return nil
}

// HealthCheck pings the database.
func (p *PostgresLockProvider) HealthCheck(ctx context.Context) error {
	if err := p.ready(); err != nil {
		return err
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	if err := p.db.PingContext(opCtx); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes the database handle.
func (p *PostgresLockProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresLockProvider) ready() error {
	if p == nil || p.db == nil {
		return schedulerError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	return nil
}

func (p *PostgresLockProvider) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}
