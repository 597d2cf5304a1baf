// Package idempotency wraps job handlers so that repeated invocations with the
// same logical key run their side effects at most once per freshness window.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	// DefaultTTL is how long a completed result short-circuits repeat calls.
	DefaultTTL = 24 * time.Hour
	// DefaultPendingTTL bounds how long an in-flight claim blocks other callers.
	DefaultPendingTTL = 10 * time.Minute
)

var (
	// ErrInFlight is returned when another invocation holds the key. It is
	// retryable so a queued job comes back after the claim settles.
	ErrInFlight = errors.New("idempotent operation already in flight")
	// ErrInvalidKey is returned when a key function produces an empty key.
	ErrInvalidKey = errors.New("idempotency key is empty")
)

// Record is the stored state of one (namespace, key) pair.
type Record struct {
	Key         string          `json:"key"`
	Pending     bool            `json:"pending"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Store persists idempotency claims.
type Store interface {
	// Claim reserves key for pendingTTL. When the key already exists the
	// current record is returned with claimed == false.
	Claim(ctx context.Context, key string, pendingTTL time.Duration) (claimed bool, existing *Record, err error)
	// Complete replaces the claim with the final result for ttl.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release drops a claim so the operation can run again.
	Release(ctx context.Context, key string) error
	Close() error
}

// KeyFunc derives the logical key of one invocation.
type KeyFunc func(payload jobs.Payload, rc jobs.RunContext) (string, error)

// Config tunes freshness windows.
type Config struct {
	TTL        time.Duration
	PendingTTL time.Duration
}

func (c *Config) normalize() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
}

// Guard applies the at-most-once contract on top of a Store.
type Guard struct {
	store  Store
	log    logger.Logger
	config Config
	now    func() time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock overrides the time source used for CompletedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard creates a guard backed by store.
func NewGuard(store Store, log logger.Logger, cfg Config, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	cfg.normalize()
	g := &Guard{store: store, log: log, config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Wrap returns a handler that runs inner at most once per derived key.
// A nil keyFn uses PayloadKey. A repeat call returns the cached result.
func (g *Guard) Wrap(namespace string, keyFn KeyFunc, inner jobs.Handler) jobs.Handler {
	if keyFn == nil {
		keyFn = PayloadKey
	}
	namespace = strings.TrimSpace(namespace)
	return jobs.HandlerFunc(func(ctx context.Context, payload jobs.Payload, rc jobs.RunContext) (any, error) {
		key, err := keyFn(payload, rc)
		if err != nil {
			return nil, jobs.NonRetryable(fmt.Errorf("derive idempotency key: %w", err))
		}
		if strings.TrimSpace(key) == "" {
			return nil, jobs.NonRetryable(ErrInvalidKey)
		}
		storageKey := namespace + ":" + key
		log := g.log.WithContext(ctx).With("idempotency_key", storageKey)

		claimed, existing, err := g.store.Claim(ctx, storageKey, g.config.PendingTTL)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if !claimed {
			if existing != nil && !existing.Pending {
				log.Info("IDEMPOTENT_REPLAY")
				return decodeResult(existing.Result)
			}
			return nil, fmt.Errorf("%w: %s", ErrInFlight, storageKey)
		}

		// The claim is released on error and on panic; the panic keeps propagating.
		done := false
		defer func() {
			if done {
				return
			}
			if err := g.store.Release(ctx, storageKey); err != nil {
				log.Warn("idempotency release failed", "error", err)
			}
		}()
		result, runErr := inner.Handle(ctx, payload, rc)
		if runErr != nil {
			return nil, runErr
		}
		done = true

		encoded, err := json.Marshal(result)
		if err != nil {
			log.Warn("idempotency result not encodable", "error", err)
			encoded = nil
		}
		completedAt := g.now().UTC()
		if err := g.store.Complete(ctx, storageKey, Record{
			Key:         storageKey,
			Result:      encoded,
			CompletedAt: &completedAt,
		}, g.config.TTL); err != nil {
			log.Warn("idempotency completion not stored", "error", err)
		}
		return result, nil
	})
}

// Close releases the backing store.
func (g *Guard) Close() error {
	if g == nil || g.store == nil {
		return nil
	}
	return g.store.Close()
}

// PayloadKey hashes the payload's canonical JSON encoding.
func PayloadKey(payload jobs.Payload, _ jobs.RunContext) (string, error) {
	if payload == nil {
		payload = jobs.Payload{}
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// FieldKey builds a key from the named payload fields, failing when any is missing.
func FieldKey(fields ...string) KeyFunc {
	return func(payload jobs.Payload, _ jobs.RunContext) (string, error) {
		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			value, ok := payload[field]
			if !ok || value == nil {
				return "", fmt.Errorf("payload field %q is required", field)
			}
			parts = append(parts, fmt.Sprint(value))
		}
		return strings.Join(parts, ":"), nil
	}
}

// DailyKey keys an invocation by the UTC calendar date of now().
func DailyKey(now func() time.Time) KeyFunc {
	if now == nil {
		now = time.Now
	}
	return func(jobs.Payload, jobs.RunContext) (string, error) {
		return now().UTC().Format(time.DateOnly), nil
	}
}

func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return out, nil
}
