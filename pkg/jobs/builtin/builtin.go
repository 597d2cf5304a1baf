// Package builtin registers the job handlers every ledgerpulse process ships with.
package builtin

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/idempotency"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
)

const (
	// HealthPing is a no-op job used to verify the pipeline end to end.
	HealthPing = "healthPing"
	// PruneJobFailures deletes dead-letter records past retention.
	PruneJobFailures = "pruneJobFailures"
)

// HealthPingInput is the payload of HealthPing.
type HealthPingInput struct {
	CompanyID string `json:"companyId,omitempty"`
	At        string `json:"at,omitempty"`
}

// Pruner removes failure records older than the configured retention.
type Pruner interface {
	PruneOldFailures(ctx context.Context) (int64, error)
}

// Options wires the collaborators of the built-in handlers.
type Options struct {
	Failures Pruner
	// Guard, when set, limits pruneJobFailures to one run per UTC day.
	Guard *idempotency.Guard
	Now   func() time.Time
}

// Register adds the built-in handlers to registry.
func Register(registry *jobs.Registry, opts Options) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := jobs.RegisterTyped(registry, HealthPing, healthPing); err != nil {
		return err
	}
	if opts.Failures == nil {
		return nil
	}

	var prune jobs.Handler = jobs.HandlerFunc(func(ctx context.Context, _ jobs.Payload, rc jobs.RunContext) (any, error) {
		removed, err := opts.Failures.PruneOldFailures(ctx)
		if err != nil {
			return nil, err
		}
		rc.Logger.Info("job failures pruned", "removed", removed)
		return map[string]any{"removed": removed}, nil
	})
	if opts.Guard != nil {
		prune = opts.Guard.Wrap(PruneJobFailures, idempotency.DailyKey(opts.Now), prune)
	}
	return registry.Register(PruneJobFailures, prune)
}

func healthPing(_ context.Context, in HealthPingInput, rc jobs.RunContext) (any, error) {
	rc.Logger.Info("HEALTH_PING_OK", "companyId", in.CompanyID, "at", in.At)
	return map[string]any{"ok": true}, nil
}
