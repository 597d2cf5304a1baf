package scheduler

import (
	"strings"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/health"
)

// NewLockHealthChecker reports the lock backend. A scheduler that cannot
// lock skips its runs, so the check is optional: failures degrade.
func NewLockHealthChecker(name string, provider LockProvider, timeout time.Duration) health.Checker {
	if strings.TrimSpace(name) == "" {
		name = "scheduler-lock"
	}
	return health.NewOptionalChecker(name, provider, timeout)
}
