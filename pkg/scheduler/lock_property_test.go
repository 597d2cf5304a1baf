package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
)

// dedupDispatcher rejects a job id it has already accepted, like a broker
// does for explicit job ids.
type dedupDispatcher struct {
	mu   sync.Mutex
	seen map[string]int
}

func (d *dedupDispatcher) Submit(_ context.Context, _ string, _ jobs.Payload, opts jobs.Options) (jobs.Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]int{}
	}
	d.seen[opts.JobID]++
	if d.seen[opts.JobID] > 1 {
		return jobs.Submission{}, jobs.ErrConflict
	}
	return jobs.Submission{Mode: jobs.ModeQueued, JobID: opts.JobID}, nil
}

func (d *dedupDispatcher) accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func TestScheduler_Property_EachRunDispatchedOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("competing instances enqueue every run exactly once", prop.ForAll(
		func(instances int, runs []uint8) bool {
			locks := NewMemoryLockProvider()
			dispatcher := &dedupDispatcher{}
			task := snapshotTask("@every 1h")
			task.LockTTL = time.Minute

			schedulers := make([]*Scheduler, instances)
			for i := range schedulers {
				s, err := New(dispatcher, locks, nil, Config{})
				if err != nil {
					return false
				}
				schedulers[i] = s
			}

			distinct := map[uint8]struct{}{}
			var wg sync.WaitGroup
			for _, run := range runs {
				distinct[run] = struct{}{}
				runAt := time.Unix(int64(run)*3600, 0).UTC()
				for _, s := range schedulers {
					wg.Add(1)
					go func(s *Scheduler) {
						defer wg.Done()
						_, _ = s.dispatch(context.Background(), task, runAt)
					}(s)
				}
			}
			wg.Wait()
			return dispatcher.accepted() == len(distinct)
		},
		gen.IntRange(1, 4),
		gen.SliceOf(gen.UInt8Range(0, 12)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
