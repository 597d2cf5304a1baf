package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
)

type recordingFailures struct {
	mu          sync.Mutex
	inputs      []failures.Input
	spikeChecks []string
}

func (r *recordingFailures) RecordFailure(_ context.Context, in failures.Input) *failures.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return &failures.Record{JobID: in.JobID, JobName: in.JobName, IsFinalAttempt: in.IsFinalAttempt}
}

func (r *recordingFailures) CheckFailureSpike(_ context.Context, queue string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spikeChecks = append(r.spikeChecks, queue)
	return 0
}

func (r *recordingFailures) Inputs() []failures.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]failures.Input(nil), r.inputs...)
}

func (r *recordingFailures) SpikeChecks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spikeChecks...)
}

type captureReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (c *captureReporter) Capture(_ context.Context, err error, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
	c.tags = append(c.tags, tags)
}

func (c *captureReporter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

type stubBroker struct {
	kind      string
	healthErr error
	delay     time.Duration
	closed    int
}

func (b *stubBroker) Kind() string  { return b.kind }
func (b *stubBroker) Queue() string { return DefaultQueue }
func (b *stubBroker) Enqueue(context.Context, string, Payload, Options) (JobHandle, error) {
	return JobHandle{ID: "stub-1"}, nil
}
func (b *stubBroker) JobCounts(context.Context, ...State) (map[State]int64, error) {
	return map[State]int64{}, nil
}
func (b *stubBroker) GetJob(context.Context, string) (*Job, error) { return nil, nil }
func (b *stubBroker) GetJobs(context.Context, []State, int, int) ([]*Job, error) {
	return nil, nil
}
func (b *stubBroker) Remove(context.Context, string) error { return nil }
func (b *stubBroker) HealthCheck(ctx context.Context) error {
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.delay):
		}
	}
	return b.healthErr
}
func (b *stubBroker) Close() error {
	b.closed++
	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
