package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultQueue is the queue used when none is configured.
	DefaultQueue = "ledgerpulse-jobs"
	// DefaultAttempts is the attempt ceiling of a job without explicit options.
	DefaultAttempts = 5
	// DefaultBackoff is the first retry delay; later delays double.
	DefaultBackoff = time.Second
	// DefaultMaxBackoff caps the exponential retry delay.
	DefaultMaxBackoff = 10 * time.Minute
	// DefaultRemoveOnComplete bounds how many completed jobs a broker retains.
	DefaultRemoveOnComplete = 1000
	// DefaultRemoveOnFail bounds how many failed jobs a broker retains.
	DefaultRemoveOnFail = 1000
	// DefaultLeaseDuration is the reservation lease used by consumers.
	DefaultLeaseDuration = 30 * time.Second
)

// Payload is the caller-owned structured input of a job.
type Payload map[string]any

// CompanyID returns the tenant scope carried in the "companyId" field, or "".
func (p Payload) CompanyID() string {
	raw, ok := p["companyId"]
	if !ok || raw == nil {
		return ""
	}
	if s, ok := raw.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(raw)
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// State is the broker-side lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// ParseState validates a state name.
func ParseState(raw string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStates {
		if state == known {
			return state, nil
		}
	}
	return "", jobsError(ErrInvalidArgument, fmt.Sprintf("unknown job state %q", raw))
}

func normalizeStates(states []State) []State {
	if len(states) == 0 {
		return append([]State(nil), AllStates...)
	}
	return states
}

// Options tunes one enqueue call. Zero fields fall back to broker defaults.
type Options struct {
	Attempts int
	Backoff  time.Duration
	Delay    time.Duration
	// JobID overrides the generated id. Enqueueing an id that already exists is a conflict.
	JobID            string
	RemoveOnComplete int
	RemoveOnFail     int
}

// Defaults holds broker-wide option defaults.
type Defaults struct {
	Attempts         int
	Backoff          time.Duration
	MaxBackoff       time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
}

func (d *Defaults) normalize() {
	if d.Attempts <= 0 {
		d.Attempts = DefaultAttempts
	}
	if d.Backoff <= 0 {
		d.Backoff = DefaultBackoff
	}
	if d.MaxBackoff <= 0 {
		d.MaxBackoff = DefaultMaxBackoff
	}
	if d.RemoveOnComplete <= 0 {
		d.RemoveOnComplete = DefaultRemoveOnComplete
	}
	if d.RemoveOnFail <= 0 {
		d.RemoveOnFail = DefaultRemoveOnFail
	}
}

func (o Options) resolve(d Defaults) (Options, error) {
	if o.Attempts < 0 || o.Backoff < 0 || o.Delay < 0 || o.RemoveOnComplete < 0 || o.RemoveOnFail < 0 {
		return o, jobsError(ErrInvalidArgument, "job options must not be negative")
	}
	d.normalize()
	if o.Attempts == 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff == 0 {
		o.Backoff = d.Backoff
	}
	if o.RemoveOnComplete == 0 {
		o.RemoveOnComplete = d.RemoveOnComplete
	}
	if o.RemoveOnFail == 0 {
		o.RemoveOnFail = d.RemoveOnFail
	}
	o.JobID = strings.TrimSpace(o.JobID)
	return o, nil
}

// Job is the broker's view of one unit of work.
type Job struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Queue        string  `json:"queue"`
	Payload      Payload `json:"payload"`
	State        State   `json:"state"`
	AttemptsMade int     `json:"attemptsMade"`
	MaxAttempts  int     `json:"maxAttempts"`
	BackoffMs    int64   `json:"backoffMs"`
	// RemoveOnComplete and RemoveOnFail are the retention bounds the job was enqueued with.
	RemoveOnComplete int        `json:"removeOnComplete,omitempty"`
	RemoveOnFail     int        `json:"removeOnFail,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	RunAt            time.Time  `json:"runAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	FailedReason     string     `json:"failedReason,omitempty"`
	// Result is the JSON-encoded handler return value of a completed job.
	Result json.RawMessage `json:"result,omitempty"`
}

// Validate checks the fields a broker relies on.
func (j *Job) Validate() error {
	if j == nil {
		return jobsError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return jobsError(ErrValidation, "job id is required")
	}
	if err := ValidateName(j.Name); err != nil {
		return err
	}
	if strings.TrimSpace(j.Queue) == "" {
		return jobsError(ErrValidation, "job queue is required")
	}
	if j.AttemptsMade < 0 {
		return jobsError(ErrValidation, "job attemptsMade must be >= 0")
	}
	if j.MaxAttempts <= 0 {
		return jobsError(ErrValidation, "job maxAttempts must be > 0")
	}
	return nil
}

// CompanyID returns the tenant scope of the payload as a nullable value.
func (j *Job) CompanyID() *string {
	if j == nil {
		return nil
	}
	if id := j.Payload.CompanyID(); id != "" {
		return &id
	}
	return nil
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Payload = j.Payload.Clone()
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		out.FinishedAt = &finished
	}
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &out
}

// ValidateName checks a registry key.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return jobsError(ErrValidation, "job name is required")
	}
	if trimmed != name {
		return jobsError(ErrValidation, fmt.Sprintf("job name %q has surrounding whitespace", name))
	}
	return nil
}

// JobHandle identifies an enqueued job.
type JobHandle struct {
	ID string `json:"id"`
}

// Lease tracks a consumer's temporary ownership of a reserved job.
type Lease struct {
	JobID    string
	Token    string
	Queue    string
	ExpireAt time.Time
}

// Broker is the producer and inspection side of a durable queue bound to one queue name.
type Broker interface {
	// Kind names the backend, e.g. "redis".
	Kind() string
	Queue() string
	// Enqueue fails loudly when the broker cannot be reached.
	Enqueue(ctx context.Context, name string, payload Payload, opts Options) (JobHandle, error)
	// JobCounts counts jobs per state; no states means all states.
	JobCounts(ctx context.Context, states ...State) (map[State]int64, error)
	// GetJob returns nil and no error when the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
	// GetJobs lists jobs in the given states, start and end inclusive.
	GetJobs(ctx context.Context, states []State, start, end int) ([]*Job, error)
	// Remove deletes a job that is not currently active.
	Remove(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Consumer is the worker side of a broker.
type Consumer interface {
	// Reserve blocks until a job is ready or ctx ends.
	Reserve(ctx context.Context, leaseFor time.Duration) (*Job, *Lease, error)
	Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error
	// Ack marks the job completed and stores the handler result.
	Ack(ctx context.Context, lease *Lease, result any) error
	// Nack counts a failed attempt: the broker schedules a retry with backoff
	// or marks the job failed once its attempts are exhausted.
	Nack(ctx context.Context, lease *Lease, reason string) error
	// Fail marks the job failed without further retries.
	Fail(ctx context.Context, lease *Lease, reason string) error
	Close() error
}

// NewJob builds a waiting or delayed job from resolved options.
func NewJob(id, name, queue string, payload Payload, opts Options, now time.Time) *Job {
	job := &Job{
		ID:               id,
		Name:             name,
		Queue:            queue,
		Payload:          payload.Clone(),
		State:            StateWaiting,
		MaxAttempts:      opts.Attempts,
		BackoffMs:        opts.Backoff.Milliseconds(),
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		CreatedAt:        now,
		RunAt:            now,
	}
	if job.Payload == nil {
		job.Payload = Payload{}
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(opts.Delay)
	}
	return job
}

// pageBounds converts an inclusive start..end range over total items into
// slice bounds. A negative end means "through the last item".
func pageBounds(total, start, end int) (int, int, bool) {
	if start < 0 {
		start = 0
	}
	if end < 0 || end >= total {
		end = total - 1
	}
	if start > end || start >= total {
		return 0, 0, false
	}
	return start, end + 1, true
}
