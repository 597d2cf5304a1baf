package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ledgerpulse/ledgerpulse/pkg/auth"
	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/health"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const jwtSecret = "admin-test-secret"

type fixture struct {
	runtime    *jobs.Runtime
	broker     *jobs.MemoryBroker
	failures   *failures.Service
	actions    *Actions
	aggregator *Aggregator
	router     *gin.Engine
	calls      atomic.Int32
}

func newFixture(t *testing.T, direct bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNopLogger()
	f := &fixture{}

	svc, err := failures.NewService(failures.NewMemoryStore(), log, failures.Config{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	f.failures = svc

	registry := jobs.NewRegistry()
	if err := registry.RegisterFunc("generateMonthlySnapshots", func(_ context.Context, p jobs.Payload, _ jobs.RunContext) (any, error) {
		f.calls.Add(1)
		if p["fail"] == true {
			return nil, errors.New("snapshot source unavailable")
		}
		return map[string]any{"companyId": p.CompanyID()}, nil
	}); err != nil {
		t.Fatalf("RegisterFunc() error = %v", err)
	}

	f.broker = jobs.NewMemoryBroker(jobs.MemoryBrokerConfig{})
	rt, err := jobs.NewRuntime(context.Background(), jobs.RuntimeConfig{ForceDirect: direct},
		jobs.Dependencies{Registry: registry, Failures: svc, Logger: log}, f.broker, f.broker)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	f.runtime = rt

	f.actions, err = NewActions(rt, svc, log)
	if err != nil {
		t.Fatalf("NewActions() error = %v", err)
	}
	f.aggregator, err = NewAggregator(rt, svc, log, AggregatorConfig{FailureSpikeThreshold: 3})
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	validator, err := auth.NewHMACValidator(jwtSecret, log)
	if err != nil {
		t.Fatalf("NewHMACValidator() error = %v", err)
	}
	f.router, err = NewRouter(RouterOptions{Aggregator: f.aggregator, Actions: f.actions, Validator: validator, Logger: log})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return f
}

func (f *fixture) recordFailure(t *testing.T, jobName string, payload map[string]any) *failures.Record {
	t.Helper()
	var companyID *string
	if id, ok := payload["companyId"].(string); ok {
		companyID = &id
	}
	rec := f.failures.RecordFailure(context.Background(), failures.Input{
		JobID:          "job-" + jobName,
		JobName:        jobName,
		QueueName:      f.runtime.Queue(),
		CompanyID:      companyID,
		Payload:        payload,
		AttemptsMade:   5,
		MaxAttempts:    5,
		FailedReason:   "boom",
		IsFinalAttempt: true,
	})
	if rec == nil {
		t.Fatal("RecordFailure() returned nil")
	}
	return rec
}

func adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := auth.SignHS256(jwtSecret, "ops", roles, time.Hour)
	if err != nil {
		t.Fatalf("SignHS256() error = %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken(t, auth.RoleAdmin))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestRouter_Auth(t *testing.T) {
	f := newFixture(t, true)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/health", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}
	if body := decode[ErrorResponse](t, w); body.Error != "unauthorized" {
		t.Fatalf("unexpected body %+v", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "viewer"))
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("viewer token: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d", w.Code)
	}
}

func TestRouter_Snapshot(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodGet, "/admin/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	snap := decode[Snapshot](t, w)
	if snap.Mode != jobs.ModeDirect || snap.Status != health.StatusDegraded {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRouter_EnqueueQueued(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/admin/jobs", map[string]any{
		"name":    "generateMonthlySnapshots",
		"payload": map[string]any{"companyId": "c1"},
		"delay":   "1m",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	sub := decode[jobs.Submission](t, w)
	if sub.Mode != jobs.ModeQueued || sub.JobID == "" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	w = f.do(t, http.MethodGet, "/admin/jobs/"+sub.JobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get job status = %d", w.Code)
	}
	if job := decode[jobs.Job](t, w); job.State != jobs.StateDelayed {
		t.Fatalf("expected delayed job, got %s", job.State)
	}

	w = f.do(t, http.MethodGet, "/admin/jobs/counts", nil)
	if counts := decode[map[jobs.State]int64](t, w); counts[jobs.StateDelayed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	w = f.do(t, http.MethodGet, "/admin/jobs?state=delayed", nil)
	if list := decode[struct {
		Jobs []jobs.Job `json:"jobs"`
	}](t, w); len(list.Jobs) != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	w = f.do(t, http.MethodDelete, "/admin/jobs/"+sub.JobID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/admin/jobs/"+sub.JobID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", w.Code)
	}
}

func TestRouter_EnqueueErrors(t *testing.T) {
	f := newFixture(t, false)
	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "unknown job", body: map[string]any{"name": "unknownJob"}, want: http.StatusBadRequest},
		{name: "missing name", body: map[string]any{"payload": map[string]any{}}, want: http.StatusBadRequest},
		{name: "bad delay", body: map[string]any{"name": "generateMonthlySnapshots", "delay": "soon"}, want: http.StatusBadRequest},
		{name: "negative attempts", body: map[string]any{"name": "generateMonthlySnapshots", "attempts": -1}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, http.MethodPost, "/admin/jobs", tt.body); w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	f.do(t, http.MethodPost, "/admin/jobs", map[string]any{"name": "generateMonthlySnapshots", "jobId": "dup"})
	if w := f.do(t, http.MethodPost, "/admin/jobs", map[string]any{"name": "generateMonthlySnapshots", "jobId": "dup"}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate job id status = %d", w.Code)
	}
}

func TestRouter_DirectMode(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/admin/jobs", map[string]any{"name": "generateMonthlySnapshots", "payload": map[string]any{"companyId": "c9"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if sub := decode[jobs.Submission](t, w); sub.Mode != jobs.ModeDirect {
		t.Fatalf("unexpected submission %+v", sub)
	}

	w = f.do(t, http.MethodPost, "/admin/jobs", map[string]any{"name": "generateMonthlySnapshots", "payload": map[string]any{"fail": true}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("failing inline job status = %d", w.Code)
	}

	if w := f.do(t, http.MethodGet, "/admin/jobs/counts", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("counts in direct mode status = %d", w.Code)
	}
}

func TestRouter_Failures(t *testing.T) {
	f := newFixture(t, true)
	rec := f.recordFailure(t, "generateMonthlySnapshots", map[string]any{"companyId": "c1"})
	f.recordFailure(t, "generateAIInsights", map[string]any{"companyId": "c2"})

	w := f.do(t, http.MethodGet, "/admin/failures?companyId=c1", nil)
	list := decode[struct {
		Failures []failures.Record `json:"failures"`
	}](t, w)
	if len(list.Failures) != 1 || list.Failures[0].ID != rec.ID {
		t.Fatalf("unexpected failures %+v", list.Failures)
	}

	w = f.do(t, http.MethodGet, "/admin/failures/top?hours=1&topN=1", nil)
	top := decode[struct {
		Jobs []failures.JobCount `json:"jobs"`
	}](t, w)
	if len(top.Jobs) != 1 {
		t.Fatalf("unexpected top jobs %+v", top.Jobs)
	}

	if w := f.do(t, http.MethodGet, "/admin/failures?limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/admin/failures/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing failure status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/admin/failures/"+rec.ID+"/retry", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d body = %s", w.Code, w.Body.String())
	}
	if result := decode[RetryResult](t, w); !result.Resolved || result.JobName != "generateMonthlySnapshots" {
		t.Fatalf("unexpected retry result %+v", result)
	}
	if w := f.do(t, http.MethodPost, "/admin/failures/"+rec.ID+"/retry", nil); w.Code != http.StatusConflict {
		t.Fatalf("second retry status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/admin/failures/"+rec.ID+"/resolve", nil)
	if body := decode[map[string]bool](t, w); body["resolved"] {
		t.Fatal("expected resolve of a retried failure to report false")
	}

	w = f.do(t, http.MethodPost, "/admin/failures/prune", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prune status = %d", w.Code)
	}
	if body := decode[map[string]int64](t, w); body["removed"] != 0 {
		t.Fatalf("expected nothing past retention, got %v", body)
	}
}

func TestRouter_RetryFailingInlineJob(t *testing.T) {
	f := newFixture(t, true)
	rec := f.recordFailure(t, "generateMonthlySnapshots", map[string]any{"fail": true})

	w := f.do(t, http.MethodPost, "/admin/failures/"+rec.ID+"/retry", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode[ErrorResponse](t, w); body.Error != "job_failed" || body.RequestID == "" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRouter_Readiness(t *testing.T) {
	f := newFixture(t, true)
	registry := health.NewRegistry()
	var down atomic.Bool
	registry.Register(health.NewCustomChecker("broker", func(context.Context) (health.Status, string, error) {
		if down.Load() {
			return health.StatusUnhealthy, "", errors.New("connection refused")
		}
		return health.StatusHealthy, "ok", nil
	}))
	router, err := NewRouter(RouterOptions{Aggregator: f.aggregator, Actions: f.actions, Health: registry})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ready status = %d", w.Code)
	}

	down.Store(true)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz/broker", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("single check status = %d", w.Code)
	}
	if got := decode[health.CheckResult](t, w); got.Name != "broker" || got.Error != "connection refused" {
		t.Fatalf("unexpected check result %+v", got)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz/cache", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown check status = %d", w.Code)
	}

	// No validator: admin routes are open.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/failures", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("open admin status = %d", w.Code)
	}
}

func TestNewRouter_RequiresCollaborators(t *testing.T) {
	if _, err := NewRouter(RouterOptions{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{err: failures.ErrNotFound, code: http.StatusNotFound},
		{err: adminError(ErrAlreadyResolved, "x"), code: http.StatusConflict},
		{err: jobs.ErrBrokerUnavailable, code: http.StatusServiceUnavailable},
		{err: jobs.ErrUnknownJob, code: http.StatusBadRequest},
		{err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if code, _ := MapError(tt.err); code != tt.code {
			t.Errorf("MapError(%v) = %d, want %d", tt.err, code, tt.code)
		}
	}
}
