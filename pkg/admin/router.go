package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ledgerpulse/ledgerpulse/pkg/auth"
	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/health"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/middleware"
	"github.com/ledgerpulse/ledgerpulse/pkg/monitor"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/metrics"
)

const maxJobPage = 100

// RouterOptions wires the admin routes.
type RouterOptions struct {
	Aggregator *Aggregator
	Actions    *Actions
	// Health backs /readyz. Nil makes /readyz always ready.
	Health *health.Registry
	// Validator guards /admin. Nil leaves /admin open, which is only meant
	// for local development.
	Validator auth.JWTValidator
	// HTTP5xx records server errors by route group. Optional.
	HTTP5xx *monitor.Monitor
	Logger  logger.Logger
}

type handler struct {
	aggregator *Aggregator
	actions    *Actions
	health     *health.Registry
}

// NewRouter builds the admin gin engine.
//
//	GET    /healthz                           liveness
//	GET    /readyz                            health registry
//	GET    /readyz/:check                     one registered check
//	GET    /metrics                           Prometheus scrape
//	GET    /admin/health                      snapshot
//	GET    /admin/jobs                        list jobs by ?state=
//	POST   /admin/jobs                        enqueue (or run inline in direct mode)
//	GET    /admin/jobs/counts                 counts per state
//	GET    /admin/jobs/:id                    job detail
//	DELETE /admin/jobs/:id                    remove job
//	GET    /admin/failures                    recent failures
//	GET    /admin/failures/top                top failed job names
//	POST   /admin/failures/prune              prune past retention
//	GET    /admin/failures/:id                failure detail
//	POST   /admin/failures/:id/retry          resubmit and resolve
//	POST   /admin/failures/:id/resolve        resolve
func NewRouter(opts RouterOptions) (*gin.Engine, error) {
	if opts.Aggregator == nil || opts.Actions == nil {
		return nil, adminError(ErrInvalidRequest, "aggregator and actions are required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logging(log, middleware.DefaultLoggingConfig()),
		metrics.GinMiddleware(),
		monitor.GinMiddleware(opts.HTTP5xx),
		middleware.Recovery(log),
	)

	h := &handler{aggregator: opts.Aggregator, actions: opts.Actions, health: opts.Health}
	r.GET("/healthz", h.liveness)
	r.GET("/readyz", h.readiness)
	r.GET("/readyz/:check", h.readinessOne)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	group := r.Group("/admin")
	if opts.Validator != nil {
		group.Use(RequireAdminToken(opts.Validator))
	} else {
		log.Warn("admin routes are not authenticated: no jwt secret configured")
	}

	group.GET("/health", h.snapshot)

	group.GET("/jobs", h.listJobs)
	group.POST("/jobs", h.enqueue)
	group.GET("/jobs/counts", h.jobCounts)
	group.GET("/jobs/:id", h.getJob)
	group.DELETE("/jobs/:id", h.removeJob)

	group.GET("/failures", h.listFailures)
	group.GET("/failures/top", h.topFailures)
	group.POST("/failures/prune", h.pruneFailures)
	group.GET("/failures/:id", h.getFailure)
	group.POST("/failures/:id/retry", h.retryFailure)
	group.POST("/failures/:id/resolve", h.resolveFailure)

	return r, nil
}

func (h *handler) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) readiness(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	result := h.health.Check(c.Request.Context())
	if result.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) readinessOne(c *gin.Context) {
	if h.health == nil {
		abort(c, http.StatusNotFound, "not_found", "no health checks registered")
		return
	}
	result, err := h.health.CheckOne(c.Request.Context(), c.Param("check"))
	if err != nil {
		abort(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (h *handler) snapshot(c *gin.Context) {
	snap, err := h.aggregator.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

func (h *handler) listJobs(c *gin.Context) {
	states, err := parseStates(c.QueryArray("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	start, err := intQuery(c, "start", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	end, err := intQuery(c, "end", start+19)
	if err != nil {
		writeError(c, err)
		return
	}
	if end-start+1 > maxJobPage {
		end = start + maxJobPage - 1
	}
	list, err := h.actions.ListJobs(c.Request.Context(), states, start, end)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

type enqueueRequest struct {
	Name     string       `json:"name" binding:"required"`
	Payload  jobs.Payload `json:"payload"`
	Attempts int          `json:"attempts"`
	Delay    string       `json:"delay"`
	JobID    string       `json:"jobId"`
}

func (h *handler) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, adminError(ErrInvalidRequest, err.Error()))
		return
	}
	opts := jobs.Options{Attempts: req.Attempts, JobID: req.JobID}
	if strings.TrimSpace(req.Delay) != "" {
		delay, err := time.ParseDuration(req.Delay)
		if err != nil {
			writeError(c, adminError(ErrInvalidRequest, "delay: "+err.Error()))
			return
		}
		opts.Delay = delay
	}

	submission, err := h.actions.Enqueue(c.Request.Context(), req.Name, req.Payload, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if submission.Mode == jobs.ModeDirect {
		status = http.StatusOK
	}
	c.JSON(status, submission)
}

func (h *handler) jobCounts(c *gin.Context) {
	states, err := parseStates(c.QueryArray("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	counts, err := h.actions.JobCounts(c.Request.Context(), states...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *handler) getJob(c *gin.Context) {
	job, err := h.actions.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handler) removeJob(c *gin.Context) {
	if err := h.actions.RemoveJob(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listFailures(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	records, err := h.actions.ListFailures(c.Request.Context(), failures.ListFilter{
		Limit:     limit,
		Offset:    offset,
		CompanyID: c.Query("companyId"),
		JobName:   c.Query("jobName"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []failures.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"failures": records})
}

func (h *handler) topFailures(c *gin.Context) {
	hours, err := intQuery(c, "hours", defaultTopHours)
	if err != nil {
		writeError(c, err)
		return
	}
	topN, err := intQuery(c, "topN", defaultTopN)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.actions.TopFailedJobs(c.Request.Context(), hours, topN)})
}

func (h *handler) pruneFailures(c *gin.Context) {
	removed, err := h.actions.PruneFailures(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *handler) getFailure(c *gin.Context) {
	rec, err := h.actions.GetFailure(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) retryFailure(c *gin.Context) {
	result, err := h.actions.RetryFailure(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) resolveFailure(c *gin.Context) {
	resolved, err := h.actions.ResolveFailure(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, adminError(ErrInvalidRequest, key+" must be a non-negative integer")
	}
	return n, nil
}

func parseStates(raw []string) ([]jobs.State, error) {
	var states []jobs.State
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			state, err := jobs.ParseState(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			states = append(states, state)
		}
	}
	return states, nil
}
