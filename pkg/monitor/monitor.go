// Package monitor implements rolling-window spike detection with debounced alerts.
package monitor

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const breakdownSize = 5

// Config controls one monitor instance.
type Config struct {
	// Name is used as the alert event name, for example HTTP_5XX_SPIKE.
	Name      string
	Window    time.Duration
	Threshold int
	Enabled   bool
}

func (c *Config) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

// TagCount is one entry of an alert breakdown.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Alert is emitted when the windowed count reaches the threshold.
type Alert struct {
	Name      string        `json:"name"`
	Count     int           `json:"count"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	Breakdown []TagCount    `json:"breakdown"`
	At        time.Time     `json:"at"`
}

// AlertFunc receives alerts after they are logged.
type AlertFunc func(Alert)

type event struct {
	at  time.Time
	tag string
}

// Monitor counts tagged events over a sliding window. The alert interval equals
// the window, so a single burst yields a single alert.
type Monitor struct {
	config  Config
	log     logger.Logger
	now     func() time.Time
	onAlert AlertFunc

	mu        sync.Mutex
	events    []event
	lastAlert time.Time
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAlertFunc registers a callback invoked for every emitted alert.
func WithAlertFunc(fn AlertFunc) Option {
	return func(m *Monitor) {
		m.onAlert = fn
	}
}

// New creates a monitor. A disabled monitor accepts events and never alerts.
func New(cfg Config, log logger.Logger, opts ...Option) (*Monitor, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Name == "" {
		return nil, errors.New("monitor name is required")
	}
	if cfg.Enabled && cfg.Threshold <= 0 {
		return nil, errors.New("monitor threshold must be > 0")
	}

	m := &Monitor{
		config: cfg,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Name returns the configured alert name.
func (m *Monitor) Name() string {
	if m == nil {
		return ""
	}
	return m.config.Name
}

// Record registers one event and reports whether it triggered an alert.
func (m *Monitor) Record(tag string) bool {
	if m == nil || !m.config.Enabled {
		return false
	}

	m.mu.Lock()
	now := m.now()
	m.pruneLocked(now)
	m.events = append(m.events, event{at: now, tag: tag})

	count := len(m.events)
	if count < m.config.Threshold {
		m.mu.Unlock()
		return false
	}
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.config.Window {
		m.mu.Unlock()
		return false
	}
	m.lastAlert = now
	alert := Alert{
		Name:      m.config.Name,
		Count:     count,
		Threshold: m.config.Threshold,
		Window:    m.config.Window,
		Breakdown: m.breakdownLocked(),
		At:        now,
	}
	m.mu.Unlock()

	m.emit(alert)
	return true
}

// Count returns the number of events currently inside the window.
func (m *Monitor) Count() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return len(m.events)
}

// Reset clears events and the debounce timestamp.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.events = nil
	m.lastAlert = time.Time{}
	m.mu.Unlock()
}

// pruneLocked keeps only events with now - at < window. Events are appended in
// time order, so the first kept index bounds the slice.
func (m *Monitor) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(m.events) && now.Sub(m.events[cut].at) >= m.config.Window {
		cut++
	}
	if cut == 0 {
		return
	}
	m.events = append(m.events[:0], m.events[cut:]...)
}

func (m *Monitor) breakdownLocked() []TagCount {
	counts := map[string]int{}
	order := []string{}
	for _, ev := range m.events {
		if _, seen := counts[ev.tag]; !seen {
			order = append(order, ev.tag)
		}
		counts[ev.tag]++
	}

	out := make([]TagCount, 0, len(order))
	for _, tag := range order {
		out = append(out, TagCount{Tag: tag, Count: counts[tag]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > breakdownSize {
		out = out[:breakdownSize]
	}
	return out
}

func (m *Monitor) emit(alert Alert) {
	recordAlert(alert.Name)
	m.log.Warn(alert.Name,
		"count", alert.Count,
		"threshold", alert.Threshold,
		"window_ms", alert.Window.Milliseconds(),
		"breakdown", alert.Breakdown,
	)
	if m.onAlert != nil {
		m.onAlert(alert)
	}
}
