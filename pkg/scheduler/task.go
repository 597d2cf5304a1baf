package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/config"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
)

// Misfire policies decide what happens to a run whose time passed while the
// process was not able to dispatch it (suspended, blocked, clock jump).
const (
	MisfirePolicySkip     = "skip"
	MisfirePolicyFireOnce = "fire_once"

	// a cron schedule that matches nothing within five years is rejected
	maxCronSearchMinutes = 5 * 366 * 24 * 60
)

// Task is one recurring job.
type Task struct {
	Name string
	// Schedule is a five field cron expression or "@every <duration>".
	Schedule      string
	JobName       string
	Payload       jobs.Payload
	Timezone      string
	LockTTL       time.Duration
	MisfirePolicy string
	// Attempts overrides the broker default when positive.
	Attempts int
}

// TaskFromConfig converts a configured task. Payload must be a JSON object
// when set; defaultTimezone applies when the task names none.
func TaskFromConfig(cfg config.SchedulerTaskConfig, defaultTimezone string) (Task, error) {
	task := Task{
		Name:          strings.TrimSpace(cfg.Name),
		Schedule:      strings.TrimSpace(cfg.Cron),
		JobName:       strings.TrimSpace(cfg.JobName),
		Timezone:      strings.TrimSpace(cfg.Timezone),
		LockTTL:       cfg.LockTTL,
		MisfirePolicy: strings.TrimSpace(cfg.MisfirePolicy),
		Attempts:      cfg.Attempts,
	}
	if task.Timezone == "" {
		task.Timezone = strings.TrimSpace(defaultTimezone)
	}
	if raw := strings.TrimSpace(cfg.Payload); raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Payload); err != nil {
			return Task{}, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("task %q payload must be a JSON object", task.Name)), err)
		}
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Validate checks required fields and parses the schedule.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	if strings.TrimSpace(t.MisfirePolicy) == "" {
		t.MisfirePolicy = MisfirePolicySkip
	}
	if strings.TrimSpace(t.Name) == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if strings.TrimSpace(t.Schedule) == "" {
		return schedulerError(ErrValidation, fmt.Sprintf("task %q schedule is required", t.Name))
	}
	if err := jobs.ValidateName(t.JobName); err != nil {
		return errors.Join(schedulerError(ErrValidation, fmt.Sprintf("task %q job name", t.Name)), err)
	}
	if t.MisfirePolicy != MisfirePolicySkip && t.MisfirePolicy != MisfirePolicyFireOnce {
		return schedulerError(ErrValidation, fmt.Sprintf("invalid misfire policy %q", t.MisfirePolicy))
	}
	if t.Attempts < 0 || t.LockTTL < 0 {
		return schedulerError(ErrValidation, fmt.Sprintf("task %q attempts and lock ttl must not be negative", t.Name))
	}
	_, err := t.nextRun(time.Now().UTC())
	return err
}

func (t *Task) location() (*time.Location, error) {
	name := strings.TrimSpace(t.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("invalid timezone %q", name)), err)
	}
	return loc, nil
}

// nextRun returns the first run strictly after now, in UTC.
func (t *Task) nextRun(now time.Time) (time.Time, error) {
	loc, err := t.location()
	if err != nil {
		return time.Time{}, err
	}
	return nextRunForSchedule(strings.TrimSpace(t.Schedule), now.In(loc), loc)
}

func nextRunForSchedule(schedule string, now time.Time, loc *time.Location) (time.Time, error) {
	if rest, ok := strings.CutPrefix(schedule, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return time.Time{}, errors.Join(schedulerError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return time.Time{}, schedulerError(ErrValidation, "@every duration must be > 0")
		}
		return now.Add(interval).UTC(), nil
	}

	expr, err := parseCron(schedule)
	if err != nil {
		return time.Time{}, err
	}
	candidate := now.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronSearchMinutes; i++ {
		local := candidate.In(loc)
		if expr.matches(local) {
			return local.UTC(), nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, schedulerError(ErrValidation, fmt.Sprintf("schedule %q never fires", schedule))
}

// cronSet is a bitmask of allowed values; every cron field fits in 64 bits.
type cronSet struct {
	bits uint64
	star bool
}

func (s cronSet) has(v int) bool { return s.bits&(1<<uint(v)) != 0 }

type cronExpr struct {
	minute, hour, dom, month, dow cronSet
}

// matches follows the classic cron rule: when both day fields are
// restricted, either one matching is enough.
func (e cronExpr) matches(t time.Time) bool {
	if !e.minute.has(t.Minute()) || !e.hour.has(t.Hour()) || !e.month.has(int(t.Month())) {
		return false
	}
	domOK := e.dom.has(t.Day())
	dowOK := e.dow.has(int(t.Weekday()))
	switch {
	case e.dom.star && e.dow.star:
		return true
	case e.dom.star:
		return dowOK
	case e.dow.star:
		return domOK
	default:
		return domOK || dowOK
	}
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

func parseCron(schedule string) (cronExpr, error) {
	parts := strings.Fields(schedule)
	if len(parts) != len(cronFields) {
		return cronExpr{}, schedulerError(ErrValidation, fmt.Sprintf("unsupported schedule format %q", schedule))
	}
	var sets [5]cronSet
	for i, raw := range parts {
		set, err := parseCronField(raw, cronFields[i])
		if err != nil {
			return cronExpr{}, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("invalid %s field %q", cronFields[i].name, raw)), err)
		}
		sets[i] = set
	}
	// 7 and 0 are both Sunday.
	if sets[4].has(7) {
		sets[4].bits |= 1
	}
	return cronExpr{minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4]}, nil
}

func parseCronField(raw string, field cronField) (cronSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		var set cronSet
		for v := field.min; v <= field.max; v++ {
			set.bits |= 1 << uint(v)
		}
		set.star = true
		return set, nil
	}

	var set cronSet
	for _, segment := range strings.Split(raw, ",") {
		lo, hi, step, err := parseCronSegment(strings.TrimSpace(segment), field)
		if err != nil {
			return cronSet{}, err
		}
		for v := lo; v <= hi; v += step {
			set.bits |= 1 << uint(v)
		}
	}
	return set, nil
}

// parseCronSegment handles "*", "n", "a-b", each optionally followed by "/step".
// "n/step" runs from n to the field maximum.
func parseCronSegment(segment string, field cronField) (lo, hi, step int, err error) {
	if segment == "" {
		return 0, 0, 0, errors.New("empty segment")
	}
	base, stepRaw, hasStep := strings.Cut(segment, "/")
	step = 1
	if hasStep {
		step, err = strconv.Atoi(strings.TrimSpace(stepRaw))
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step %q", stepRaw)
		}
	}

	switch base = strings.TrimSpace(base); {
	case base == "*" || base == "":
		lo, hi = field.min, field.max
	case strings.Contains(base, "-"):
		from, to, _ := strings.Cut(base, "-")
		if lo, err = strconv.Atoi(strings.TrimSpace(from)); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range start %q", from)
		}
		if hi, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range end %q", to)
		}
	default:
		if lo, err = strconv.Atoi(base); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", base)
		}
		hi = lo
		if hasStep {
			hi = field.max
		}
	}

	if lo < field.min || hi > field.max {
		return 0, 0, 0, fmt.Errorf("value out of range [%d,%d]", field.min, field.max)
	}
	if hi < lo {
		return 0, 0, 0, fmt.Errorf("invalid range %d-%d", lo, hi)
	}
	return lo, hi, step, nil
}
