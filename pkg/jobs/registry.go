package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// Mode is the execution strategy chosen at startup.
type Mode string

const (
	ModeQueued Mode = "queued"
	ModeDirect Mode = "direct"
)

// RunContext describes the execution a handler is running in.
type RunContext struct {
	// RunID correlates log lines of one execution: "job-<id>" or "sync-<ms>-<rand>".
	RunID string
	// JobID is empty for direct executions.
	JobID       string
	JobName     string
	Queue       string
	Attempt     int
	MaxAttempts int
	Mode        Mode
	CompanyID   string
	Logger      logger.Logger
}

// Handler executes one job. A returned error is retried by the queued
// executor unless it is marked with NonRetryable.
type Handler interface {
	Handle(ctx context.Context, payload Payload, rc RunContext) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload Payload, rc RunContext) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, payload Payload, rc RunContext) (any, error) {
	return f(ctx, payload, rc)
}

type registration struct {
	handler Handler
	schema  *jsonschema.Resolved
}

// validate checks payload against the registered schema, if any.
func (r *registration) validate(payload Payload) error {
	if r.schema == nil {
		return nil
	}
	instance, err := jsonInstance(payload)
	if err != nil {
		return NonRetryable(jobsError(ErrValidation, fmt.Sprintf("payload is not JSON encodable: %v", err)))
	}
	if err := r.schema.Validate(instance); err != nil {
		return NonRetryable(jobsError(ErrValidation, err.Error()))
	}
	return nil
}

// Registry maps job names to handlers. It is shared by both execution strategies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registration)}
}

// Register binds name to handler. Names are unique.
func (r *Registry) Register(name string, handler Handler) error {
	return r.register(name, &registration{handler: handler})
}

// RegisterFunc binds name to fn.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	if fn == nil {
		return jobsError(ErrInvalidArgument, "handler func is required")
	}
	return r.Register(name, fn)
}

// RegisterWithSchema binds name to handler and validates every payload
// against schema before the handler runs. Invalid payloads fail permanently.
func (r *Registry) RegisterWithSchema(name string, schema *jsonschema.Schema, handler Handler) error {
	if schema == nil {
		return jobsError(ErrInvalidArgument, "schema is required")
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return jobsError(ErrValidation, fmt.Sprintf("resolve schema for %q: %v", name, err))
	}
	return r.register(name, &registration{handler: handler, schema: resolved})
}

func (r *Registry) register(name string, reg *registration) error {
	if r == nil {
		return jobsError(ErrNotInitialized, "registry is nil")
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if reg.handler == nil {
		return jobsError(ErrInvalidArgument, "handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return jobsError(ErrConflict, fmt.Sprintf("handler already registered for job %q", name))
	}
	r.entries[name] = reg
	return nil
}

// Names lists registered job names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

func (r *Registry) lookup(name string) (*registration, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

var schemaOptions = &jsonschema.ForOptions{
	IgnoreInvalidTypes: true,
	TypeSchemas: map[reflect.Type]*jsonschema.Schema{
		reflect.TypeOf(time.Duration(0)): {Type: "string"},
		reflect.TypeOf(time.Time{}):      {Type: "string"},
	},
}

// RegisterTyped registers a handler whose payload decodes into T. The JSON
// Schema derived from T guards the handler, so malformed payloads never reach it.
func RegisterTyped[T any](r *Registry, name string, fn func(ctx context.Context, in T, rc RunContext) (any, error)) error {
	if fn == nil {
		return jobsError(ErrInvalidArgument, "handler func is required")
	}
	schema, err := jsonschema.For[T](schemaOptions)
	if err != nil {
		return jobsError(ErrValidation, fmt.Sprintf("derive schema for %q: %v", name, err))
	}
	handler := HandlerFunc(func(ctx context.Context, payload Payload, rc RunContext) (any, error) {
		var in T
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, NonRetryable(err)
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, NonRetryable(jobsError(ErrValidation, err.Error()))
		}
		return fn(ctx, in, rc)
	})
	return r.RegisterWithSchema(name, schema, handler)
}

// jsonInstance converts a payload to plain JSON values for schema validation.
func jsonInstance(payload Payload) (any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}
