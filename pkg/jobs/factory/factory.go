// Package factory builds the jobs broker and runtime from configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledgerpulse/ledgerpulse/pkg/config"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

// Backend pairs the producer and consumer sides of one broker. Both are nil
// when no broker is configured.
type Backend struct {
	Broker   jobs.Broker
	Consumer jobs.Consumer
}

// Close releases the backend once even when both sides share a connection.
func (b Backend) Close() error {
	if b.Broker != nil {
		return b.Broker.Close()
	}
	if b.Consumer != nil {
		return b.Consumer.Close()
	}
	return nil
}

// Defaults maps the jobs section to per-job defaults.
func Defaults(cfg config.JobsConfig) jobs.Defaults {
	return jobs.Defaults{
		Attempts:         cfg.Attempts,
		Backoff:          cfg.Backoff,
		MaxBackoff:       cfg.MaxBackoff,
		RemoveOnComplete: cfg.RemoveOnComplete,
		RemoveOnFail:     cfg.RemoveOnFail,
	}
}

// RuntimeConfig maps the jobs section to runtime settings.
func RuntimeConfig(cfg config.JobsConfig) jobs.RuntimeConfig {
	return jobs.RuntimeConfig{
		ResilientMode: cfg.ResilientMode,
		ForceDirect:   cfg.ForceDirect,
		ProbeTimeout:  cfg.ProbeTimeout,
		Queue:         cfg.Queue,
		Worker: jobs.WorkerConfig{
			Concurrency:   cfg.Concurrency,
			LeaseDuration: cfg.LeaseDuration,
		},
	}
}

// NewBackend creates the configured broker. A redis or asynq broker without a
// URL yields an empty Backend when direct execution is allowed, so the
// runtime can fall back instead of failing.
func NewBackend(cfg config.JobsConfig, log logger.Logger) (Backend, error) {
	if log == nil {
		return Backend{}, fmt.Errorf("logger is required")
	}
	if cfg.ForceDirect {
		return Backend{}, nil
	}

	broker := strings.ToLower(strings.TrimSpace(cfg.Broker))
	if broker == "" {
		broker = config.BrokerRedis
	}
	url := strings.TrimSpace(cfg.Redis.URL)

	switch broker {
	case config.BrokerMemory:
		b := jobs.NewMemoryBroker(jobs.MemoryBrokerConfig{
			Queue:        cfg.Queue,
			Defaults:     Defaults(cfg),
			PollInterval: cfg.PollInterval,
		})
		return Backend{Broker: b, Consumer: b}, nil

	case config.BrokerRedis:
		if url == "" && cfg.ResilientMode {
			log.Warn("redis broker has no url, direct execution will be used", "broker", broker)
			return Backend{}, nil
		}
		b, err := jobs.NewRedisBroker(jobs.RedisBrokerConfig{
			URL:          url,
			Prefix:       cfg.Redis.Prefix,
			Queue:        cfg.Queue,
			Defaults:     Defaults(cfg),
			PollInterval: cfg.PollInterval,
		}, log)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Broker: b, Consumer: b}, nil

	case config.BrokerAsynq:
		if url == "" && cfg.ResilientMode {
			log.Warn("asynq broker has no url, direct execution will be used", "broker", broker)
			return Backend{}, nil
		}
		b, err := jobs.NewAsynqBroker(jobs.AsynqBrokerConfig{
			URL:         url,
			Queue:       cfg.Queue,
			Defaults:    Defaults(cfg),
			Concurrency: cfg.Concurrency,
		}, log)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Broker: b, Consumer: b}, nil

	default:
		return Backend{}, fmt.Errorf("unsupported jobs.broker %q (supported: %s, %s, %s)",
			cfg.Broker, config.BrokerRedis, config.BrokerAsynq, config.BrokerMemory)
	}
}

// NewRuntime creates the backend and selects the execution mode. The broker
// is closed by the runtime when direct mode is chosen.
func NewRuntime(ctx context.Context, cfg config.JobsConfig, deps jobs.Dependencies) (*jobs.Runtime, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	backend, err := NewBackend(cfg, deps.Logger)
	if err != nil {
		if !cfg.ResilientMode {
			return nil, err
		}
		deps.Logger.Warn("broker setup failed, direct execution will be used", "error", err)
		backend = Backend{}
	}

	rt, err := jobs.NewRuntime(ctx, RuntimeConfig(cfg), deps, backend.Broker, backend.Consumer)
	if err != nil {
		if closeErr := backend.Close(); closeErr != nil {
			deps.Logger.Warn("close broker failed", "error", closeErr)
		}
		return nil, err
	}
	return rt, nil
}
