package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerpulse/ledgerpulse/pkg/config"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs/builtin"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/scheduler"
)

// processOptions selects the long-running components a command starts.
type processOptions struct {
	worker    bool
	scheduler bool
	admin     bool
}

// runProcess starts the selected components and blocks until ctx ends or
// one of them fails.
func runProcess(ctx context.Context, app *App, opts processOptions) error {
	var sched *scheduler.Scheduler
	if opts.scheduler {
		s, err := app.NewScheduler()
		if err != nil {
			return err
		}
		sched = s
	}
	var adminStart func(context.Context) error
	if opts.admin {
		srv, err := app.NewAdminServer()
		if err != nil {
			return err
		}
		adminStart = srv.Start
	}
	if !opts.worker && sched == nil && adminStart == nil {
		return errors.New("nothing to run: enable the worker, the scheduler or the admin server")
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.worker {
		g.Go(func() error { return app.Runtime.Run(gctx) })
	}
	if sched != nil {
		g.Go(func() error { return sched.Start(gctx) })
	}
	if adminStart != nil {
		g.Go(func() error { return adminStart(gctx) })
	}
	app.Logger.Info("process started",
		"worker", opts.worker,
		"scheduler", sched != nil,
		"admin", adminStart != nil,
		"mode", app.Runtime.Mode(),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	app.Logger.Info("process stopped")
	return err
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func closeApp(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = app.Close(ctx)
}

func newWorkerCommand(s *rootState) *cobra.Command {
	var noScheduler, noAdmin bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued jobs, run scheduled tasks and serve the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := s.bootstrap(ctx, cmd.Flags(), nil)
			if err != nil {
				return err
			}
			defer closeApp(app)

			return runProcess(ctx, app, processOptions{
				worker:    true,
				scheduler: app.Config.Scheduler.Enabled && !noScheduler,
				admin:     app.Config.Admin.Enabled && !noAdmin,
			})
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run scheduled tasks in this process")
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "do not start the admin server in this process")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

func newServeCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API without consuming jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := s.bootstrap(ctx, cmd.Flags(), nil)
			if err != nil {
				return err
			}
			defer closeApp(app)
			return runProcess(ctx, app, processOptions{admin: true})
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

func newSchedulerCommand(s *rootState) *cobra.Command {
	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Recurring job commands",
	}
	SetCommandPolicies(schedulerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler without consuming jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := s.bootstrap(ctx, cmd.Flags(), nil)
			if err != nil {
				return err
			}
			defer closeApp(app)
			return runProcess(ctx, app, processOptions{scheduler: true})
		},
	}
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the configured tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := s.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			registry := jobs.NewRegistry()
			if err := registerAllJobs(registry, cfg, s.opts); err != nil {
				return err
			}
			tasks, err := scheduler.BuildTasks(cfg.Scheduler, registry)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
	SetCommandPolicies(listCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	triggerCmd := &cobra.Command{
		Use:   "trigger TASK",
		Short: "Dispatch a task now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := s.bootstrap(ctx, cmd.Flags(), nil)
			if err != nil {
				return err
			}
			defer closeApp(app)

			sched, err := app.NewScheduler()
			if err != nil {
				return err
			}
			if sched == nil {
				return fmt.Errorf("task %q is not configured", args[0])
			}
			submission, err := sched.Trigger(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), submission)
		},
	}
	SetCommandPolicies(triggerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})

	schedulerCmd.AddCommand(runCmd, listCmd, triggerCmd)
	return schedulerCmd
}

func newEnqueueCommand(s *rootState) *cobra.Command {
	var (
		rawPayload string
		jobID      string
		delay      time.Duration
		attempts   int
	)
	cmd := &cobra.Command{
		Use:   "enqueue JOB",
		Short: "Submit a job; it runs inline when the process is in direct mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(rawPayload)
			if err != nil {
				return err
			}
			if delay < 0 || attempts < 0 {
				return errors.New("delay and attempts must not be negative")
			}
			ctx := cmd.Context()
			app, err := s.bootstrap(ctx, cmd.Flags(), nil)
			if err != nil {
				return err
			}
			defer closeApp(app)

			submission, err := app.Runtime.Submit(ctx, args[0], payload, jobs.Options{
				JobID:    jobID,
				Delay:    delay,
				Attempts: attempts,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), submission)
		},
	}
	cmd.Flags().StringVarP(&rawPayload, "payload", "p", "", "job payload as a JSON object")
	cmd.Flags().StringVar(&jobID, "job-id", "", "explicit job id; an existing id is a conflict")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes runnable")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "attempt budget (0 uses jobs.attempts)")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	return cmd
}

func newRunCommand(s *rootState) *cobra.Command {
	var rawPayload string
	cmd := &cobra.Command{
		Use:   "run JOB",
		Short: "Run a job inline in this process without a broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(rawPayload)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := s.bootstrap(ctx, cmd.Flags(), func(cfg *config.Config) {
				cfg.Jobs.ForceDirect = true
			})
			if err != nil {
				return err
			}
			defer closeApp(app)

			result, err := app.Runtime.ProcessJobDirectly(ctx, args[0], payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"job": args[0], "result": result})
		},
	}
	cmd.Flags().StringVarP(&rawPayload, "payload", "p", "", "job payload as a JSON object")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	return cmd
}

// detachedPruner stands in for the failure service when a command only
// needs the registered job names.
type detachedPruner struct{}

func (detachedPruner) PruneOldFailures(context.Context) (int64, error) {
	return 0, errors.New("failure store is not wired in this command")
}

// registerAllJobs fills registry with the same names NewApp registers.
func registerAllJobs(registry *jobs.Registry, cfg *config.Config, opts Options) error {
	if err := builtin.Register(registry, builtin.Options{Failures: detachedPruner{}}); err != nil {
		return err
	}
	if opts.RegisterJobs != nil {
		return opts.RegisterJobs(registry, cfg, logger.NewNopLogger())
	}
	return nil
}

// parsePayload decodes a JSON object. An empty string is an empty payload.
func parsePayload(raw string) (jobs.Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return jobs.Payload{}, nil
	}
	var payload jobs.Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
