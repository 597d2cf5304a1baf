package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
)

// withApp runs fn against a freshly wired application and releases it afterwards.
func (s *rootState) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	app, err := s.bootstrap(ctx, cmd.Flags(), nil)
	if err != nil {
		return err
	}
	defer closeApp(app)
	return fn(ctx, app)
}

func newJobsCommand(s *rootState) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage queued jobs",
	}
	SetCommandPolicies(jobsCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})

	var states []string
	var start, end int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseStateFlags(states)
			if err != nil {
				return err
			}
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				list, err := app.Actions.ListJobs(ctx, parsed, start, end)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	listCmd.Flags().StringSliceVar(&states, "state", nil, "job states to include (repeatable, default all)")
	listCmd.Flags().IntVar(&start, "start", 0, "first index")
	listCmd.Flags().IntVar(&end, "end", 49, "last index, inclusive")

	countsCmd := &cobra.Command{
		Use:   "counts",
		Short: "Count jobs per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				counts, err := app.Actions.JobCounts(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), counts)
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				job, err := app.Actions.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a job from the broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Actions.RemoveJob(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "job %s removed\n", args[0])
				return err
			})
		},
	}

	jobsCmd.AddCommand(listCmd, countsCmd, getCmd, removeCmd)
	return jobsCmd
}

func newFailuresCommand(s *rootState) *cobra.Command {
	failuresCmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and act on recorded job failures",
	}
	SetCommandPolicies(failuresCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})

	var filter failures.ListFilter
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent failures, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if filter.Limit < 0 || filter.Offset < 0 {
				return fmt.Errorf("limit and offset must not be negative")
			}
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				records, err := app.Actions.ListFailures(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	listCmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum records")
	listCmd.Flags().IntVar(&filter.Offset, "offset", 0, "records to skip")
	listCmd.Flags().StringVar(&filter.CompanyID, "company", "", "only failures of this company")
	listCmd.Flags().StringVar(&filter.JobName, "job", "", "only failures of this job")

	var hours, topN int
	topCmd := &cobra.Command{
		Use:   "top",
		Short: "Most failing job names in a recent window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				return printJSON(cmd.OutOrStdout(), app.Actions.TopFailedJobs(ctx, hours, topN))
			})
		},
	}
	topCmd.Flags().IntVar(&hours, "hours", 24, "window in hours")
	topCmd.Flags().IntVar(&topN, "top", 5, "number of job names")

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				record, err := app.Actions.GetFailure(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry ID",
		Short: "Resubmit the failed job and resolve the failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.Actions.RetryFailure(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Mark a failure resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				changed, err := app.Actions.ResolveFailure(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "resolved": changed})
			})
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete failures older than dlq.retention_days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.withApp(cmd, func(ctx context.Context, app *App) error {
				removed, err := app.Actions.PruneFailures(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"removed": removed})
			})
		},
	}
	SetCommandPolicies(pruneCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})

	failuresCmd.AddCommand(listCmd, topCmd, getCmd, retryCmd, resolveCmd, pruneCmd)
	return failuresCmd
}

func parseStateFlags(raw []string) ([]jobs.State, error) {
	states := make([]jobs.State, 0, len(raw))
	for _, value := range raw {
		state, err := jobs.ParseState(value)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}
