package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/amrhunter/internal/lifecycle"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(a),
		newJobsShowCmd(a),
		newJobsHistoryCmd(a),
		newJobsStatsCmd(a),
		&cobra.Command{
			Use:   "archive <job-id>",
			Short: "Archive a completed or failed job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				job, err := a.lifecycle.Archive(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.Status)
				return nil
			},
		},
		newJobsCancelCmd(a),
		&cobra.Command{
			Use:   "retry <job-id>",
			Short: "Resubmit a failed job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				job, err := a.lifecycle.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				attempt, _ := job.Parameter(lifecycle.ParamAttempt)
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s (attempt %s)\n", job.ID, attempt)
				return nil
			},
		},
	)
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.JobFilter{Limit: limit}
			if status != "" {
				s, err := models.ParseJobStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &s
			}
			jobs, err := a.jobs.GetAll(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			table := newTable(cmd.OutOrStdout(), "ID", "Status", "Progress", "Created", "Elapsed")
			for _, j := range jobs {
				table.Append([]string{
					j.ID,
					j.Status.String(),
					strconv.FormatFloat(j.Progress, 'f', 0, 64) + "%",
					j.CreatedAt.Format(time.RFC3339),
					a.lifecycle.Elapsed(j).Round(time.Second).String(),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (submitted|running|completed|error|archived|cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func newJobsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job and its parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.lifecycle.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), "Field", "Value")
			table.Append([]string{"id", job.ID})
			table.Append([]string{"status", job.Status.String()})
			table.Append([]string{"progress", strconv.FormatFloat(job.Progress, 'f', -1, 64)})
			table.Append([]string{"elapsed", a.lifecycle.Elapsed(job).Round(time.Second).String()})
			table.Append([]string{"result_file", deref(job.ResultFile)})
			table.Append([]string{"aggregated_result_file", deref(job.AggregatedResultFile)})
			table.Append([]string{"error_message", deref(job.ErrorMessage)})
			names := make([]string, 0, len(job.Parameters))
			for name := range job.Parameters {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				table.Append([]string{"param." + name, job.Parameters[name]})
			}
			table.Render()
			return nil
		},
	}
}

func newJobsHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show a job's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := a.lifecycle.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "At", "Status", "Message")
			for _, h := range history {
				table.Append([]string{h.CreatedAt.Format(time.RFC3339), h.Status.String(), deref(h.Message)})
			}
			table.Render()
			return nil
		},
	}
}

func newJobsStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			counts, err := a.jobs.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "Status", "Jobs")
			for _, s := range models.AllJobStatuses {
				table.Append([]string{s.String(), strconv.Itoa(counts[s])})
			}
			table.Render()
			return nil
		},
	}
}

func newJobsCancelCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a submitted or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.lifecycle.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Recorded in the status history")
	return cmd
}
