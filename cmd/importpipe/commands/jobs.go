package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/logger"
	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/poll"
)

// JobsCmd groups backend job operations.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage backend import jobs",
	Long: `Inspect and manage backend import and regeneration jobs.

Commands:
  importpipe jobs ls              # List recent import jobs
  importpipe jobs status <id>     # Show one job's state
  importpipe jobs cancel <id>     # Request cancellation
  importpipe jobs retry <id>      # Re-run a failed import`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List import jobs",
	Long: `List import jobs known to the backend.

Examples:
  importpipe jobs ls              # Pending and running jobs
  importpipe jobs ls --all        # Include finished and failed history
  importpipe jobs ls --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")
		return runJobsLs(cmd, limit, all)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job status",
	Long: `Display the current status, stage, progress percent and any error
for one job.

Example:
  importpipe jobs status 2f1c...  --follow`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		return runJobsStatus(cmd, args[0], follow)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request job cancellation",
	Long: `Ask the backend to cancel a queued or running job. Jobs already
finished or failed are rejected without a network call.

Example:
  importpipe jobs cancel 2f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsCancel(cmd, args[0])
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed import",
	Long: `Re-enqueue a failed import from its stored archive. The backend
mints a fresh job id; tracking moves to the new id.

Example:
  importpipe jobs retry 2f1c... --follow`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		return runJobsRetry(cmd, args[0], follow)
	},
}

func init() {
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobsLsCmd.Flags().Bool("all", false, "Include terminal jobs from history")
	jobsStatusCmd.Flags().Bool("follow", false, "Keep polling until the job is terminal")
	jobsRetryCmd.Flags().Bool("follow", false, "Watch the new job until terminal")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
}

func runJobsLs(cmd *cobra.Command, limit int, all bool) error {
	s, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.client.ListImportJobs(cmd.Context(), limit, all)
	if err != nil {
		return err
	}

	rows := append(append([]api.ImportJobMeta(nil), resp.Items...), resp.History...)
	if len(rows) == 0 {
		fmt.Println("No import jobs found")
		return nil
	}

	fmt.Printf("%-14s %-10s %-12s %-30s %s\n", "JOB ID", "STATUS", "STAGE", "TITLE", "CREATED")
	fmt.Printf("%-14s %-10s %-12s %-30s %s\n", "------", "------", "-----", "-----", "-------")
	for _, m := range rows {
		title := m.ModuleTitle
		if title == "" {
			title = m.Title
		}
		created := ""
		if ts := api.ParseTime(m.CreatedAt); !ts.IsZero() {
			created = ts.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-14s %-10s %-12s %-30s %s\n",
			shortID(m.JobID), m.Status, m.Stage, truncate(title, 30), created)
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(rows))
	return nil
}

func runJobsStatus(cmd *cobra.Command, jobID string, follow bool) error {
	s, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.client.GetStatus(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	printJobRecord(rec)

	if !follow || rec.Terminal() {
		return nil
	}

	done := make(chan struct{})
	printed := map[string]string{jobID: rec.Signature()}
	p := poll.NewPoller(s.client, jobID, poll.ConfigFrom(s.cfg.Poll), poll.Callbacks{
		OnUpdate: func(r *api.JobRecord) { printJobTransition(printed, r) },
		OnFetchError: func(err error) {
			pterm.Warning.Printfln("status fetch failed: %v (retrying)", err)
		},
		OnTerminal: func(*api.JobRecord) { close(done) },
	}, logger.Logger)
	p.Start(cmd.Context())
	defer p.Stop()

	select {
	case <-done:
	case <-cmd.Context().Done():
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, jobID string) error {
	s, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	// Look at the job first so a terminal one is rejected locally.
	rec, err := s.client.GetStatus(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return errors.Wrapf(errors.ErrNotCancellable, "job %s is already %s", shortID(jobID), rec.Status)
	}

	resp, err := s.client.Cancel(cmd.Context(), jobID)
	if err != nil {
		if errors.Is(err, errors.ErrNotCancellable) {
			pterm.Warning.Printfln("job %s is no longer cancellable", shortID(jobID))
			return nil
		}
		return err
	}
	if resp.Missing {
		pterm.Warning.Printfln("job %s is unknown to the backend", shortID(jobID))
		return nil
	}
	pterm.Success.Printfln("cancel requested for job %s", shortID(jobID))
	return nil
}

func runJobsRetry(cmd *cobra.Command, jobID string, follow bool) error {
	s, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.client.Retry(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("retrying as job %s", shortID(resp.JobID))

	// Tracking moves from the failed id to the fresh one.
	s.tracker.Restore()
	s.tracker.Retarget(jobID, resp.JobID, "")

	if !follow {
		return nil
	}
	return followJobs(cmd.Context(), s, []string{resp.JobID}, nil)
}

func printJobRecord(rec *api.JobRecord) {
	fmt.Printf("Job ID:  %s\n", rec.ID)
	if rec.JobKind != "" {
		fmt.Printf("Kind:    %s\n", rec.JobKind)
	}
	fmt.Printf("Status:  %s\n", rec.Status)
	fmt.Printf("Stage:   %s (%d%%)\n", api.StageLabel(rec.Stage), api.StagePercent(rec.Stage, rec.Status, 0))
	if rec.Detail != "" {
		fmt.Printf("Detail:  %s\n", rec.Detail)
	}
	if rec.ModuleTitle != "" {
		fmt.Printf("Module:  %s\n", rec.ModuleTitle)
	}
	if info := rec.ErrorDetails(); !info.Empty() {
		fmt.Printf("Error:   %s\n", info.Display())
	}
	if res, ok := rec.ImportResult(); ok && res.RegenJobID != "" {
		fmt.Printf("Regen:   %s\n", res.RegenJobID)
	}
	if ts := api.ParseTime(rec.JobStartedAt); !ts.IsZero() {
		fmt.Printf("Started: %s\n", ts.Format("2006-01-02 15:04:05"))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
