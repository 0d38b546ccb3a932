package commands

import (
	"context"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/corelms/importpipe/errors"
	"github.com/corelms/importpipe/logger"
	"github.com/corelms/importpipe/pipeline/api"
	"github.com/corelms/importpipe/pipeline/batch"
	"github.com/corelms/importpipe/pipeline/poll"
	"github.com/corelms/importpipe/pipeline/upload"
)

// ImportCmd submits one or more module archives for import.
var ImportCmd = &cobra.Command{
	Use:   "import <archive.zip> [more.zip ...]",
	Short: "Upload module archives and enqueue import jobs",
	Long: `Upload module archives directly to storage and enqueue a backend
import job for each, in submission order.

Files whose derived title matches an existing module are skipped. When
an import finishes, the follow-up question regeneration job is tracked
automatically.

Examples:
  importpipe import orientation.zip
  importpipe import --title "Fire Safety 2026" fire_safety.zip
  importpipe import *.zip --no-follow`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		noFollow, _ := cmd.Flags().GetBool("no-follow")
		return runImport(cmd, args, title, !noFollow)
	},
}

func init() {
	ImportCmd.Flags().String("title", "", "Module title override (single-file batches only)")
	ImportCmd.Flags().Bool("no-follow", false, "Enqueue and exit without watching job progress")
}

func runImport(cmd *cobra.Command, paths []string, title string, follow bool) error {
	ctx := cmd.Context()

	files := make([]batch.File, 0, len(paths))
	for _, p := range paths {
		f, err := batch.FileFromPath(p)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	bar, _ := pterm.DefaultProgressbar.WithTotal(100).WithShowCount(false).Start()
	currentFile := ""

	// The follower runs for the whole batch so each job is polled from
	// the moment it is enqueued, not after the last upload finishes.
	var coordinator *batch.Coordinator
	var follower *poll.BatchPoller
	var drained chan struct{}
	if follow {
		follower, drained = startFollower(ctx, s, func(jobID string, rec *api.JobRecord) {
			coordinator.JobTerminal(jobID, rec)
		})
		defer follower.Stop()
	}

	coordinator = batch.NewCoordinator(batch.Config{
		Backend:            s.client,
		Transport:          s.transport,
		Bus:                s.bus,
		Logger:             logger.Logger,
		LargeFileThreshold: s.cfg.Upload.LargeFileThresholdBytes,
		TitleOverride:      title,
		ExistingTitles:     knownModuleTitles(ctx, s.client),
		OnJobEnqueued: func(jobID string, item batch.Item) {
			s.tracker.Track(jobID)
			if follower != nil {
				follower.Add(jobID)
			}
		},
		OnProgress: func(filename string, p upload.Progress) {
			if filename != currentFile {
				currentFile = filename
				s.tracker.SetImportStage("uploading", filename)
				bar.UpdateTitle("uploading " + filename)
			}
			bar.Current = int(p.Percent)
		},
	})

	// Ctrl-C cancels the batch: no further files start and the
	// in-flight upload is aborted.
	go func() {
		<-ctx.Done()
		coordinator.Cancel()
	}()

	coordinator.Run(ctx, files)
	bar.Stop()
	s.tracker.SetImportStage("", "")

	if ctx.Err() != nil {
		cancelBatch(coordinator)
	} else if follower != nil {
		if err := waitDrained(ctx, follower, drained); err != nil {
			return err
		}
	}

	summarizeBatch(coordinator)
	return firstFailure(coordinator.Snapshot())
}

// cancelBatch finishes a Ctrl-C teardown: the jobs the batch already
// enqueued are individually canceled on the backend. The command
// context is gone at this point, so a short fresh one covers the
// cancel calls.
func cancelBatch(c *batch.Coordinator) {
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	c.CancelEnqueuedJobs(ctx)
	stop()
}

// firstFailure turns failed batch items into a non-zero exit.
func firstFailure(items []batch.Item) error {
	var failed []string
	for _, it := range items {
		if it.State == batch.StateFailed {
			failed = append(failed, it.File.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.Newf("%d file(s) failed: %s", len(failed), strings.Join(failed, ", "))
}
