package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// ResumeCmd re-attaches tracking to jobs recorded before the last exit.
var ResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-attach to jobs tracked before the last exit",
	Long: `Pick up where the previous run stopped: job ids recorded in the
local resume store are re-polled until terminal. Stored state only says
which jobs to watch; their displayed status always comes from a fresh
status fetch.

Example:
  importpipe resume`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noFollow, _ := cmd.Flags().GetBool("no-follow")
		return runResume(cmd, !noFollow)
	},
}

func init() {
	ResumeCmd.Flags().Bool("no-follow", false, "Print the stored tracking state and exit")
}

func runResume(cmd *cobra.Command, follow bool) error {
	s, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	st := s.tracker.Restore()
	ids := s.tracker.TrackedIDs()
	if len(ids) == 0 {
		pterm.Info.Println("nothing to resume")
		return nil
	}

	pterm.Info.Printfln("resuming %d job(s)", len(ids))
	if st.SelectedJobID != "" {
		pterm.Info.Printfln("selected job: %s", shortID(st.SelectedJobID))
	}
	if st.ImportFile != "" {
		// An upload was in flight when the last run stopped. The bytes
		// are gone with the process; the file must be imported again.
		pterm.Warning.Printfln("upload of %s did not finish; re-run: importpipe import %s",
			st.ImportFile, st.ImportFile)
	}

	if !follow {
		for _, id := range ids {
			pterm.Println("  " + shortID(id))
		}
		return nil
	}
	return followJobs(cmd.Context(), s, ids, nil)
}
