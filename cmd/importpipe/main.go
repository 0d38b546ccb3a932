package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corelms/importpipe/cmd/importpipe/commands"
	"github.com/corelms/importpipe/logger"
)

var rootCmd = &cobra.Command{
	Use:   "importpipe",
	Short: "importpipe - module import job pipeline",
	Long: `importpipe - drive module archive imports through the backend job
pipeline: direct-to-storage upload, import job tracking with adaptive
polling, and automatic follow-up of the question regeneration job.

Available commands:
  import - Upload archives and enqueue import jobs
  jobs   - List, inspect, cancel and retry backend jobs
  resume - Re-attach to jobs tracked before the last exit
  watch  - Auto-import archives dropped into a directory
  am     - Manage importpipe configuration

Examples:
  importpipe import orientation.zip     # Import one module archive
  importpipe jobs ls                    # List recent import jobs
  importpipe resume                     # Pick up after a restart
  importpipe watch /srv/lms/dropbox     # Auto-import new archives`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of human-readable output")

	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
	rootCmd.AddCommand(commands.WatchCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
