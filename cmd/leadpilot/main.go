// Package main implements the leadpilot CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leadpilot/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	spoolDir   string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "leadpilot",
	Short: "leadpilot - browser-mediated outreach orchestration",
	Long: `leadpilot executes outreach tasks and campaigns through a controlled
browser session, with human approval gates on every sensitive action,
rate throttling, quiet hours, and a durable audit trail.

Sensitive actions (messages, connection requests, posts, follows) never
execute without an explicit approval; use the approve/deny commands from
a second terminal while a run is waiting.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "leadpilot.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&spoolDir, "spool", ".leadpilot/approvals", "approval spool directory")

	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "approve every sensitive action without waiting")
	campaignCmd.Flags().BoolVar(&campaignScheduled, "scheduled", false, "arm the campaign's schedule instead of starting now")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(campaignCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
