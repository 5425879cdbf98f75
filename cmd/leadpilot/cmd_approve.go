package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// approveCmd grants a pending approval raised by a run in another
// terminal. Resolution goes through the spool directory watched by the
// running process.
var approveCmd = &cobra.Command{
	Use:   "approve [approval-id]",
	Short: "Approve a pending sensitive action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := spoolResolution(args[0], "approve", "")
		if err != nil {
			return err
		}
		fmt.Printf("approval %s granted (%s)\n", args[0], path)
		return nil
	},
}

// denyCmd denies a pending approval, with an optional reason.
var denyCmd = &cobra.Command{
	Use:   "deny [approval-id] [reason...]",
	Short: "Deny a pending sensitive action",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := strings.Join(args[1:], " ")
		path, err := spoolResolution(args[0], "deny", reason)
		if err != nil {
			return err
		}
		fmt.Printf("approval %s denied (%s)\n", args[0], path)
		return nil
	},
}

// spoolResolution drops a marker file the waiting process consumes.
func spoolResolution(approvalID, verb, body string) (string, error) {
	if strings.ContainsAny(approvalID, "/\\") {
		return "", fmt.Errorf("invalid approval id %q", approvalID)
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(spoolDir, approvalID+"."+verb)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("failed to write approval marker: %w", err)
	}
	return path, nil
}
