package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"leadpilot/internal/audit"
	"leadpilot/internal/config"
	"leadpilot/internal/events"
)

var statusLimit int

// statusCmd summarizes the audit trail.
var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent activity from the audit trail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 25, "number of events to show")
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Audit.Enabled {
		return fmt.Errorf("audit sink disabled in %s; no history to show", configPath)
	}

	store, err := audit.Open(cfg.Audit.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var evts []events.Event
	if len(args) == 1 {
		evts, err = store.EventsForRun(args[0])
	} else {
		evts, err = store.Recent(statusLimit)
	}
	if err != nil {
		return err
	}
	if len(evts) == 0 {
		fmt.Println("no events recorded")
		return nil
	}

	for _, evt := range evts {
		line := fmt.Sprintf("%s  %-20s run=%s", evt.Timestamp.Format("2006-01-02 15:04:05"), evt.Type, short(evt.RunID))
		if evt.StepName != "" {
			line += "  " + evt.StepName
		}
		if evt.Error != "" {
			line += "  error=" + evt.Error
		}
		if evt.Message != "" {
			line += "  " + evt.Message
		}
		fmt.Println(line)
	}

	counts, err := store.CountByType()
	if err != nil {
		return err
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	fmt.Println()
	for _, t := range types {
		fmt.Printf("%-20s %d\n", t, counts[events.EventType(t)])
	}
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
