package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"leadpilot/internal/types"
)

var runAutoApprove bool

// runCmd executes a single task file to completion.
var runCmd = &cobra.Command{
	Use:   "run [task.yaml]",
	Short: "Execute a single outreach task",
	Long: `Loads a task definition (an ordered list of browser actions) and runs
it through the workflow engine. The process blocks until the run
reaches a terminal state; Ctrl+C requests a cooperative stop.

Example task file:

  id: greet-dana
  description: send Dana a hello
  actions:
    - kind: navigate
      url: https://example.com/in/dana
    - kind: send_message
      text: "Hi Dana, great talk last week!"
      text_selectors: [".compose textarea"]
      selectors: [".compose button[type=submit]"]`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	task, err := loadTask(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.echoEvents()()

	if runAutoApprove {
		defer a.autoApprove()()
	}

	runID, err := a.orch.Start(ctx, task)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started (%d steps)\n", runID, len(task.Actions))

	if !runAutoApprove {
		if err := a.watchApprovalSpool(ctx); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("stopping run...")
		a.orch.Stop(runID, true)
	}()

	a.orch.Wait()

	rc, ok := a.orch.GetRun(runID)
	if !ok {
		return fmt.Errorf("run %s vanished", runID)
	}
	fmt.Printf("Run %s: %s\n", runID, rc.State)
	if rc.Error != "" {
		return fmt.Errorf("run failed: %s", rc.Error)
	}
	return nil
}

func loadTask(path string) (*types.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var task types.Task
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	if task.ID == "" {
		task.ID = path
	}
	return &task, nil
}
