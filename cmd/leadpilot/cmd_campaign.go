package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"leadpilot/internal/campaign"
	"leadpilot/internal/schedule"
)

var campaignScheduled bool

// campaignCmd processes a campaign's lead queue.
var campaignCmd = &cobra.Command{
	Use:   "campaign [campaign.yaml]",
	Short: "Run an outreach campaign over a lead queue",
	Long: `Loads a campaign definition (step template, throttle, optional
schedule) plus its leads, then processes leads one at a time with
jittered delays between them. With --scheduled the campaign is armed on
its schedule instead of starting immediately.

Approvals raised by sensitive steps are resolved with the approve/deny
commands from a second terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaign,
}

// campaignFile is the on-disk shape: the campaign plus its leads.
type campaignFile struct {
	Campaign campaign.Campaign `yaml:"campaign"`
	Leads    []campaign.Lead   `yaml:"leads"`
}

func runCampaign(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cf, err := loadCampaign(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.echoEvents()()

	leads := make([]*campaign.Lead, len(cf.Leads))
	for i := range cf.Leads {
		leads[i] = &cf.Leads[i]
	}
	runner := campaign.NewRunner(&cf.Campaign, leads, campaign.RunnerConfig{
		Starter: a.orch,
		Bus:     a.bus,
		Logger:  logger,
	})

	// Route spooled approvals for whichever run is currently waiting.
	if err := a.watchApprovalSpool(ctx); err != nil {
		return err
	}

	if campaignScheduled {
		sched := schedule.NewScheduler(schedule.SchedulerConfig{Logger: logger})
		sched.Start(ctx)
		defer sched.Stop()
		if err := runner.Arm(ctx, sched); err != nil {
			return err
		}
		if next, ok := sched.NextRun(cf.Campaign.ID); ok {
			fmt.Printf("Campaign %s armed; next run %s\n", cf.Campaign.Name, next)
		}
	} else {
		if err := runner.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Campaign %s started with %d leads\n", cf.Campaign.Name, len(leads))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-runner.Done():
	case <-sigCh:
		fmt.Println("stopping campaign...")
		runner.Stop()
		<-runner.Done()
	}
	a.orch.Wait()

	c, ls := runner.Snapshot()
	fmt.Printf("Campaign %s: %s (%d completed, %d failed, %d skipped, %d cancelled)\n",
		c.Name, c.State, c.Stats.Completed, c.Stats.Failed, c.Stats.Skipped, c.Stats.Cancelled)
	for _, l := range ls {
		fmt.Printf("  %-24s %s\n", l.ID, l.Status)
	}
	if c.State == campaign.StateFailed {
		return fmt.Errorf("campaign failed after %d consecutive errors", c.ConsecutiveErrors)
	}
	return nil
}

func loadCampaign(path string) (*campaignFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}
	var cf campaignFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file %s: %w", path, err)
	}
	if cf.Campaign.ID == "" {
		return nil, fmt.Errorf("campaign file %s missing campaign.id", path)
	}
	if len(cf.Campaign.Steps) == 0 {
		return nil, fmt.Errorf("campaign %s has no steps", cf.Campaign.ID)
	}
	if cf.Campaign.State == "" {
		cf.Campaign.State = campaign.StateDraft
	}
	return &cf, nil
}
