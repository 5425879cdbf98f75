package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leadpilot/internal/compliance"
	"leadpilot/internal/events"
	"leadpilot/internal/schedule"
	"leadpilot/internal/types"
)

// fakeStarter simulates the orchestrator: each started task immediately
// reaches the scripted terminal event on the bus.
type fakeStarter struct {
	bus      *events.Bus
	mu       sync.Mutex
	started  []*types.Task
	terminal func(task *types.Task) events.EventType
}

func (f *fakeStarter) Start(ctx context.Context, task *types.Task) (string, error) {
	f.mu.Lock()
	f.started = append(f.started, task)
	n := len(f.started)
	f.mu.Unlock()

	runID := fmt.Sprintf("run-%d", n)
	outcome := events.RunFinished
	if f.terminal != nil {
		outcome = f.terminal(task)
	}
	go func() {
		time.Sleep(time.Millisecond)
		f.bus.Emit(events.New(outcome, runID))
	}()
	return runID, nil
}

func (f *fakeStarter) startedTasks() []*types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Task(nil), f.started...)
}

func fastThrottle() compliance.ThrottleConfig {
	return compliance.ThrottleConfig{MinDelayMs: 1, MaxDelayMs: 2}
}

func testCampaign(leadsN int) (*Campaign, []*Lead) {
	c := &Campaign{
		ID:    "c1",
		Name:  "launch",
		State: StateDraft,
		Steps: []types.Action{
			{Kind: types.ActionNavigate, URL: "{{profile_url}}"},
			{Kind: types.ActionSendMessage, Text: "hi {{name}}", Selectors: []string{"button"}},
		},
		Resource: "profile-a",
		Throttle: fastThrottle(),
	}
	leads := make([]*Lead, leadsN)
	for i := range leads {
		leads[i] = &Lead{
			ID:         fmt.Sprintf("lead-%d", i+1),
			Name:       fmt.Sprintf("Lead %d", i+1),
			ProfileURL: fmt.Sprintf("https://example.com/in/lead-%d", i+1),
		}
	}
	return c, leads
}

func newTestRunner(c *Campaign, leads []*Lead, starter *fakeStarter) *ThrottledRunner {
	return NewRunner(c, leads, RunnerConfig{
		Starter:          starter,
		Bus:              starter.bus,
		BusyRetryDelay:   time.Millisecond,
		LeadRetryBackoff: time.Millisecond,
	})
}

func waitDone(t *testing.T, r *ThrottledRunner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not finish")
	}
}

func TestCampaignDrainsQueueAndCompletes(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(3)
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	got, gotLeads := r.Snapshot()
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, 3, got.Stats.Completed)
	require.Zero(t, got.Stats.Failed)
	for _, l := range gotLeads {
		require.Equal(t, LeadCompleted, l.Status)
	}
	require.Len(t, starter.startedTasks(), 3)
}

func TestRenderTaskExpandsTemplates(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(1)
	leads[0].Fields = map[string]string{"company": "Acme"}
	c.Steps[1].Text = "hi {{name}} at {{company}}"
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	tasks := starter.startedTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "https://example.com/in/lead-1", tasks[0].Actions[0].URL)
	require.Equal(t, "hi Lead 1 at Acme", tasks[0].Actions[1].Text)
	require.Equal(t, "profile-a", tasks[0].Resource)
}

func TestFailedLeadRetriesThenFails(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	starter.terminal = func(*types.Task) events.EventType { return events.RunFailed }

	c, leads := testCampaign(1)
	c.MaxConsecutiveErrors = 100 // keep the campaign alive through retries
	leads[0].MaxRetries = 2
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	got, gotLeads := r.Snapshot()
	require.Equal(t, LeadFailed, gotLeads[0].Status)
	require.Equal(t, 3, gotLeads[0].RetryCount)       // initial + 2 retries
	require.Len(t, starter.startedTasks(), 3)
	require.Equal(t, 2, got.Stats.Retried)
	require.Equal(t, 1, got.Stats.Failed)
	require.Equal(t, StateCompleted, got.State) // queue settled, threshold not hit
}

func TestConsecutiveErrorsTripCampaign(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	starter.terminal = func(*types.Task) events.EventType { return events.RunFailed }

	c, leads := testCampaign(5)
	c.MaxConsecutiveErrors = 3
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	got, _ := r.Snapshot()
	require.Equal(t, StateFailed, got.State)
	require.GreaterOrEqual(t, got.ConsecutiveErrors, 3)

	// The failure is recorded in the audit log, not swallowed.
	var found bool
	for _, entry := range got.AuditLog {
		if entry.Level == AuditError {
			found = true
		}
	}
	require.True(t, found, "no error-level audit entry recorded")
}

func TestSuccessResetsConsecutiveErrors(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	var n int
	var mu sync.Mutex
	starter.terminal = func(*types.Task) events.EventType {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%2 == 1 {
			return events.RunFailed
		}
		return events.RunFinished
	}

	c, leads := testCampaign(4)
	c.MaxConsecutiveErrors = 2
	for _, l := range leads {
		l.MaxRetries = 1
	}
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	got, _ := r.Snapshot()
	// Alternating failure/success never reaches two consecutive errors.
	require.NotEqual(t, StateFailed, got.State)
}

func TestStopCancelsRemainingLeads(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(50)
	c.Throttle = compliance.ThrottleConfig{MinDelayMs: 20, MaxDelayMs: 30}
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	waitDone(t, r)

	got, gotLeads := r.Snapshot()
	require.Equal(t, StateStopped, got.State)

	var cancelled int
	for _, l := range gotLeads {
		if l.Status == LeadCancelled {
			cancelled++
		}
	}
	require.Greater(t, cancelled, 0, "no leads cancelled on stop")
}

func TestPauseBlocksDequeue(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(3)
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	require.True(t, r.Pause())

	time.Sleep(50 * time.Millisecond)
	paused := len(starter.startedTasks())

	require.True(t, r.Resume())
	waitDone(t, r)

	require.LessOrEqual(t, paused, 1, "leads kept flowing while paused")
	got, _ := r.Snapshot()
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, 3, got.Stats.Completed)
}

func TestDoubleStartRejected(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(1)
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	require.Error(t, r.Start(context.Background()))
	waitDone(t, r)
}

func TestHigherPriorityLeadsDequeueFirst(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(3)
	leads[2].Priority = 10
	r := newTestRunner(c, leads, starter)

	require.NoError(t, r.Start(context.Background()))
	waitDone(t, r)

	tasks := starter.startedTasks()
	require.Len(t, tasks, 3)
	require.Equal(t, "c1/lead-3", tasks[0].ID)
}

func TestCampaignStateTable(t *testing.T) {
	require.True(t, StateDraft.CanTransition(StateRunning))
	require.True(t, StateDraft.CanTransition(StateScheduled))
	require.True(t, StateScheduled.CanTransition(StateRunning))
	require.True(t, StateRunning.CanTransition(StatePaused))
	require.True(t, StatePaused.CanTransition(StateRunning))
	require.False(t, StateCompleted.CanTransition(StateRunning))
	require.False(t, StateFailed.CanTransition(StateRunning))
	require.False(t, StateDraft.CanTransition(StateCompleted))

	c := &Campaign{State: StateStopped}
	require.Error(t, c.transition(StateRunning))
	require.Equal(t, StateStopped, c.State)
}

func TestArmRequiresSchedule(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(1)
	r := newTestRunner(c, leads, starter)

	s := schedule.NewScheduler(schedule.SchedulerConfig{})
	defer s.Stop()
	require.Error(t, r.Arm(context.Background(), s))
}

func TestArmSchedulesCampaign(t *testing.T) {
	bus := events.NewBus(100, nil)
	starter := &fakeStarter{bus: bus}
	c, leads := testCampaign(1)
	c.Schedule = &schedule.Schedule{Type: schedule.TypeOnce, StartAt: time.Now().Add(50 * time.Millisecond)}
	r := newTestRunner(c, leads, starter)

	s := schedule.NewScheduler(schedule.SchedulerConfig{})
	defer s.Stop()
	require.NoError(t, r.Arm(context.Background(), s))

	got, _ := r.Snapshot()
	require.Equal(t, StateScheduled, got.State)

	waitDone(t, r)
	got, _ = r.Snapshot()
	require.Equal(t, StateCompleted, got.State)
}
