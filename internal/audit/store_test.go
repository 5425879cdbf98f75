package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leadpilot/internal/events"
	"leadpilot/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndQueryByRun(t *testing.T) {
	s := openTestStore(t)

	first := events.New(events.RunStarted, "r1")
	second := events.New(events.StepStarted, "r1")
	second.Timestamp = first.Timestamp.Add(time.Second)
	second.StepIndex = 0
	second.StepName = "step-1-navigate"
	second.Action = types.ActionNavigate
	other := events.New(events.RunStarted, "r2")

	require.NoError(t, s.Record(first))
	require.NoError(t, s.Record(second))
	require.NoError(t, s.Record(other))

	got, err := s.EventsForRun("r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, events.RunStarted, got[0].Type)
	require.Equal(t, events.StepStarted, got[1].Type)
	require.Equal(t, "step-1-navigate", got[1].StepName)
	require.Equal(t, types.ActionNavigate, got[1].Action)
}

func TestRecordIsIdempotentPerEventID(t *testing.T) {
	s := openTestStore(t)

	evt := events.New(events.RunFinished, "r1")
	require.NoError(t, s.Record(evt))
	require.NoError(t, s.Record(evt)) // duplicate delivery

	got, err := s.EventsForRun("r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestResetAtRoundTrips(t *testing.T) {
	s := openTestStore(t)

	evt := events.New(events.RateLimitHit, "r1")
	evt.ResetAt = time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(evt))

	got, err := s.EventsForRun("r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].ResetAt.Equal(evt.ResetAt), "reset_at = %v, want %v", got[0].ResetAt, evt.ResetAt)
}

func TestAttachMirrorsBusTraffic(t *testing.T) {
	s := openTestStore(t)
	bus := events.NewBus(100, nil)

	unsub := s.Attach(bus)
	bus.Emit(events.New(events.RunStarted, "r1"))
	bus.Emit(events.New(events.RunFinished, "r1"))
	unsub()
	bus.Emit(events.New(events.RunStarted, "r1")) // after detach

	got, err := s.EventsForRun("r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRecentAndCounts(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		evt := events.New(events.StepCompleted, "r1")
		evt.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Record(evt))
	}
	fail := events.New(events.RunFailed, "r1")
	fail.Timestamp = base.Add(time.Minute)
	require.NoError(t, s.Record(fail))

	recent, err := s.Recent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, events.RunFailed, recent[0].Type, "newest event not first")

	counts, err := s.CountByType()
	require.NoError(t, err)
	require.Equal(t, 5, counts[events.StepCompleted])
	require.Equal(t, 1, counts[events.RunFailed])
}
