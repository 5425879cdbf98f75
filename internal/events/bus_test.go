package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEmitDeliversToAllSubscriberKinds(t *testing.T) {
	bus := NewBus(10, nil)

	var byType, byAny, byRun int
	bus.On(RunStarted, func(Event) { byType++ })
	bus.OnAny(func(Event) { byAny++ })
	bus.OnRun("r1", func(Event) { byRun++ })

	bus.Emit(New(RunStarted, "r1"))
	bus.Emit(New(StepStarted, "r1"))
	bus.Emit(New(RunStarted, "other"))

	if byType != 2 {
		t.Fatalf("type subscriber saw %d events, want 2", byType)
	}
	if byAny != 3 {
		t.Fatalf("wildcard subscriber saw %d events, want 3", byAny)
	}
	if byRun != 2 {
		t.Fatalf("run subscriber saw %d events, want 2", byRun)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10, nil)

	var n int
	unsub := bus.OnAny(func(Event) { n++ })
	bus.Emit(New(RunStarted, "r1"))
	unsub()
	unsub() // idempotent
	bus.Emit(New(RunStarted, "r1"))

	if n != 1 {
		t.Fatalf("got %d deliveries after unsubscribe, want 1", n)
	}
}

func TestHistoryCapacityEvictsOldestFirst(t *testing.T) {
	bus := NewBus(3, nil)
	for i := 0; i < 5; i++ {
		evt := New(StepStarted, "r1")
		evt.StepIndex = i
		bus.Emit(evt)
	}

	hist := bus.History()
	if len(hist) != 3 {
		t.Fatalf("history holds %d events, want 3", len(hist))
	}
	got := []int{hist[0].StepIndex, hist[1].StepIndex, hist[2].StepIndex}
	if diff := cmp.Diff([]int{2, 3, 4}, got); diff != "" {
		t.Fatalf("history order mismatch (-want +got):\n%s", diff)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(10, nil)

	var after int
	bus.OnAny(func(Event) { panic("boom") })
	bus.OnAny(func(Event) { after++ })

	bus.Emit(New(RunStarted, "r1")) // must not panic the emitter

	if after != 1 {
		t.Fatalf("handler after panicking one saw %d events, want 1", after)
	}
}

func TestReplayRunFiltersHistory(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Emit(New(RunStarted, "a"))
	bus.Emit(New(RunStarted, "b"))
	bus.Emit(New(RunFinished, "a"))

	var got []EventType
	bus.ReplayRun("a", func(evt Event) { got = append(got, evt.Type) })

	want := []EventType{RunStarted, RunFinished}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replayed types mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitForResolvesOnMatch(t *testing.T) {
	bus := NewBus(10, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		evt, err := bus.WaitFor(context.Background(), StepCompleted, time.Second, func(e Event) bool {
			return e.StepIndex == 2
		})
		if err != nil {
			t.Errorf("WaitFor: %v", err)
			return
		}
		if evt.StepIndex != 2 {
			t.Errorf("WaitFor matched step %d, want 2", evt.StepIndex)
		}
	}()

	// Give the waiter time to subscribe.
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		evt := New(StepCompleted, "r1")
		evt.StepIndex = i
		bus.Emit(evt)
	}
	<-done
}

func TestWaitForTimesOut(t *testing.T) {
	bus := NewBus(10, nil)
	_, err := bus.WaitFor(context.Background(), RunFinished, 20*time.Millisecond, nil)
	if err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestWaitForHonorsContextCancel(t *testing.T) {
	bus := NewBus(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := bus.WaitFor(ctx, RunFinished, 0, nil)
	if err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestResetDropsHistoryAndSubscribers(t *testing.T) {
	bus := NewBus(10, nil)
	var n int
	bus.OnAny(func(Event) { n++ })
	bus.Emit(New(RunStarted, "r1"))

	bus.Reset()
	bus.Emit(New(RunStarted, "r1"))

	if n != 1 {
		t.Fatalf("subscriber survived Reset: %d deliveries", n)
	}
	if len(bus.History()) != 1 {
		t.Fatalf("history after Reset+Emit holds %d, want 1", len(bus.History()))
	}
}

func TestConcurrentEmitIsSafe(t *testing.T) {
	bus := NewBus(100, nil)
	doneCh := make(chan struct{}, 4)
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := 0; i < 50; i++ {
				bus.Emit(New(EventType(fmt.Sprintf("T%d", g)), "r"))
			}
			doneCh <- struct{}{}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-doneCh
	}
	if len(bus.History()) != 100 {
		t.Fatalf("history holds %d events, want capacity 100", len(bus.History()))
	}
}
