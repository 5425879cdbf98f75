package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistorySize bounds the replay buffer when no size is given.
const DefaultHistorySize = 1000

// Handler consumes one event. Handlers run synchronously on the
// emitter's goroutine; a panicking handler is logged and isolated.
type Handler func(Event)

// Unsubscribe removes a previously registered handler. Safe to call
// more than once.
type Unsubscribe func()

// Bus is the typed publish/subscribe channel with bounded history.
type Bus struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	capacity int
	history  []Event // ring, oldest first

	nextSub  int
	typeSubs map[EventType]map[int]Handler
	anySubs  map[int]Handler
	runSubs  map[string]map[int]Handler
}

// NewBus creates a bus with the given history capacity. A capacity of
// zero or less uses DefaultHistorySize.
func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger.Named("events"),
		capacity: capacity,
		typeSubs: make(map[EventType]map[int]Handler),
		anySubs:  make(map[int]Handler),
		runSubs:  make(map[string]map[int]Handler),
	}
}

// Emit appends the event to history and synchronously delivers it to
// type subscribers, wildcard subscribers, then run-scoped subscribers.
func (b *Bus) Emit(evt Event) {
	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.capacity {
		// FIFO eviction, oldest first.
		b.history = b.history[len(b.history)-b.capacity:]
	}

	handlers := make([]Handler, 0, 4)
	for _, h := range b.typeSubs[evt.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.anySubs {
		handlers = append(handlers, h)
	}
	if evt.RunID != "" {
		for _, h := range b.runSubs[evt.RunID] {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

// deliver invokes one handler, isolating panics so a broken subscriber
// never interrupts delivery to the rest.
func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked",
				zap.String("event", string(evt.Type)),
				zap.String("run_id", evt.RunID),
				zap.Any("panic", r))
		}
	}()
	h(evt)
}

// On subscribes to a single event type.
func (b *Bus) On(t EventType, h Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	if b.typeSubs[t] == nil {
		b.typeSubs[t] = make(map[int]Handler)
	}
	b.typeSubs[t][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.typeSubs[t], id)
	}
}

// OnAny subscribes to every event.
func (b *Bus) OnAny(h Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.anySubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.anySubs, id)
	}
}

// OnRun subscribes to every event carrying the given run id.
func (b *Bus) OnRun(runID string, h Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	if b.runSubs[runID] == nil {
		b.runSubs[runID] = make(map[int]Handler)
	}
	b.runSubs[runID][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.runSubs[runID], id)
		if len(b.runSubs[runID]) == 0 {
			delete(b.runSubs, runID)
		}
	}
}

// WaitFor blocks until the first future event of type t matching the
// optional filter arrives, the timeout elapses, or ctx is cancelled.
// A timeout of zero waits indefinitely (until ctx cancellation).
func (b *Bus) WaitFor(ctx context.Context, t EventType, timeout time.Duration, filter func(Event) bool) (Event, error) {
	ch := make(chan Event, 1)
	var once sync.Once
	unsub := b.On(t, func(evt Event) {
		if filter != nil && !filter(evt) {
			return
		}
		once.Do(func() { ch <- evt })
	})
	defer unsub()

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case evt := <-ch:
		return evt, nil
	case <-timer:
		return Event{}, context.DeadlineExceeded
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Replay synchronously re-delivers buffered history, oldest first.
func (b *Bus) Replay(h Handler) {
	for _, evt := range b.snapshot() {
		b.deliver(h, evt)
	}
}

// ReplayRun re-delivers buffered history for one run.
func (b *Bus) ReplayRun(runID string, h Handler) {
	for _, evt := range b.snapshot() {
		if evt.RunID == runID {
			b.deliver(h, evt)
		}
	}
}

// History returns a copy of the buffered events, oldest first.
func (b *Bus) History() []Event {
	return b.snapshot()
}

func (b *Bus) snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Reset drops history and all subscriptions. Intended for tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.typeSubs = make(map[EventType]map[int]Handler)
	b.anySubs = make(map[int]Handler)
	b.runSubs = make(map[string]map[int]Handler)
}
