// Package audit persists runtime events to SQLite for durable review.
// The engine has no dependency on this sink; it attaches to the event
// bus as one more subscriber.
package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"leadpilot/internal/events"
	"leadpilot/internal/types"
)

// Store is a SQLite-backed event sink. Thread-safe.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open opens (creating if needed) the audit database at path. Use
// ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Serialized access; the sink is low-volume and a single writer
	// avoids SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.Named("audit")}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runtime_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		run_id TEXT,
		step_index INTEGER,
		step_name TEXT,
		action TEXT,
		attempt INTEGER,
		approval_id TEXT,
		reset_at DATETIME,
		error TEXT,
		message TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON runtime_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON runtime_events(type);
	CREATE INDEX IF NOT EXISTS idx_events_created ON runtime_events(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists one event.
func (s *Store) Record(evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resetAt any
	if !evt.ResetAt.IsZero() {
		resetAt = evt.ResetAt.UTC()
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO runtime_events
			(id, type, run_id, step_index, step_name, action, attempt,
			 approval_id, reset_at, error, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Type), evt.RunID, evt.StepIndex, evt.StepName,
		string(evt.Action), evt.Attempt, evt.ApprovalID, resetAt,
		evt.Error, evt.Message, evt.Timestamp.UTC())
	return err
}

// Attach subscribes the store to every bus event. Write failures are
// logged, never propagated to publishers.
func (s *Store) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.OnAny(func(evt events.Event) {
		if err := s.Record(evt); err != nil {
			s.logger.Warn("audit write failed",
				zap.String("event_id", evt.ID),
				zap.Error(err))
		}
	})
}

// EventsForRun returns a run's events in chronological order.
func (s *Store) EventsForRun(runID string) ([]events.Event, error) {
	return s.query(`
		SELECT id, type, run_id, step_index, step_name, action, attempt,
		       approval_id, reset_at, error, message, created_at
		FROM runtime_events WHERE run_id = ? ORDER BY created_at, id`, runID)
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(`
		SELECT id, type, run_id, step_index, step_name, action, attempt,
		       approval_id, reset_at, error, message, created_at
		FROM runtime_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// CountByType returns per-type event counts, for status summaries.
func (s *Store) CountByType() (map[events.EventType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM runtime_events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[events.EventType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[events.EventType(t)] = n
	}
	return out, rows.Err()
}

func (s *Store) query(q string, args ...any) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var evt events.Event
		var typ, action string
		var resetAt sql.NullTime
		var createdAt time.Time
		if err := rows.Scan(&evt.ID, &typ, &evt.RunID, &evt.StepIndex,
			&evt.StepName, &action, &evt.Attempt, &evt.ApprovalID,
			&resetAt, &evt.Error, &evt.Message, &createdAt); err != nil {
			return nil, err
		}
		evt.Type = events.EventType(typ)
		evt.Action = types.ActionKind(action)
		if resetAt.Valid {
			evt.ResetAt = resetAt.Time
		}
		evt.Timestamp = createdAt
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
