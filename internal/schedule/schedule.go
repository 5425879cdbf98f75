// Package schedule computes future fire times for one-time and
// recurring campaign schedules and maintains the timers that drive
// them, including quiet-window and skip-date handling.
package schedule

import (
	"fmt"
	"time"
)

// Type distinguishes one-shot from recurring schedules.
type Type string

const (
	TypeOnce      Type = "ONCE"
	TypeRecurring Type = "RECURRING"
)

// Pattern selects which days a recurring schedule fires on.
type Pattern string

const (
	PatternDaily    Pattern = "DAILY"
	PatternWeekdays Pattern = "WEEKDAYS"
	PatternWeekly   Pattern = "WEEKLY" // Mondays
	PatternCustom   Pattern = "CUSTOM"
)

// lookaheadDays bounds the forward search for the next occurrence.
// Every supported pattern matches at least one day per week, so eight
// days always suffices; revisit if sparser patterns are added.
const lookaheadDays = 8

// Schedule describes when a campaign fires.
type Schedule struct {
	Type Type `json:"type" yaml:"type"`

	// ONCE fields.
	StartAt time.Time `json:"start_at,omitempty" yaml:"start_at,omitempty"`
	EndAt   time.Time `json:"end_at,omitempty" yaml:"end_at,omitempty"`

	// RECURRING fields.
	Pattern    Pattern        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	StartTime  string         `json:"start_time,omitempty" yaml:"start_time,omitempty"` // HH:MM
	EndTime    string         `json:"end_time,omitempty" yaml:"end_time,omitempty"`     // HH:MM
	CustomDays []time.Weekday `json:"custom_days,omitempty" yaml:"custom_days,omitempty"`
	SkipDates  []string       `json:"skip_dates,omitempty" yaml:"skip_dates,omitempty"` // YYYY-MM-DD
	Timezone   string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	EffectiveFrom  time.Time `json:"effective_from,omitempty" yaml:"effective_from,omitempty"`
	EffectiveUntil time.Time `json:"effective_until,omitempty" yaml:"effective_until,omitempty"`
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Window is today's [Start,End) execution window for a schedule.
type Window struct {
	Start  time.Time
	End    time.Time
	Active bool
}

// NextRunTime returns the next fire time strictly after now, or false
// when the schedule has no future occurrence (ONCE in the past, or no
// valid day inside the lookahead and effective range).
func NextRunTime(s Schedule, now time.Time) (time.Time, bool) {
	if s.Type == TypeOnce {
		if s.StartAt.After(now) {
			return s.StartAt, true
		}
		return time.Time{}, false
	}

	loc := s.Location()
	local := now.In(loc)

	for d := 0; d < lookaheadDays; d++ {
		day := local.AddDate(0, 0, d)
		if !s.EffectiveFrom.IsZero() && day.Before(s.EffectiveFrom.In(loc)) && !sameDay(day, s.EffectiveFrom.In(loc)) {
			continue
		}
		if !s.EffectiveUntil.IsZero() && day.After(s.EffectiveUntil.In(loc)) && !sameDay(day, s.EffectiveUntil.In(loc)) {
			return time.Time{}, false
		}
		if !s.dayAllowed(day.Weekday()) {
			continue
		}
		if s.skipped(day) {
			continue
		}
		candidate, err := atClock(day, s.StartTime)
		if err != nil {
			return time.Time{}, false
		}
		if candidate.After(now) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// CurrentWindow computes today's [StartTime,EndTime) window relative to
// now and reports whether now is inside it. Overnight windows (end
// before start) roll the end to the next calendar day; in the
// early-morning tail the window is the one that started yesterday.
func CurrentWindow(s Schedule, now time.Time) (Window, error) {
	loc := s.Location()
	local := now.In(loc)

	start, err := atClock(local, s.StartTime)
	if err != nil {
		return Window{}, fmt.Errorf("bad start_time %q: %w", s.StartTime, err)
	}
	end, err := atClock(local, s.EndTime)
	if err != nil {
		return Window{}, fmt.Errorf("bad end_time %q: %w", s.EndTime, err)
	}

	if !end.After(start) {
		// Overnight window.
		if local.Before(end) {
			start = start.AddDate(0, 0, -1)
		} else {
			end = end.AddDate(0, 0, 1)
		}
	}

	return Window{
		Start:  start,
		End:    end,
		Active: !local.Before(start) && local.Before(end),
	}, nil
}

func (s Schedule) dayAllowed(wd time.Weekday) bool {
	switch s.Pattern {
	case PatternDaily:
		return true
	case PatternWeekdays:
		return wd >= time.Monday && wd <= time.Friday
	case PatternWeekly:
		return wd == time.Monday
	case PatternCustom:
		for _, d := range s.CustomDays {
			if d == wd {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (s Schedule) skipped(day time.Time) bool {
	ds := day.Format("2006-01-02")
	for _, skip := range s.SkipDates {
		if skip == ds {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func atClock(day time.Time, clock string) (time.Time, error) {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return time.Time{}, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, fmt.Errorf("out of range")
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), nil
}
