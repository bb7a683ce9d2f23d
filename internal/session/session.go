// Package session maps wall-clock time onto named trading sessions and the daily
// boundary at which per-day risk counters roll over.
package session

import "time"

// Window is one named trading-hours range in UTC. EndHour is exclusive; a window
// whose StartHour is greater than its EndHour wraps past midnight.
type Window struct {
	Name       string
	StartHour  int
	EndHour    int
	Multiplier float64 // position size multiplier
	Score      float64 // alignment score in [0,1]
}

func (w Window) contains(hour int) bool {
	if w.StartHour == w.EndHour {
		return true
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// Table classifies instants into sessions. Windows are checked in order so
// overlaps resolve to the first listed entry.
type Table struct {
	windows   []Window
	fallback  Window
	resetHour int
}

// NewTable builds a session table. The fallback applies to hours no window covers.
func NewTable(windows []Window, fallback Window, resetHour int) *Table {
	if fallback.Name == "" {
		fallback.Name = "OFF_HOURS"
	}
	if fallback.Multiplier <= 0 {
		fallback.Multiplier = 1
	}
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	out := make([]Window, len(windows))
	copy(out, windows)
	return &Table{windows: out, fallback: fallback, resetHour: resetHour}
}

// Classify returns the session active at t.
func (t *Table) Classify(at time.Time) Window {
	hour := at.UTC().Hour()
	for _, w := range t.windows {
		if w.contains(hour) {
			return w
		}
	}
	return t.fallback
}

// Lookup returns the window with the given name.
func (t *Table) Lookup(name string) (Window, bool) {
	for _, w := range t.windows {
		if w.Name == name {
			return w, true
		}
	}
	if t.fallback.Name == name {
		return t.fallback, true
	}
	return Window{}, false
}

// DayBoundary returns the most recent daily reset instant at or before t.
func (t *Table) DayBoundary(at time.Time) time.Time {
	return Boundary(at, t.resetHour)
}

// Boundary returns the latest instant <= at whose UTC hour is resetHour on the hour.
func Boundary(at time.Time, resetHour int) time.Time {
	u := at.UTC()
	b := time.Date(u.Year(), u.Month(), u.Day(), resetHour, 0, 0, 0, time.UTC)
	if b.After(u) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}
