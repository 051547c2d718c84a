// Package quiethours computes the earliest instant a message may go out given a
// daily blackout window expressed in a recipient's local wall time.
package quiethours

import (
	"time"
	_ "time/tzdata"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// NextAllowed returns candidate when it falls outside the window, otherwise the
// first instant at which the window ends, in local wall time of loc.
// A nil window disables filtering.
func NextAllowed(window *models.QuietHours, loc *time.Location, candidate time.Time) time.Time {
	if window == nil {
		return candidate
	}
	if loc == nil {
		loc = time.UTC
	}

	local := candidate.In(loc)
	tod := models.TimeOfDay(local.Hour()*60 + local.Minute())
	if !window.Contains(tod) {
		return candidate
	}

	day := local.Day()
	// In a wrapping window the evening half ends on the next calendar day.
	if window.Start > window.End && tod >= window.Start {
		day++
	}
	end := windowEnd(local.Year(), local.Month(), day, window.End, loc)
	if !end.After(candidate) {
		// Clocks fell back and the end's wall time repeats; the later occurrence closes the window.
		end = repeated(end)
	}
	return end.In(candidate.Location())
}

// windowEnd resolves the wall time end on the given day. When a forward
// clock jump skips that wall time, the window closes at the jump.
func windowEnd(year int, month time.Month, day int, end models.TimeOfDay, loc *time.Location) time.Time {
	t := time.Date(year, month, day, end.Hour(), end.Minute(), 0, 0, loc).In(loc)
	want := time.Date(year, month, day, end.Hour(), end.Minute(), 0, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)

	switch {
	case got.After(want):
		start, _ := t.ZoneBounds()
		return start
	case got.Before(want):
		_, next := t.ZoneBounds()
		return next
	}
	return t
}

// repeated returns the second occurrence of t's wall time after a backward clock change
func repeated(t time.Time) time.Time {
	_, next := t.ZoneBounds()
	if next.IsZero() {
		return t
	}
	_, before := t.Zone()
	_, after := next.Zone()
	return t.Add(time.Duration(before-after) * time.Second)
}

// InWindow reports whether t falls inside the blackout window
func InWindow(window *models.QuietHours, loc *time.Location, t time.Time) bool {
	return !NextAllowed(window, loc, t).Equal(t)
}
