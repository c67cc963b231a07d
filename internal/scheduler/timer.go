package scheduler

import (
	"time"

	"project-mirage/internal/model"
)

// NextRun computes the next firing of a timer strictly after from.
//
// daily: today at HH:MM, or tomorrow when already past. weekly: the given
// weekday (0 = Monday) at HH:MM, always 1-7 days ahead. monthly: the given
// day at HH:MM, advancing one calendar month when not in the future;
// time.Date normalises short months (Jan 31 + 1 month lands in early March).
func NextRun(timer *model.Timer, from time.Time) time.Time {
	hour, minute := parseClock(timer.Time)
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())

	switch timer.Type {
	case "weekly":
		daysAhead := timer.Day - mondayWeekday(from)
		if daysAhead <= 0 {
			daysAhead += 7
		}
		next = next.AddDate(0, 0, daysAhead)
	case "monthly":
		next = time.Date(from.Year(), from.Month(), timer.Day, hour, minute, 0, 0, from.Location())
		if !next.After(from) {
			next = next.AddDate(0, 1, 0)
		}
	default: // daily
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
	}
	return next
}

func parseClock(clock string) (hour, minute int) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, 0
	}
	return t.Hour(), t.Minute()
}

// mondayWeekday maps time.Weekday (Sunday = 0) to the Monday-based scheme
// timer records use (Monday = 0).
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
