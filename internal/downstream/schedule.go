package downstream

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for due dates.
const DateLayout = "2006-01-02"

// Recurrence patterns.
const (
	PatternDaily    = "daily"
	PatternWeekly   = "weekly"
	PatternBiweekly = "biweekly"
	PatternMonthly  = "monthly"
	PatternYearly   = "yearly"
)

// NextDueDate advances a due date by one recurrence step. Intervals below
// one are treated as one.
func NextDueDate(due, pattern string, interval int) (time.Time, error) {
	t, err := time.Parse(DateLayout, due)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad due date %q: %w", due, err)
	}
	if interval < 1 {
		interval = 1
	}
	switch pattern {
	case PatternDaily:
		return t.AddDate(0, 0, interval), nil
	case PatternWeekly:
		return t.AddDate(0, 0, 7*interval), nil
	case PatternBiweekly:
		return t.AddDate(0, 0, 14*interval), nil
	case PatternMonthly:
		return addMonthsClamped(t, interval), nil
	case PatternYearly:
		return addMonthsClamped(t, 12*interval), nil
	}
	return time.Time{}, fmt.Errorf("unknown recurrence pattern %q", pattern)
}

// addMonthsClamped keeps the day-of-month, clamping to the target month's
// last day: Jan 31 plus one month is Feb 28 (or 29), never Mar 3. Plain
// AddDate would normalize the overflow into the next month.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, t.Location())
}
