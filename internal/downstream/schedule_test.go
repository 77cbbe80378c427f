package downstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDueDate(t *testing.T) {
	tests := []struct {
		name     string
		due      string
		pattern  string
		interval int
		want     string
	}{
		{"daily", "2026-08-25", PatternDaily, 1, "2026-08-26"},
		{"daily across month end", "2026-08-31", PatternDaily, 1, "2026-09-01"},
		{"every third day", "2026-08-25", PatternDaily, 3, "2026-08-28"},
		{"weekly", "2026-08-25", PatternWeekly, 1, "2026-09-01"},
		{"biweekly", "2026-08-25", PatternBiweekly, 1, "2026-09-08"},
		{"monthly", "2026-04-15", PatternMonthly, 1, "2026-05-15"},
		{"monthly clamps jan 31", "2026-01-31", PatternMonthly, 1, "2026-02-28"},
		{"monthly clamps into leap feb", "2024-01-31", PatternMonthly, 1, "2024-02-29"},
		{"monthly keeps day after clamp source", "2026-03-31", PatternMonthly, 1, "2026-04-30"},
		{"every second month", "2026-12-31", PatternMonthly, 2, "2027-02-28"},
		{"yearly", "2026-06-10", PatternYearly, 1, "2027-06-10"},
		{"yearly clamps leap day", "2024-02-29", PatternYearly, 1, "2025-02-28"},
		{"zero interval treated as one", "2026-08-25", PatternDaily, 0, "2026-08-26"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDueDate(tt.due, tt.pattern, tt.interval)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Format(DateLayout))
		})
	}
}

func TestNextDueDateErrors(t *testing.T) {
	_, err := NextDueDate("soon", PatternDaily, 1)
	assert.Error(t, err)

	_, err = NextDueDate("2026-08-25", "hourly", 1)
	assert.Error(t, err)
}
