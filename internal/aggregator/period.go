package aggregator

import "time"

const (
	weekMinutes  = 10080
	monthMinutes = 43200
)

// periodStart returns the start, in milliseconds, of the bucket of
// length timeframeMinutes containing tsMs, per spec.md §4.G /
// Open Question 1: minute-based timeframes floor to a fixed-length
// grid from the epoch; 10080 (1W) floors to ISO-week Monday 00:00 UTC;
// 43200 (1M) floors to the first of the UTC calendar month.
func periodStart(tsMs int64, timeframeMinutes int) int64 {
	switch timeframeMinutes {
	case weekMinutes:
		t := time.UnixMilli(tsMs).UTC()
		daysSinceMonday := (int(t.Weekday()) + 6) % 7
		monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -daysSinceMonday)
		return monday.UnixMilli()

	case monthMinutes:
		t := time.UnixMilli(tsMs).UTC()
		monthStart := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return monthStart.UnixMilli()

	default:
		periodMs := int64(timeframeMinutes) * 60_000
		return (tsMs / periodMs) * periodMs
	}
}

// periodEnd returns the close time, in milliseconds, of the bucket
// starting at periodStartMs: periodStart + length - 1ms. Week and
// month lengths are calendar-variable, so they're computed from
// periodStartMs rather than a fixed duration.
func periodEnd(periodStartMs int64, timeframeMinutes int) int64 {
	switch timeframeMinutes {
	case weekMinutes:
		start := time.UnixMilli(periodStartMs).UTC()
		return start.AddDate(0, 0, 7).UnixMilli() - 1

	case monthMinutes:
		start := time.UnixMilli(periodStartMs).UTC()
		return start.AddDate(0, 1, 0).UnixMilli() - 1

	default:
		return periodStartMs + int64(timeframeMinutes)*60_000 - 1
	}
}
