package utils

import "time"

// DurationMinutes converts a pair of timestamps into minute duration.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}

// Age renders how long ago start was relative to now, rounded to seconds.
// A start in the future renders as zero.
func Age(start, now time.Time) string {
	if !now.After(start) {
		return "0s"
	}
	return now.Sub(start).Round(time.Second).String()
}
