package internal

import "time"

// CurrentTimestamp is *the* way to get a current timestamps in jobq and
// time.Now() should be avoided.
//
// Timestamps are rounded to the nearest millisecond so that they survive
// persistence without losing precision, and are in UTC so that testify's
// DeepEqual based assertions compare them reliably.
func CurrentTimestamp() time.Time {
	return time.Now().Round(time.Millisecond).UTC()
}
