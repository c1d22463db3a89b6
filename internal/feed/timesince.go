package feed

import (
	"math"
	"strconv"
	"time"
)

var ageBuckets = []struct {
	seconds float64
	unit    string
}{
	{31536000, "years"},
	{2592000, "months"},
	{86400, "days"},
	{3600, "hours"},
	{60, "minutes"},
}

// TimeSince renders the age of ts relative to now. A unit is used only once
// more than one whole unit has elapsed, so 60s is "60 seconds ago" and 90s is
// "1 minutes ago". Future timestamps count as zero.
func TimeSince(now time.Time, ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return "unknown time ago"
	}
	seconds := math.Floor(now.Sub(*ts).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	for _, b := range ageBuckets {
		if interval := seconds / b.seconds; interval > 1 {
			return strconv.Itoa(int(math.Floor(interval))) + " " + b.unit + " ago"
		}
	}
	return strconv.Itoa(int(seconds)) + " seconds ago"
}
