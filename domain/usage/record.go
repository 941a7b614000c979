// Package usage provides usage record types and pure folding functions.
// All functions are pure - no side effects.
package usage

import (
	"strconv"
	"time"
)

// DayLayout is the storage and wire format of a usage day.
const DayLayout = "2006-01-02"

// Key identifies one usage bucket: a subscription calling an API on a UTC day.
type Key struct {
	SubscriptionID string
	APIID          string
	Day            time.Time
}

// NewKey builds the bucket key for a request observed at the given time.
func NewKey(subscriptionID, apiID string, at time.Time) Key {
	return Key{SubscriptionID: subscriptionID, APIID: apiID, Day: Day(at)}
}

// DayString returns the bucket day formatted as YYYY-MM-DD.
func (k Key) DayString() string {
	return k.Day.Format(DayLayout)
}

// Day truncates t to the start of its UTC calendar day.
// This is a PURE function.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Record aggregates every request observed for one Key (value type).
type Record struct {
	Key
	RequestCount int64
	StatusCounts map[int]int64
	AvgLatencyMs float64
	UpdatedAt    time.Time
}

// ErrorCount returns the number of requests answered with a 4xx or 5xx status.
func (r Record) ErrorCount() int64 {
	var n int64
	for code, c := range r.StatusCounts {
		if code >= 400 {
			n += c
		}
	}
	return n
}

// FoldLatency returns the stored latency average after one more sample.
// The first sample is taken as-is; each later sample is averaged with the
// running value, (avg + sample) / 2. Stored averages depend on this fold.
// This is a PURE function.
func FoldLatency(avg float64, count int64, sample float64) float64 {
	if count == 0 {
		return sample
	}
	return (avg + sample) / 2
}

// ValidStatusCode reports whether code is a plausible HTTP status.
func ValidStatusCode(code int) bool {
	return code >= 100 && code <= 599
}

// StatusKey returns the map key used to persist a status code bucket.
func StatusKey(code int) string {
	return strconv.Itoa(code)
}
