package usage

import "time"

// PeriodUsage is the request total of one subscription over [Start, End).
type PeriodUsage struct {
	SubscriptionID string
	Start          time.Time
	End            time.Time
	Requests       int64
}

// Days returns the number of whole UTC days in the period, at least 1.
func (p PeriodUsage) Days() int {
	days := int(Day(p.End).Sub(Day(p.Start)).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

// Summary is a rolled-up view of a subscription's usage over a period.
type Summary struct {
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	RequestCount   int64
	ErrorCount     int64
	AvgLatencyMs   float64
	StatusCounts   map[int]int64
}

// Total sums the request counts of records whose day falls in [start, end).
// This is a PURE function.
func Total(subscriptionID string, records []Record, start, end time.Time) PeriodUsage {
	p := PeriodUsage{SubscriptionID: subscriptionID, Start: start, End: end}
	for _, r := range records {
		if r.SubscriptionID != subscriptionID || !inPeriod(r.Day, start, end) {
			continue
		}
		p.Requests += r.RequestCount
	}
	return p
}

// Summarize rolls records into a Summary for [start, end). Latency is
// weighted by each record's request count.
// This is a PURE function.
func Summarize(subscriptionID string, records []Record, start, end time.Time) Summary {
	s := Summary{
		SubscriptionID: subscriptionID,
		PeriodStart:    start,
		PeriodEnd:      end,
		StatusCounts:   map[int]int64{},
	}

	var weighted float64
	for _, r := range records {
		if r.SubscriptionID != subscriptionID || !inPeriod(r.Day, start, end) {
			continue
		}
		s.RequestCount += r.RequestCount
		s.ErrorCount += r.ErrorCount()
		weighted += r.AvgLatencyMs * float64(r.RequestCount)
		for code, c := range r.StatusCounts {
			s.StatusCounts[code] += c
		}
	}

	if s.RequestCount > 0 {
		s.AvgLatencyMs = weighted / float64(s.RequestCount)
	}
	return s
}

// MonthBounds returns the UTC calendar month containing t as [start, end).
// This is a PURE function.
func MonthBounds(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return
}

// MonthToDate returns the period from the start of t's UTC month through the
// end of t's day, as [start, end).
// This is a PURE function.
func MonthToDate(t time.Time) (start, end time.Time) {
	start, _ = MonthBounds(t)
	end = Day(t).AddDate(0, 0, 1)
	return
}

func inPeriod(day, start, end time.Time) bool {
	return !day.Before(start) && day.Before(end)
}
