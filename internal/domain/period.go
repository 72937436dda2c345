package domain

import (
	"strings"
	"time"
)

// Interval is the unit of a Period.
type Interval string

// Supported intervals.
const (
	Minutes Interval = "Minutes"
	Hours   Interval = "Hours"
	Days    Interval = "Days"
	Weeks   Interval = "Weeks"
	Months  Interval = "Months"
)

const (
	MinutesPerHour  = 60
	MinutesPerDay   = 24 * MinutesPerHour
	MinutesPerWeek  = 7 * MinutesPerDay
	MinutesPerMonth = 31 * MinutesPerDay
)

// ParseInterval normalizes an interval name. Matching is case-insensitive
// and accepts singular forms. The second result is false for unknown names.
func ParseInterval(s string) (Interval, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute", "minutes":
		return Minutes, true
	case "hour", "hours":
		return Hours, true
	case "day", "days":
		return Days, true
	case "week", "weeks":
		return Weeks, true
	case "month", "months":
		return Months, true
	}
	return "", false
}

// Period is a non-negative quantity of an interval, such as a loan period
// or a grace period. A period whose interval is unknown has no effect.
type Period struct {
	Duration int    `json:"duration"`
	Interval string `json:"intervalId"`
}

// NewPeriod builds a period, clamping negative durations to zero.
func NewPeriod(duration int, interval string) Period {
	if duration < 0 {
		duration = 0
	}
	return Period{Duration: duration, Interval: interval}
}

// Unit returns the normalized interval, or false if it is unknown.
func (p Period) Unit() (Interval, bool) {
	return ParseInterval(p.Interval)
}

func (p Period) quantity() int {
	if p.Duration < 0 {
		return 0
	}
	return p.Duration
}

// ToMinutes converts the period to absolute minutes.
func (p Period) ToMinutes() int {
	unit, ok := p.Unit()
	if !ok {
		return 0
	}

	n := p.quantity()
	switch unit {
	case Minutes:
		return n
	case Hours:
		return n * MinutesPerHour
	case Days:
		return n * MinutesPerDay
	case Weeks:
		return n * MinutesPerWeek
	case Months:
		return n * MinutesPerMonth
	}
	return 0
}

// AddTo applies the period to t. Days, weeks and months use calendar
// arithmetic in t's location.
func (p Period) AddTo(t time.Time) time.Time {
	unit, ok := p.Unit()
	if !ok {
		return t
	}

	n := p.quantity()
	switch unit {
	case Minutes:
		return t.Add(time.Duration(n) * time.Minute)
	case Hours:
		return t.Add(time.Duration(n) * time.Hour)
	case Days:
		return t.AddDate(0, 0, n)
	case Weeks:
		return t.AddDate(0, 0, 7*n)
	case Months:
		return addMonths(t, n)
	}
	return t
}

// addMonths adds calendar months, clamping to the last day of the target
// month instead of overflowing into the next one.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// IsCalendarBased reports whether the period is measured in whole days.
func (p Period) IsCalendarBased() bool {
	unit, ok := p.Unit()
	return ok && (unit == Days || unit == Weeks || unit == Months)
}

// Valid reports whether the interval is known and the duration is positive.
func (p Period) Valid() bool {
	_, ok := p.Unit()
	return ok && p.Duration > 0
}
