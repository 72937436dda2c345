// Package duedate computes loan due dates from loan policies and truncates
// them against fixed due date schedules.
package duedate

import (
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// band is a schedule entry with its boundaries placed in the tenant zone.
type band struct {
	from time.Time
	to   time.Time
	due  time.Time
}

// Schedules is an ordered list of fixed due date bands.
type Schedules struct {
	id    string
	bands []band
}

// NoSchedules is the empty schedule used when a policy names none.
var NoSchedules = &Schedules{}

// NewSchedules reads a stored schedule, interpreting the wall-clock fields
// of every boundary in loc. A nil schedule yields NoSchedules.
func NewSchedules(s *domain.FixedDueDateSchedule, loc *time.Location) *Schedules {
	if s == nil || len(s.Schedules) == 0 {
		return NoSchedules
	}
	if loc == nil {
		loc = time.UTC
	}

	out := &Schedules{id: s.ID, bands: make([]band, 0, len(s.Schedules))}
	for _, b := range s.Schedules {
		out.bands = append(out.bands, band{
			from: inZone(b.From, loc),
			to:   inZone(b.To, loc),
			due:  inZone(b.DueDate, loc),
		})
	}
	return out
}

// inZone keeps t's wall-clock fields and replaces its zone.
func inZone(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// ID returns the schedule id, empty for NoSchedules.
func (s *Schedules) ID() string {
	return s.id
}

// IsEmpty reports whether the schedule has no bands.
func (s *Schedules) IsEmpty() bool {
	return s == nil || len(s.bands) == 0
}

// DueDateFor returns the due value of the first band whose open interval
// contains t.
func (s *Schedules) DueDateFor(t time.Time) (time.Time, bool) {
	if s.IsEmpty() {
		return time.Time{}, false
	}
	for _, b := range s.bands {
		if t.After(b.from) && t.Before(b.to) {
			return b.due, true
		}
	}
	return time.Time{}, false
}

// Truncate limits a rolling due date to the due value of the band containing
// loanDate. With no containing band it returns the result of onNoBand.
func (s *Schedules) Truncate(rolling, loanDate time.Time, onNoBand func() error) (time.Time, error) {
	due, ok := s.DueDateFor(loanDate)
	if !ok {
		if onNoBand == nil {
			return rolling, nil
		}
		return time.Time{}, onNoBand()
	}
	if due.Before(rolling) {
		return due, nil
	}
	return rolling, nil
}

// DueDates lists the band due values moved to the end of their day in UTC.
func (s *Schedules) DueDates() []time.Time {
	if s.IsEmpty() {
		return nil
	}
	out := make([]time.Time, 0, len(s.bands))
	for _, b := range s.bands {
		out = append(out, endOfDay(b.due.UTC()))
	}
	return out
}

// endOfDay moves t to 23:59:59 of its day in t's location.
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
