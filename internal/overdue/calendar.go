package overdue

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// OpeningDaysSource returns the opening days of a service point for every
// calendar day intersecting [from, to].
type OpeningDaysSource interface {
	OpeningDays(ctx context.Context, tenantID, servicePointID string, from, to time.Time) ([]domain.OpeningDay, error)
}

// OpeningDaysDurationMinutes sums the open minutes of the given days. An
// all-day opening counts a full day; otherwise each opening hour counts
// end minus start, skipping hours that lack a boundary or end before they
// start. Closed days count nothing.
func OpeningDaysDurationMinutes(days []domain.OpeningDay) int {
	total := 0
	for _, day := range days {
		total += openMinutes(day)
	}
	return total
}

func openMinutes(day domain.OpeningDay) int {
	if !day.Open {
		return 0
	}
	if day.AllDay {
		return domain.MinutesPerDay
	}

	minutes := 0
	for _, h := range day.OpeningHours {
		if h.StartTime == nil || h.EndTime == nil {
			continue
		}
		if d := h.EndTime.Minutes() - h.StartTime.Minutes(); d > 0 {
			minutes += d
		}
	}
	return minutes
}

// StaticOpeningDays is an in-memory calendar keyed by tenant and service
// point. Dates are "2006-01-02" strings.
type StaticOpeningDays struct {
	mu   sync.RWMutex
	days map[string][]domain.OpeningDay
}

// NewStaticOpeningDays creates an empty calendar.
func NewStaticOpeningDays() *StaticOpeningDays {
	return &StaticOpeningDays{days: make(map[string][]domain.OpeningDay)}
}

func calendarKey(tenantID, servicePointID string) string {
	return tenantID + ":" + servicePointID
}

// Set replaces the opening days of a service point.
func (s *StaticOpeningDays) Set(tenantID, servicePointID string, days []domain.OpeningDay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days[calendarKey(tenantID, servicePointID)] = append([]domain.OpeningDay(nil), days...)
}

// OpeningDays implements OpeningDaysSource.
func (s *StaticOpeningDays) OpeningDays(ctx context.Context, tenantID, servicePointID string, from, to time.Time) ([]domain.OpeningDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	first := from.Format(time.DateOnly)
	last := to.Format(time.DateOnly)

	var out []domain.OpeningDay
	for _, day := range s.days[calendarKey(tenantID, servicePointID)] {
		if day.Date >= first && day.Date <= last {
			out = append(out, day)
		}
	}
	return out, nil
}
