package overdue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func hour(h, m int) *domain.TimeOfDay {
	return &domain.TimeOfDay{Hour: h, Minute: m}
}

// regularDay is open ten hours across two intervals.
func regularDay(date string) domain.OpeningDay {
	return domain.OpeningDay{
		Date: date,
		Open: true,
		OpeningHours: []domain.OpeningHour{
			{StartTime: hour(8, 0), EndTime: hour(12, 0)},
			{StartTime: hour(13, 0), EndTime: hour(19, 0)},
		},
	}
}

func allDay(date string) domain.OpeningDay {
	return domain.OpeningDay{
		Date:         date,
		Open:         true,
		AllDay:       true,
		OpeningHours: []domain.OpeningHour{{StartTime: hour(0, 0), EndTime: hour(23, 59)}},
	}
}

func TestPreconditionsAreMet(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name        string
		due         *time.Time
		countClosed *bool
		want        bool
	}{
		{"NoDueDate", nil, boolPtr(true), false},
		{"DueInFuture", &future, boolPtr(true), false},
		{"DueNow", &now, boolPtr(true), false},
		{"CountClosedNil", &past, nil, false},
		{"AllMet", &past, boolPtr(true), true},
		{"AllMetCountClosedFalse", &past, boolPtr(false), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan := domain.Loan{ID: "loan-1", DueDate: tt.due}
			if got := PreconditionsAreMet(loan, now, tt.countClosed); got != tt.want {
				t.Errorf("PreconditionsAreMet = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverdueMinutesCountingClosedDays(t *testing.T) {
	calc := NewCalculator(nil, nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	expected := domain.MinutesPerWeek + domain.MinutesPerDay + domain.MinutesPerHour + 1

	loan := domain.Loan{ID: "loan-1"}.WithDueDate(now.Add(-time.Duration(expected) * time.Minute))
	policy := &domain.OverdueFinePolicy{ID: "op-1", CountClosed: boolPtr(true)}

	got, ok, err := calc.OverdueMinutes(context.Background(), "tenant-001", loan, now, &domain.LoanPolicy{}, policy)
	if err != nil {
		t.Fatalf("OverdueMinutes failed: %v", err)
	}
	if !ok {
		t.Fatal("expected preconditions to be met")
	}
	if got != expected {
		t.Errorf("minutes = %d, want %d", got, expected)
	}
}

func TestOverdueMinutesNotApplicable(t *testing.T) {
	calc := NewCalculator(nil, nil)
	now := time.Now()
	loan := domain.Loan{ID: "loan-1"}.WithDueDate(now.Add(-time.Hour))

	_, ok, err := calc.OverdueMinutes(context.Background(), "tenant-001", loan, now, nil, &domain.OverdueFinePolicy{})
	if err != nil || ok {
		t.Errorf("expected not applicable without error, got ok=%v err=%v", ok, err)
	}

	_, ok, err = calc.OverdueMinutes(context.Background(), "tenant-001", loan, now, nil, nil)
	if err != nil || ok {
		t.Errorf("missing fine policy should be not applicable, got ok=%v err=%v", ok, err)
	}
}

func TestOverdueMinutesExcludingClosedDays(t *testing.T) {
	calendar := NewStaticOpeningDays()
	calendar.Set("tenant-001", "sp-main", []domain.OpeningDay{
		regularDay("2026-03-07"),
		regularDay("2026-03-08"),
		{Date: "2026-03-09", Open: false},
		allDay("2026-03-10"),
		regularDay("2026-03-11"),
	})
	calc := NewCalculator(calendar, nil)

	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	loan := domain.Loan{ID: "loan-1", CheckoutServicePointID: "sp-main"}.
		WithDueDate(time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC))
	policy := &domain.OverdueFinePolicy{CountClosed: boolPtr(false)}

	got, ok, err := calc.OverdueMinutes(context.Background(), "tenant-001", loan, now, nil, policy)
	if err != nil || !ok {
		t.Fatalf("unexpected result ok=%v err=%v", ok, err)
	}
	if want := 600 + 0 + domain.MinutesPerDay; got != want {
		t.Errorf("minutes = %d, want %d", got, want)
	}
}

type recordingCalendar struct {
	from, to time.Time
}

func (c *recordingCalendar) OpeningDays(ctx context.Context, tenantID, servicePointID string, from, to time.Time) ([]domain.OpeningDay, error) {
	c.from, c.to = from, to
	return nil, nil
}

func TestOverdueMinutesUsesCirculationZone(t *testing.T) {
	eastern := time.FixedZone("EST", -5*60*60)
	policy := &domain.OverdueFinePolicy{CountClosed: boolPtr(false)}

	// 02:30 UTC on the 2nd is still the evening of the 1st in EST.
	due := time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)
	now := time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)
	loan := domain.Loan{ID: "loan-1", CheckoutServicePointID: "sp-main"}.WithDueDate(due)

	tests := []struct {
		name     string
		loc      *time.Location
		from, to string
	}{
		{"UTC", nil, "2026-03-02", "2026-03-04"},
		{"Eastern", eastern, "2026-03-01", "2026-03-03"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calendar := &recordingCalendar{}
			if _, _, err := NewCalculator(calendar, tt.loc).OverdueMinutes(context.Background(), "t", loan, now, nil, policy); err != nil {
				t.Fatalf("OverdueMinutes failed: %v", err)
			}
			if got := calendar.from.Format(time.DateOnly); got != tt.from {
				t.Errorf("from = %s, want %s", got, tt.from)
			}
			if got := calendar.to.Format(time.DateOnly); got != tt.to {
				t.Errorf("to = %s, want %s", got, tt.to)
			}
		})
	}

	t.Run("StaticCalendarKeepsLocalDueDay", func(t *testing.T) {
		calendar := NewStaticOpeningDays()
		calendar.Set("t", "sp-main", []domain.OpeningDay{allDay("2026-03-01")})
		got, _, err := NewCalculator(calendar, eastern).OverdueMinutes(context.Background(), "t", loan, now, nil, policy)
		if err != nil || got != domain.MinutesPerDay {
			t.Errorf("minutes = %d, %v, want %d", got, err, domain.MinutesPerDay)
		}
	})
}

type failingCalendar struct{}

func (failingCalendar) OpeningDays(ctx context.Context, tenantID, servicePointID string, from, to time.Time) ([]domain.OpeningDay, error) {
	return nil, errors.New("calendar unavailable")
}

func TestOverdueMinutesCalendarErrors(t *testing.T) {
	now := time.Now()
	loan := domain.Loan{ID: "loan-1"}.WithDueDate(now.Add(-time.Hour))
	policy := &domain.OverdueFinePolicy{CountClosed: boolPtr(false)}

	if _, _, err := NewCalculator(failingCalendar{}, nil).OverdueMinutes(context.Background(), "t", loan, now, nil, policy); err == nil {
		t.Error("expected calendar error")
	}
	if _, _, err := NewCalculator(nil, nil).OverdueMinutes(context.Background(), "t", loan, now, nil, policy); domain.StatusCode(err) != 500 {
		t.Errorf("expected server error without a calendar, got %v", err)
	}
}

func TestOpeningDaysDurationMinutes(t *testing.T) {
	tests := []struct {
		name string
		days []domain.OpeningDay
		want int
	}{
		{"None", nil, 0},
		{"Regular", []domain.OpeningDay{regularDay("d1"), regularDay("d2"), regularDay("d3")}, 1800},
		{"AllDay", []domain.OpeningDay{allDay("d1"), allDay("d2"), allDay("d3")}, 4320},
		{"Mixed", []domain.OpeningDay{regularDay("d1"), allDay("d2"), regularDay("d3")}, 2640},
		{"Invalid", []domain.OpeningDay{
			{Open: true, OpeningHours: []domain.OpeningHour{{}}},
			{Open: true, OpeningHours: []domain.OpeningHour{{StartTime: hour(12, 0), EndTime: hour(11, 0)}}},
		}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OpeningDaysDurationMinutes(tt.days); got != tt.want {
				t.Errorf("minutes = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAdjustForGracePeriod(t *testing.T) {
	units := []struct {
		overdue int
		unit    string
		shorter int
		longer  int
	}{
		{10, "Minutes", 5, 12},
		{255, "Hours", 4, 5},
		{4350, "Days", 3, 4},
		{20200, "Weeks", 2, 3},
		{44700, "Months", 1, 2},
	}

	flags := []struct {
		ignore *bool
		recall bool
	}{
		{nil, false}, {nil, true},
		{boolPtr(false), false}, {boolPtr(true), false},
		{boolPtr(false), true}, {boolPtr(true), true},
	}

	for _, u := range units {
		for _, f := range flags {
			ignore := "nil"
			if f.ignore != nil {
				ignore = fmt.Sprint(*f.ignore)
			}

			loan := domain.Loan{ID: "loan-1", DueDateChangedByRecall: f.recall}
			finePolicy := &domain.OverdueFinePolicy{GracePeriodRecall: f.ignore}

			t.Run(fmt.Sprintf("%s/shorter/ignore=%s/recall=%v", u.unit, ignore, f.recall), func(t *testing.T) {
				loanPolicy := &domain.LoanPolicy{GracePeriod: &domain.Period{Duration: u.shorter, Interval: u.unit}}
				if got := AdjustForGracePeriod(loan, loanPolicy, finePolicy, u.overdue); got != u.overdue {
					t.Errorf("got %d, want %d", got, u.overdue)
				}
			})

			t.Run(fmt.Sprintf("%s/longer/ignore=%s/recall=%v", u.unit, ignore, f.recall), func(t *testing.T) {
				loanPolicy := &domain.LoanPolicy{GracePeriod: &domain.Period{Duration: u.longer, Interval: u.unit}}
				want := 0
				if f.recall && f.ignore != nil && *f.ignore {
					want = u.overdue
				}
				if got := AdjustForGracePeriod(loan, loanPolicy, finePolicy, u.overdue); got != want {
					t.Errorf("got %d, want %d", got, want)
				}
			})
		}
	}

	t.Run("UnknownInterval", func(t *testing.T) {
		loanPolicy := &domain.LoanPolicy{GracePeriod: &domain.Period{Duration: 9, Interval: "Unknown interval"}}
		finePolicy := &domain.OverdueFinePolicy{GracePeriodRecall: boolPtr(false)}
		if got := AdjustForGracePeriod(domain.Loan{}, loanPolicy, finePolicy, 11); got != 11 {
			t.Errorf("got %d, want 11", got)
		}
	})

	t.Run("NoGracePeriod", func(t *testing.T) {
		if got := AdjustForGracePeriod(domain.Loan{}, nil, nil, 7); got != 7 {
			t.Errorf("got %d, want 7", got)
		}
	})
}

func TestStaticOpeningDaysRange(t *testing.T) {
	calendar := NewStaticOpeningDays()
	calendar.Set("tenant-001", "sp-main", []domain.OpeningDay{
		regularDay("2026-03-01"), regularDay("2026-03-02"), regularDay("2026-03-03"),
	})

	days, _ := calendar.OpeningDays(context.Background(), "tenant-001", "sp-main",
		time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC))
	if len(days) != 2 {
		t.Errorf("expected 2 days, got %d", len(days))
	}

	other, _ := calendar.OpeningDays(context.Background(), "tenant-002", "sp-main",
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC))
	if len(other) != 0 {
		t.Errorf("tenants must not share calendars, got %d days", len(other))
	}
}
