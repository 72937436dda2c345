package domain

import "time"

// ScheduleBand is one entry of a fixed due date schedule. Its timestamps are
// read as wall-clock values in the tenant time zone.
type ScheduleBand struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	DueDate time.Time `json:"due"`
}

// FixedDueDateSchedule is an ordered list of bands.
type FixedDueDateSchedule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schedules   []ScheduleBand `json:"schedules"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
