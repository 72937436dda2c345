package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time within a day, in minutes after midnight.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidInput, s)
}

// Minutes returns minutes after midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// OpeningHour is one open interval of a day. Either boundary may be missing.
type OpeningHour struct {
	StartTime *TimeOfDay `json:"startTime"`
	EndTime   *TimeOfDay `json:"endTime"`
}

// OpeningDay is a service point's schedule for a single date, as returned
// by the calendar service.
type OpeningDay struct {
	Date         string        `json:"date"`
	OpeningHours []OpeningHour `json:"openingHour"`
	AllDay       bool          `json:"allDay"`
	Open         bool          `json:"open"`
}
