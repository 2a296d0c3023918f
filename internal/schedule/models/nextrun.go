package models

import (
	"fmt"
	"time"

	dErrors "activitylog/pkg/domain-errors"
)

// Schedule is the recurrence rule of a report. Times are UTC.
type Schedule struct {
	Type      ScheduleType
	TimeOfDay string
	// Day is 0=Monday through 6=Sunday and only used for WEEKLY.
	Day *int
}

// Validate checks the type, the HH:MM time and the weekday rule.
func (s Schedule) Validate() error {
	if !s.Type.IsValid() {
		return fmt.Errorf("schedule_type must be DAILY or WEEKLY")
	}
	if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
		return err
	}
	switch s.Type {
	case Weekly:
		if s.Day == nil {
			return fmt.Errorf("schedule_day is required for WEEKLY reports")
		}
		if *s.Day < 0 || *s.Day > 6 {
			return fmt.Errorf("schedule_day must be between 0 (Monday) and 6 (Sunday)")
		}
	case Daily:
		if s.Day != nil {
			return fmt.Errorf("schedule_day is only allowed for WEEKLY reports")
		}
	}
	return nil
}

// NextRun returns the first slot strictly after now.
func NextRun(s Schedule, now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeSchedulingMisconfig, err.Error())
	}
	hour, minute, _ := parseTimeOfDay(s.TimeOfDay)
	now = now.UTC()
	slot := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)

	if s.Type == Daily {
		if !slot.After(now) {
			slot = slot.AddDate(0, 0, 1)
		}
		return slot, nil
	}

	target := time.Weekday((*s.Day + 1) % 7)
	slot = slot.AddDate(0, 0, (int(target)-int(now.Weekday())+7)%7)
	if !slot.After(now) {
		slot = slot.AddDate(0, 0, 7)
	}
	return slot, nil
}

// Period is the window a run reports on: one day or one week ending now.
func (s Schedule) Period(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	if s.Type == Weekly {
		return now.AddDate(0, 0, -7), now
	}
	return now.AddDate(0, 0, -1), now
}

// DescribePeriod renders the human-readable period line used in report mail.
func (s Schedule) DescribePeriod(now time.Time) string {
	from, to := s.Period(now)
	label := "Daily"
	if s.Type == Weekly {
		label = "Weekly"
	}
	const layout = "2006-01-02 15:04"
	return fmt.Sprintf("%s report for %s to %s UTC", label, from.Format(layout), to.Format(layout))
}

func parseTimeOfDay(v string) (int, int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil || len(v) != 5 {
		return 0, 0, fmt.Errorf("time_of_day must be HH:MM in 24-hour UTC")
	}
	return t.Hour(), t.Minute(), nil
}
