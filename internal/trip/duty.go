package trip

import (
	"fmt"
	"time"
)

// DutySchedule is a daily [Start, End) window in a fixed time zone. A
// window with Start after End runs overnight.
type DutySchedule struct {
	Start time.Duration
	End   time.Duration
	Loc   *time.Location
}

// ParseDutySchedule reads "15:04" bounds. Both empty means no schedule.
func ParseDutySchedule(start, end, tz string) (*DutySchedule, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("duty schedule needs both start and end")
	}
	s, err := clockOffset(start)
	if err != nil {
		return nil, fmt.Errorf("duty start: %w", err)
	}
	e, err := clockOffset(end)
	if err != nil {
		return nil, fmt.Errorf("duty end: %w", err)
	}
	loc := time.Local
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("duty timezone: %w", err)
		}
	}
	return &DutySchedule{Start: s, End: e, Loc: loc}, nil
}

func clockOffset(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// OnDuty reports whether t falls inside the window. Equal bounds mean a
// round-the-clock shift.
func (d *DutySchedule) OnDuty(t time.Time) bool {
	if d == nil || d.Start == d.End {
		return true
	}
	loc := d.Loc
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if d.Start < d.End {
		return tod >= d.Start && tod < d.End
	}
	return tod >= d.Start || tod < d.End
}

// Ended is true when a schedule exists and t is outside it.
func (d *DutySchedule) Ended(t time.Time) bool {
	return d != nil && !d.OnDuty(t)
}
