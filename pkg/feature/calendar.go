package feature

import "time"

// CalendarFields are the calendar-derived columns of one row. They are pure
// functions of the row's timestamp and independent of row ordering.
type CalendarFields struct {
	HourOfDay  int  // 0..23
	DayOfWeek  int  // Sunday=0 .. Saturday=6
	Month      int  // 1..12
	IsWeekend  bool // Saturday or Sunday
	IsPeakHour bool // local hour in [7, 22]
}

// Calendar derives calendar fields from a timestamp, evaluated in loc.
// Pass time.UTC when the stored grid is the grid of interest.
func Calendar(t time.Time, loc *time.Location) CalendarFields {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	wd := int(lt.Weekday())
	h := lt.Hour()
	return CalendarFields{
		HourOfDay:  h,
		DayOfWeek:  wd,
		Month:      int(lt.Month()),
		IsWeekend:  wd == 0 || wd == 6,
		IsPeakHour: h >= 7 && h <= 22,
	}
}
