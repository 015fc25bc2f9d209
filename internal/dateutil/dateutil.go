package dateutil

import (
	"fmt"
	"time"
)

// Date is a calendar day with no time-of-day and no timezone. All engine
// arithmetic happens on this representation; time.Time is only used
// transiently, pinned to UTC, so a date never shifts across offsets.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

const layout = "2006-01-02"

// New returns a normalized Date (out-of-range day/month values roll over the
// way time.Date rolls them).
func New(year, month, day int) Date {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// Parse reads an ISO YYYY-MM-DD string.
func Parse(s string) (Date, error) {
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}, nil
}

// FromTime truncates an instant to its UTC calendar day.
func FromTime(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: int(u.Month()), Day: u.Day()}
}

func (d Date) String() string {
	return d.toTime().Format(layout)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) toTime() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date {
	return FromTime(d.toTime().AddDate(0, 0, n))
}

// Weekday returns the day of week, Sunday=0 .. Saturday=6.
func (d Date) Weekday() int {
	return int(d.toTime().Weekday())
}

// Compare returns -1, 0 or 1 like strings.Compare.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(d.Month - o.Month)
	case d.Day != o.Day:
		return sign(d.Day - o.Day)
	}
	return 0
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }
func (d Date) Equal(o Date) bool  { return d == o }

// DaysSince returns the signed number of days from o to d.
func (d Date) DaysSince(o Date) int {
	return int(d.toTime().Sub(o.toTime()).Hours() / 24)
}

// WeekIndex returns the zero-based index of the week containing d, counted
// from the week containing anchor. Weeks start on Sunday, so week 0 is the
// (possibly partial) week the anchor falls in.
func (d Date) WeekIndex(anchor Date) int {
	weekStart := anchor.AddDays(-anchor.Weekday())
	days := d.DaysSince(weekStart)
	if days < 0 {
		// round toward negative infinity so the week before the anchor is -1
		return (days - 6) / 7
	}
	return days / 7
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year, month int) int {
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}
