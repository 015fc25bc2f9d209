package recur

import (
	"fmt"
	"sort"

	"goalline/internal/dateutil"
)

// Frequency tags stored on recurring actions.
const (
	FreqDaily    = "daily"
	FreqWeekly   = "weekly"
	FreqBiweekly = "biweekly"
	FreqMonthly  = "monthly"
	FreqOnce     = "once"
)

// ValidationError reports a malformed recurrence rule. It is returned when a
// rule is authored and again if a stored rule fails conversion during
// materialization.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

// Window is a closed date range [Start, End].
type Window struct {
	Start dateutil.Date
	End   dateutil.Date
}

func (w Window) Contains(d dateutil.Date) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

// Rule is the evaluated form of an action's recurrence. Each variant carries
// only the fields its frequency needs, so a well-typed Rule cannot be
// malformed the way a raw frequency-plus-weekday-set record can.
type Rule interface {
	expand(w Window) []dateutil.Date
}

// Daily occurs every day.
type Daily struct{}

// Weekly occurs on each listed weekday (Sunday=0).
type Weekly struct {
	Weekdays []int
}

// Biweekly occurs on each listed weekday in alternating weeks. Alternation is
// anchored to the evaluation window start, not to when the action was
// created, so repeated runs over the same window agree with each other.
type Biweekly struct {
	Weekdays []int
}

// Monthly occurs once a month on DayOfMonth, clamped to the month's last day
// when the month is shorter.
type Monthly struct {
	DayOfMonth int
}

// Once occurs on a single explicit date.
type Once struct {
	Date dateutil.Date
}

// Expand returns the ordered, duplicate-free dates the rule produces inside
// the window. It is pure: identical inputs always yield identical output.
func Expand(r Rule, w Window) []dateutil.Date {
	if w.Start.After(w.End) {
		return nil
	}
	return r.expand(w)
}

func (Daily) expand(w Window) []dateutil.Date {
	var out []dateutil.Date
	for d := w.Start; !d.After(w.End); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

func (r Weekly) expand(w Window) []dateutil.Date {
	return expandWeekdays(w, r.Weekdays, func(dateutil.Date) bool { return true })
}

func (r Biweekly) expand(w Window) []dateutil.Date {
	return expandWeekdays(w, r.Weekdays, func(d dateutil.Date) bool {
		return d.WeekIndex(w.Start)%2 == 0
	})
}

func expandWeekdays(w Window, weekdays []int, keep func(dateutil.Date) bool) []dateutil.Date {
	set := map[int]bool{}
	for _, wd := range weekdays {
		set[wd] = true
	}
	var out []dateutil.Date
	for d := w.Start; !d.After(w.End); d = d.AddDays(1) {
		if set[d.Weekday()] && keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func (r Monthly) expand(w Window) []dateutil.Date {
	var out []dateutil.Date
	year, month := w.Start.Year, w.Start.Month
	for {
		day := r.DayOfMonth
		if last := dateutil.DaysInMonth(year, month); day > last {
			day = last
		}
		d := dateutil.New(year, month, day)
		if d.After(w.End) && (year > w.End.Year || (year == w.End.Year && month >= w.End.Month)) {
			break
		}
		if w.Contains(d) {
			out = append(out, d)
		}
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return out
}

func (r Once) expand(w Window) []dateutil.Date {
	if w.Contains(r.Date) {
		return []dateutil.Date{r.Date}
	}
	return nil
}

// FromAction converts a stored frequency tag plus its weekday set and
// optional explicit date into a typed Rule, validating the combination.
func FromAction(frequency string, weekdays []int, onceDate dateutil.Date) (Rule, error) {
	switch frequency {
	case FreqDaily:
		return Daily{}, nil
	case FreqWeekly, FreqBiweekly:
		days, err := normalizeWeekdays(weekdays)
		if err != nil {
			return nil, err
		}
		if len(days) == 0 {
			return nil, ValidationError{Reason: fmt.Sprintf("%s rule requires at least one weekday", frequency)}
		}
		if frequency == FreqWeekly {
			return Weekly{Weekdays: days}, nil
		}
		return Biweekly{Weekdays: days}, nil
	case FreqMonthly:
		if len(weekdays) != 1 {
			return nil, ValidationError{Reason: "monthly rule requires exactly one day-of-month"}
		}
		day := weekdays[0]
		if day < 1 || day > 31 {
			return nil, ValidationError{Reason: fmt.Sprintf("monthly day-of-month %d out of range 1-31", day)}
		}
		return Monthly{DayOfMonth: day}, nil
	case FreqOnce:
		if onceDate.IsZero() {
			return nil, ValidationError{Reason: "once rule requires an explicit date"}
		}
		if len(weekdays) > 0 {
			return nil, ValidationError{Reason: "once rule must not carry weekdays"}
		}
		return Once{Date: onceDate}, nil
	default:
		return nil, ValidationError{Reason: fmt.Sprintf("unknown frequency %q", frequency)}
	}
}

func normalizeWeekdays(weekdays []int) ([]int, error) {
	seen := map[int]bool{}
	var out []int
	for _, wd := range weekdays {
		if wd < 0 || wd > 6 {
			return nil, ValidationError{Reason: fmt.Sprintf("weekday %d out of range 0-6", wd)}
		}
		if seen[wd] {
			continue
		}
		seen[wd] = true
		out = append(out, wd)
	}
	sort.Ints(out)
	return out, nil
}
