package dateutil

import "testing"

func mustParse(t *testing.T, s string) Date {
	t.Helper()
	d, err := Parse(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func TestParseFormatRoundTrip(t *testing.T) {
	d := mustParse(t, "2025-12-25")
	if d.String() != "2025-12-25" {
		t.Fatalf("round trip got %s", d)
	}
	if _, err := Parse("2025-13-40"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAddDaysAcrossMonthAndYear(t *testing.T) {
	d := mustParse(t, "2024-12-30")
	if got := d.AddDays(3).String(); got != "2025-01-02" {
		t.Fatalf("year boundary got %s", got)
	}
	if got := d.AddDays(-30).String(); got != "2024-11-30" {
		t.Fatalf("backwards got %s", got)
	}
}

func TestWeekdaySundayZero(t *testing.T) {
	// 2025-01-05 is a Sunday
	if wd := mustParse(t, "2025-01-05").Weekday(); wd != 0 {
		t.Fatalf("sunday weekday %d", wd)
	}
	if wd := mustParse(t, "2025-01-06").Weekday(); wd != 1 {
		t.Fatalf("monday weekday %d", wd)
	}
}

func TestWeekIndex(t *testing.T) {
	anchor := mustParse(t, "2025-01-06") // Monday
	cases := []struct {
		date string
		want int
	}{
		{"2025-01-06", 0},
		{"2025-01-11", 0}, // Saturday of the same week
		{"2025-01-12", 1}, // next Sunday starts week 1
		{"2025-01-20", 2},
		{"2025-01-05", 0},  // Sunday the anchor week starts on
		{"2025-01-04", -1}, // day before the anchor week
	}
	for _, c := range cases {
		d := mustParse(t, c.date)
		if got := d.WeekIndex(anchor); got != c.want {
			t.Fatalf("week index of %s from %s = %d, want %d", c.date, anchor, got, c.want)
		}
	}
}

func TestDaysInMonth(t *testing.T) {
	if n := DaysInMonth(2025, 2); n != 28 {
		t.Fatalf("feb 2025 = %d", n)
	}
	if n := DaysInMonth(2024, 2); n != 29 {
		t.Fatalf("feb 2024 = %d", n)
	}
	if n := DaysInMonth(2025, 12); n != 31 {
		t.Fatalf("dec 2025 = %d", n)
	}
}

func TestCompare(t *testing.T) {
	a := mustParse(t, "2025-06-01")
	b := mustParse(t, "2025-06-02")
	if !a.Before(b) || b.Before(a) || !b.After(a) {
		t.Fatalf("ordering broken")
	}
	if a.Compare(a) != 0 || !a.Equal(a) {
		t.Fatalf("equality broken")
	}
	if b.DaysSince(a) != 1 || a.DaysSince(b) != -1 {
		t.Fatalf("days since broken")
	}
}
