package recur

import (
	"testing"

	"goalline/internal/dateutil"
)

func date(t *testing.T, s string) dateutil.Date {
	t.Helper()
	d, err := dateutil.Parse(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func window(t *testing.T, start, end string) Window {
	t.Helper()
	return Window{Start: date(t, start), End: date(t, end)}
}

func TestDailySevenDays(t *testing.T) {
	w := window(t, "2025-03-03", "2025-03-09")
	got := Expand(Daily{}, w)
	if len(got) != 7 {
		t.Fatalf("expected 7 dates, got %d", len(got))
	}
	for i, d := range got {
		if want := w.Start.AddDays(i); !d.Equal(want) {
			t.Fatalf("date %d = %s, want %s", i, d, want)
		}
	}
}

func TestWeeklyMonWedFriOverTwoWeeks(t *testing.T) {
	// 2025-01-06 is a Monday; 14-day window covers two full weeks.
	w := window(t, "2025-01-06", "2025-01-19")
	got := Expand(Weekly{Weekdays: []int{1, 3, 5}}, w)
	if len(got) != 6 {
		t.Fatalf("expected 6 dates, got %d: %v", len(got), got)
	}
	seen := map[string]bool{}
	for _, d := range got {
		if seen[d.String()] {
			t.Fatalf("duplicate date %s", d)
		}
		seen[d.String()] = true
		if wd := d.Weekday(); wd != 1 && wd != 3 && wd != 5 {
			t.Fatalf("unexpected weekday %d for %s", wd, d)
		}
	}
}

func TestBiweeklyAlternatesFromWindowStart(t *testing.T) {
	// Four full weeks starting on a Monday. Weeks 0 and 2 are kept.
	w := window(t, "2025-01-06", "2025-02-02")
	got := Expand(Biweekly{Weekdays: []int{1}}, w)
	want := []string{"2025-01-06", "2025-01-20"}
	if len(got) != len(want) {
		t.Fatalf("expected %d dates, got %d: %v", len(want), len(got), got)
	}
	for i, d := range got {
		if d.String() != want[i] {
			t.Fatalf("date %d = %s, want %s", i, d, want[i])
		}
	}
}

func TestBiweeklyDeterministicAcrossRuns(t *testing.T) {
	w := window(t, "2025-01-08", "2025-02-11")
	rule := Biweekly{Weekdays: []int{2, 4}}
	first := Expand(rule, w)
	second := Expand(rule, w)
	if len(first) != len(second) {
		t.Fatalf("runs disagree: %v vs %v", first, second)
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("runs disagree at %d: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestMonthlyClampsFebruary(t *testing.T) {
	w := window(t, "2025-01-15", "2025-03-15")
	got := Expand(Monthly{DayOfMonth: 31}, w)
	want := []string{"2025-01-31", "2025-02-28"}
	if len(got) != len(want) {
		t.Fatalf("expected %d dates, got %d: %v", len(want), len(got), got)
	}
	for i, d := range got {
		if d.String() != want[i] {
			t.Fatalf("date %d = %s, want %s", i, d, want[i])
		}
	}
}

func TestMonthlyLeapFebruary(t *testing.T) {
	w := window(t, "2024-02-01", "2024-02-29")
	got := Expand(Monthly{DayOfMonth: 30}, w)
	if len(got) != 1 || got[0].String() != "2024-02-29" {
		t.Fatalf("expected clamp to 2024-02-29, got %v", got)
	}
}

func TestOnceInsideAndOutsideWindow(t *testing.T) {
	rule := Once{Date: date(t, "2025-12-25")}
	in := Expand(rule, window(t, "2025-12-01", "2025-12-31"))
	if len(in) != 1 || in[0].String() != "2025-12-25" {
		t.Fatalf("expected single occurrence, got %v", in)
	}
	out := Expand(rule, window(t, "2026-01-01", "2026-01-31"))
	if len(out) != 0 {
		t.Fatalf("expected empty outside window, got %v", out)
	}
}

func TestExpandEmptyForInvertedWindow(t *testing.T) {
	got := Expand(Daily{}, window(t, "2025-05-10", "2025-05-01"))
	if len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestFromActionValidation(t *testing.T) {
	cases := []struct {
		name      string
		frequency string
		weekdays  []int
		once      string
		wantErr   bool
	}{
		{"daily ignores weekdays", FreqDaily, []int{0, 6}, "", false},
		{"weekly needs weekdays", FreqWeekly, nil, "", true},
		{"weekly out of range", FreqWeekly, []int{7}, "", true},
		{"weekly ok", FreqWeekly, []int{1, 3, 5}, "", false},
		{"biweekly needs weekdays", FreqBiweekly, []int{}, "", true},
		{"monthly needs one day", FreqMonthly, []int{5, 10}, "", true},
		{"monthly zero day", FreqMonthly, []int{0}, "", true},
		{"monthly ok", FreqMonthly, []int{31}, "", false},
		{"once needs date", FreqOnce, nil, "", true},
		{"once rejects weekdays", FreqOnce, []int{1}, "2025-12-25", true},
		{"once ok", FreqOnce, nil, "2025-12-25", false},
		{"unknown frequency", "hourly", nil, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var once dateutil.Date
			if c.once != "" {
				once = date(t, c.once)
			}
			_, err := FromAction(c.frequency, c.weekdays, once)
			if c.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestWeekdayDeduplication(t *testing.T) {
	rule, err := FromAction(FreqWeekly, []int{5, 1, 5, 1}, dateutil.Date{})
	if err != nil {
		t.Fatalf("from action: %v", err)
	}
	weekly, ok := rule.(Weekly)
	if !ok {
		t.Fatalf("expected Weekly, got %T", rule)
	}
	if len(weekly.Weekdays) != 2 || weekly.Weekdays[0] != 1 || weekly.Weekdays[1] != 5 {
		t.Fatalf("expected sorted deduplicated weekdays, got %v", weekly.Weekdays)
	}
}
