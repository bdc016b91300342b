package dates

import "testing"

func TestAddDays(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"2025-02-10", 5, "2025-02-15"},
		{"2025-02-10", -1, "2025-02-09"},
		{"2025-02-28", 1, "2025-03-01"},
		{"2024-02-28", 1, "2024-02-29"}, // leap year
		{"2025-12-31", 1, "2026-01-01"},
	}
	for _, c := range cases {
		if got := AddDays(c.in, c.n); got != c.want {
			t.Errorf("AddDays(%s, %d) = %s, want %s", c.in, c.n, got, c.want)
		}
	}
}

func TestDaysBetween(t *testing.T) {
	if got := DaysBetween("2025-02-01", "2025-02-28"); got != 27 {
		t.Fatalf("DaysBetween = %d, want 27", got)
	}
	if got := DaysBetween("2025-02-28", "2025-02-01"); got != -27 {
		t.Fatalf("reverse DaysBetween = %d, want -27", got)
	}
	if got := SpanDays("2025-02-01", "2025-02-28"); got != 28 {
		t.Fatalf("SpanDays = %d, want 28", got)
	}
	if got := SpanDays("2025-02-01", "2025-02-01"); got != 1 {
		t.Fatalf("single-day SpanDays = %d, want 1", got)
	}
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name           string
		as, ae, bs, be string
		want           bool
	}{
		{"disjoint", "2025-02-01", "2025-02-05", "2025-02-10", "2025-02-15", false},
		{"adjacent days touch", "2025-02-01", "2025-02-05", "2025-02-06", "2025-02-10", false},
		{"shared day", "2025-02-01", "2025-02-05", "2025-02-05", "2025-02-10", true},
		{"contained", "2025-02-01", "2025-02-28", "2025-02-10", "2025-02-12", true},
		{"partial", "2025-02-05", "2025-02-10", "2025-02-08", "2025-02-15", true},
	}
	for _, c := range cases {
		if got := Overlaps(c.as, c.ae, c.bs, c.be); got != c.want {
			t.Errorf("%s: Overlaps = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "2025-2-1", "2025-13-01", "20250201", "not-a-date"} {
		if Valid(s) {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
	if !Valid("2025-02-01") {
		t.Errorf("Valid rejected a well-formed date")
	}
}
