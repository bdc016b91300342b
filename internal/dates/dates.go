// Package dates does whole-day calendar math over ISO date strings.
// Dates are YYYY-MM-DD with no time zone component; all arithmetic is
// done in UTC so a day is always a day.
package dates

import (
	"fmt"
	"time"
)

const Layout = "2006-01-02"

// Parse validates an ISO date string.
func Parse(s string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// MustParse is for callers that already validated the string.
func MustParse(s string) time.Time {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Valid reports whether s is a well-formed ISO date.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// AddDays shifts an ISO date by n calendar days (n may be negative).
func AddDays(s string, n int) string {
	return MustParse(s).AddDate(0, 0, n).Format(Layout)
}

// DaysBetween returns the signed number of days from a to b.
// DaysBetween("2025-02-01", "2025-02-28") == 27.
func DaysBetween(a, b string) int {
	return int(MustParse(b).Sub(MustParse(a)).Hours() / 24)
}

// SpanDays returns the inclusive day count of [a, b]: a single-day
// range spans 1.
func SpanDays(a, b string) int {
	return DaysBetween(a, b) + 1
}

// Before reports a < b, After reports a > b.
func Before(a, b string) bool { return MustParse(a).Before(MustParse(b)) }
func After(a, b string) bool  { return MustParse(a).After(MustParse(b)) }

// Overlaps reports whether closed ranges [aStart,aEnd] and
// [bStart,bEnd] share at least one day. Ranges that touch end-to-end on
// adjacent days do not overlap; ranges sharing a day do.
func Overlaps(aStart, aEnd, bStart, bEnd string) bool {
	return !After(aStart, bEnd) && !After(bStart, aEnd)
}
