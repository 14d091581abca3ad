package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var (
	numericDate = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{2,4})$`)
	isoDate     = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	dayMonth    = regexp.MustCompile(`^(\d{1,2})\s+([A-Za-z]{3,9})\.?,?\s+(\d{2,4})$`)
	monthDay    = regexp.MustCompile(`^([A-Za-z]{3,9})\.?\s+(\d{1,2}),?\s+(\d{2,4})$`)

	months = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March,
		"apr": time.April, "may": time.May, "jun": time.June,
		"jul": time.July, "aug": time.August, "sep": time.September,
		"oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// ParseDate parses the printed date formats found on invoices. Numeric
// dates are read month first unless the first field cannot be a month.
// Two-digit years pivot at 50.
//
// Only the shapes above are accepted. Bare digit runs such as invoice
// numbers are never read as timestamps.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var layout string
	monthFirst := true
	switch {
	case isoDate.MatchString(s):
		m := isoDate.FindStringSubmatch(s)
		layout = fmt.Sprintf("%s-%02d-%02d", m[1], atoi(m[2]), atoi(m[3]))
	case numericDate.MatchString(s):
		m := numericDate.FindStringSubmatch(s)
		if len(m[3]) == 3 {
			return time.Time{}, fmt.Errorf("invalid year in %q", s)
		}
		a, b := atoi(m[1]), atoi(m[2])
		monthFirst = a <= 12
		layout = fmt.Sprintf("%02d/%02d/%04d", a, b, pivotYear(atoi(m[3])))
	case dayMonth.MatchString(s):
		m := dayMonth.FindStringSubmatch(s)
		layout = writtenDate(monthNumber(m[2]), atoi(m[1]), atoi(m[3]))
	case monthDay.MatchString(s):
		m := monthDay.FindStringSubmatch(s)
		layout = writtenDate(monthNumber(m[1]), atoi(m[2]), atoi(m[3]))
	default:
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	if layout == "" {
		return time.Time{}, fmt.Errorf("invalid month in %q", s)
	}

	t, err := dateparse.ParseIn(layout, time.UTC, dateparse.PreferMonthFirst(monthFirst))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// writtenDate spells a date as "January 2, 2006". An unknown month yields "".
func writtenDate(month, day, year int) string {
	if month < 1 || month > 12 {
		return ""
	}
	return fmt.Sprintf("%s %d, %04d", time.Month(month), day, pivotYear(year))
}

func pivotYear(year int) int {
	switch {
	case year >= 100:
		return year
	case year < 50:
		return year + 2000
	default:
		return year + 1900
	}
}

func monthNumber(name string) int {
	if len(name) < 3 {
		return 0
	}
	return int(months[strings.ToLower(name[:3])])
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func normalizeDate(s string) (string, bool) {
	t, err := ParseDate(s)
	if err != nil {
		return "", false
	}
	return t.Format(time.DateOnly), true
}
