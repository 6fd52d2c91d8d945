package period

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidPeriod is returned when an identifier is not in one of the
// canonical forms YYYY-Q#, YYYY-MM or YYYY-Www.
var ErrInvalidPeriod = errors.New("invalid period identifier")

type Kind string

const (
	KindQuarter Kind = "quarter"
	KindMonth   Kind = "month"
	KindWeek    Kind = "week"
)

// Quarter returns the calendar quarter identifier for t, e.g. "2026-Q1".
func Quarter(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}

// Month returns the calendar month identifier for t, e.g. "2026-03".
func Month(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// Week returns the ISO week identifier for t, e.g. "2026-W07".
func Week(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// Parse validates id and reports which kind of period it names.
func Parse(id string) (Kind, error) {
	_, _, kind, err := parse(id)
	return kind, err
}

// Bounds returns the half-open UTC interval [start, end) covered by id.
func Bounds(id string) (time.Time, time.Time, error) {
	year, n, kind, err := parse(id)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	switch kind {
	case KindQuarter:
		start := time.Date(year, time.Month((n-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 3, 0), nil
	case KindMonth:
		start := time.Date(year, time.Month(n), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		start := isoWeekStart(year, n)
		return start, start.AddDate(0, 0, 7), nil
	}
}

// Contains reports whether t falls inside the period id.
func Contains(id string, t time.Time) bool {
	start, end, err := Bounds(id)
	if err != nil {
		return false
	}
	t = t.UTC()
	return !t.Before(start) && t.Before(end)
}

// NextQuarter returns the quarter following the quarter identifier id.
func NextQuarter(id string) (string, error) {
	_, end, err := Bounds(id)
	if err != nil {
		return "", err
	}
	return Quarter(end), nil
}

// PrevMonths returns n month identifiers ending with month (inclusive),
// oldest first.
func PrevMonths(month string, n int) ([]string, error) {
	start, _, err := Bounds(month)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, Month(start.AddDate(0, -i, 0)))
	}
	return out, nil
}

// PreviousWeek returns the ISO week that closed before t.
func PreviousWeek(t time.Time) string {
	return Week(t.UTC().AddDate(0, 0, -7))
}

func parse(id string) (int, int, Kind, error) {
	invalid := fmt.Errorf("%w: %q", ErrInvalidPeriod, id)
	if len(id) < 7 || id[4] != '-' {
		return 0, 0, "", invalid
	}
	year, err := strconv.Atoi(id[:4])
	if err != nil || year < 1970 {
		return 0, 0, "", invalid
	}

	switch {
	case len(id) == 7 && id[5] == 'Q':
		n, err := strconv.Atoi(id[6:])
		if err != nil || n < 1 || n > 4 {
			return 0, 0, "", invalid
		}
		return year, n, KindQuarter, nil
	case len(id) == 8 && id[5] == 'W':
		n, err := strconv.Atoi(id[6:])
		if err != nil || n < 1 || n > isoWeeksIn(year) {
			return 0, 0, "", invalid
		}
		return year, n, KindWeek, nil
	case len(id) == 7:
		n, err := strconv.Atoi(id[5:])
		if err != nil || n < 1 || n > 12 {
			return 0, 0, "", invalid
		}
		return year, n, KindMonth, nil
	}
	return 0, 0, "", invalid
}

// isoWeekStart returns the Monday that opens ISO week w of year.
func isoWeekStart(year, w int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	week1 := jan4.AddDate(0, 0, -offset)
	return week1.AddDate(0, 0, (w-1)*7)
}

func isoWeeksIn(year int) int {
	_, w := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}
