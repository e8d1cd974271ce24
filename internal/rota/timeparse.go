package rota

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoTime is returned when a cell carries no parseable time range
var ErrNoTime = errors.New("no time range")

var rangePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{4})\s*-\s*(\d{4})`),
	regexp.MustCompile(`(?i)(\d{1,2}(?:[:.]\d{2})?)\s*-\s*(\d{1,2}(?:[:.]\d{2})?)\s*(pm)?`),
}

var dateLayouts = []string{
	"Mon 2 Jan",
	"January 2",
	"2 January",
	"2/1",
	"2-1",
	"2-Jan",
}

// ParseRange parses a cell such as "0800-1700", "8:00-17:00", "8.30-5pm" or
// "2-6 pm" into concrete times on day. A "pm" suffix applies to the end time
// only. An end before the start rolls over to the next day.
func ParseRange(cell string, day time.Time) (time.Time, time.Time, error) {
	s := strings.TrimSpace(cell)
	switch strings.ToLower(s) {
	case "", "*n/a", "/":
		return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", cell, ErrNoTime)
	}

	for _, re := range rangePatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		pm := strings.Contains(strings.ToLower(s), "pm")
		if len(m) > 3 {
			pm = strings.EqualFold(m[3], "pm")
		}

		sh, sm, err := clock(m[1])
		if err != nil {
			continue
		}
		eh, em, err := clock(m[2])
		if err != nil {
			continue
		}
		if pm && eh < 12 {
			eh += 12
		}

		y, mo, d := day.Date()
		start := time.Date(y, mo, d, sh, sm, 0, 0, day.Location())
		end := time.Date(y, mo, d, eh, em, 0, 0, day.Location())
		if end.Before(start) {
			end = end.AddDate(0, 0, 1)
		}
		return start, end, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", cell, ErrNoTime)
}

// clock converts "0830", "8:30", "8.30" or "8" to hour and minute
func clock(v string) (int, int, error) {
	var parts []string
	switch {
	case strings.Contains(v, "."):
		parts = strings.SplitN(v, ".", 2)
	case strings.Contains(v, ":"):
		parts = strings.SplitN(v, ":", 2)
	case len(v) == 4:
		parts = []string{v[:2], v[2:]}
	default:
		parts = []string{v}
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute := 0
	if len(parts) > 1 && parts[1] != "" {
		if minute, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, err
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("time %s out of range", v)
	}
	return hour, minute, nil
}

// ParseDate parses a header cell such as "Mon 15 Jan" or "15/1". Header cells
// carry no year: the current year is assumed, and a date more than 90 days
// in the past is moved to the next year.
func ParseDate(cell string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(cell)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		target := time.Date(now.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, loc)
		if target.Before(now.AddDate(0, 0, -90)) {
			target = time.Date(now.Year()+1, parsed.Month(), parsed.Day(), 0, 0, 0, 0, loc)
		}
		return target, nil
	}
	return time.Time{}, fmt.Errorf("unable to parse date %q", cell)
}
