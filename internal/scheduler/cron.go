package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field is the set of values one cron field admits. A nil set matches
// everything.
type field struct {
	allowed map[int]bool
}

func (f field) match(v int) bool {
	return f.allowed == nil || f.allowed[v]
}

// parseField accepts "*", "*/n", "a", "a-b", "a-b/n" and comma lists of
// those, bounded to [lo, hi].
func parseField(expr string, lo, hi int) (field, error) {
	if expr == "*" {
		return field{}, nil
	}
	allowed := make(map[int]bool)
	for _, part := range strings.Split(expr, ",") {
		rng, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return field{}, fmt.Errorf("invalid step in %q", part)
			}
			rng, step = part[:i], n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return field{}, fmt.Errorf("invalid range %q", rng)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return field{}, fmt.Errorf("invalid range %q", rng)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return field{}, fmt.Errorf("invalid value %q", rng)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return field{}, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			allowed[v] = true
		}
	}
	return field{allowed: allowed}, nil
}

// Schedule is a parsed 5-field cron expression
// "minute hour day-of-month month day-of-week", evaluated in UTC.
type Schedule struct {
	expr                          string
	minute, hour, dom, month, dow field
}

// ParseCron parses expr.
func ParseCron(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(parts))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var fs [5]field
	for i, p := range parts {
		f, err := parseField(p, bounds[i][0], bounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("cron %q: %s: %w", expr, names[i], err)
		}
		fs[i] = f
	}
	return Schedule{expr: expr, minute: fs[0], hour: fs[1], dom: fs[2], month: fs[3], dow: fs[4]}, nil
}

func (s Schedule) String() string { return s.expr }

func (s Schedule) matches(t time.Time) bool {
	return s.minute.match(t.Minute()) &&
		s.hour.match(t.Hour()) &&
		s.dom.match(t.Day()) &&
		s.month.match(int(t.Month())) &&
		s.dow.match(int(t.Weekday()))
}

// Next returns the first minute strictly after after that matches, or an
// error if none exists within a year (e.g. "0 0 31 2 *").
func (s Schedule) Next(after time.Time) (time.Time, error) {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 1)
	for t.Before(limit) {
		if s.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cron %q: no run within a year", s.expr)
}
