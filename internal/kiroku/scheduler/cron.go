package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// schedule is a compiled 5-field cron expression:
//
//	minute(0-59)  hour(0-23)  day-of-month(1-31)  month(1-12)  day-of-week(0-7, 0 and 7 = Sunday)
//
// Each field is a bit set of matching values.
type schedule struct {
	expr       string
	minute     uint64
	hour       uint64
	dayOfMonth uint64
	month      uint64
	dayOfWeek  uint64
	domStar    bool
	dowStar    bool
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// parseSchedule compiles expr. Each field is a comma-separated list of
// terms, a term being *, N or N-M, optionally followed by /step.
func parseSchedule(expr string) (*schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields, got %d in %q", len(fields), expr)
	}
	var sets [5]uint64
	for i, f := range fields {
		set, err := parseField(f, cronFields[i].min, cronFields[i].max)
		if err != nil {
			return nil, fmt.Errorf("%s field %q: %w", cronFields[i].name, f, err)
		}
		sets[i] = set
	}
	// Sunday may be written as 0 or 7.
	if sets[4]&(1<<7) != 0 {
		sets[4] |= 1
	}
	return &schedule{
		expr:       expr,
		minute:     sets[0],
		hour:       sets[1],
		dayOfMonth: sets[2],
		month:      sets[3],
		dayOfWeek:  sets[4],
		domStar:    strings.HasPrefix(fields[2], "*"),
		dowStar:    strings.HasPrefix(fields[4], "*"),
	}, nil
}

func parseField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, term := range strings.Split(field, ",") {
		if term == "" {
			return 0, fmt.Errorf("empty list element")
		}
		step := 1
		if base, s, ok := strings.Cut(term, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", s)
			}
			step, term = n, base
		}

		var lo, hi int
		switch {
		case term == "*":
			lo, hi = min, max
		case strings.Contains(term, "-"):
			a, b, _ := strings.Cut(term, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("invalid range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("invalid range end %q", b)
			}
		default:
			v, err := strconv.Atoi(term)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", term)
			}
			lo, hi = v, v
			if step > 1 {
				hi = max
			}
		}
		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", lo, hi, min, max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

// dayMatches applies the cron rule that when both day fields are restricted a
// day matching either one qualifies.
func (s *schedule) dayMatches(t time.Time) bool {
	dom := has(s.dayOfMonth, t.Day())
	dow := has(s.dayOfWeek, int(t.Weekday()))
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dow
	case s.dowStar:
		return dom
	default:
		return dom || dow
	}
}

// Next returns the first matching minute strictly after now, in now's
// location. It returns the zero time if nothing matches within five years
// (for example "0 0 30 2 *").
func (s *schedule) Next(now time.Time) time.Time {
	t := now.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)
	for t.Before(limit) {
		if !has(s.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !has(s.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !has(s.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
