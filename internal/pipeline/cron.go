package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField matches one field of a 5-field cron expression. Supported forms
// are "*", "*/n", "a", "a-b" and comma lists of those. star records that the
// field was written starting with "*".
type cronField struct {
	wildcard bool
	star     bool
	values   map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.wildcard || f.values[v]
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true, star: true}, nil
	}
	f := cronField{star: strings.HasPrefix(field, "*"), values: make(map[int]bool)}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			for v := lo; v <= hi; v += step {
				f.values[v] = true
			}
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			from, err1 := strconv.Atoi(a)
			to, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil || from > to || from < lo || to > hi {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
			for v := from; v <= to; v++ {
				f.values[v] = true
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < lo || v > hi {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			f.values[v] = true
		}
	}
	return f, nil
}

// cronSchedule is a parsed "minute hour day-of-month month day-of-week".
type cronSchedule [5]cronField

var cronBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	var s cronSchedule
	for i, field := range fields {
		f, err := parseCronField(field, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("cron field %d: %w", i+1, err)
		}
		s[i] = f
	}
	return s, nil
}

// matches follows Vixie cron for the day fields: when both day-of-month and
// day-of-week are restricted, a time matching either one is due. A field
// starting with "*" does not count as restricted.
func (s cronSchedule) matches(t time.Time) bool {
	if !s[0].matches(t.Minute()) || !s[1].matches(t.Hour()) || !s[3].matches(int(t.Month())) {
		return false
	}
	dom, dow := s[2].matches(t.Day()), s[4].matches(int(t.Weekday()))
	if s[2].star || s[4].star {
		return dom && dow
	}
	return dom || dow
}

// next returns the first minute after t matching s, searching a year ahead.
func (s cronSchedule) next(t time.Time) (time.Time, error) {
	c := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for ; c.Before(limit); c = c.Add(time.Minute) {
		if s.matches(c) {
			return c, nil
		}
	}
	return time.Time{}, fmt.Errorf("no matching time within a year")
}
