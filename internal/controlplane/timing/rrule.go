package timing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Supported RFC-5545 recurrence subset: FREQ, INTERVAL, BYDAY, BYHOUR,
// BYMINUTE, BYMONTH, BYMONTHDAY, COUNT, UNTIL. Anything else (BYSETPOS,
// WKST, ordinal BYDAY, ...) is refused rather than silently ignored.

const (
	freqMinutely = "MINUTELY"
	freqHourly   = "HOURLY"
	freqDaily    = "DAILY"
	freqWeekly   = "WEEKLY"
	freqMonthly  = "MONTHLY"
	freqYearly   = "YEARLY"
)

// scan budget for one NextCalendar call; a rule that matches nothing
// within this many cron steps is reported as an error.
const maxRuleScan = 4096

var weekdayNumbers = map[string]int{
	"SU": 0, "MO": 1, "TU": 2, "WE": 3, "TH": 4, "FR": 5, "SA": 6,
}

// Rule is a parsed calendar recurrence.
type Rule struct {
	Freq     string
	Interval int
	Count    int
	Until    *time.Time

	byMinute   []int
	byHour     []int
	byDay      []string
	byMonth    []int
	byMonthDay []int

	untilRaw string
}

// ParseRule parses the supported RRULE subset, strictly.
func ParseRule(rrule string, loc *time.Location) (*Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	rule := &Rule{Interval: 1}

	for _, part := range strings.Split(strings.TrimSpace(rrule), ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed rrule component %q", part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))

		var err error
		switch key {
		case "FREQ":
			rule.Freq = value
		case "INTERVAL":
			rule.Interval, err = parseRulePositive(key, value)
		case "COUNT":
			rule.Count, err = parseRulePositive(key, value)
		case "UNTIL":
			rule.untilRaw = value
		case "BYMINUTE":
			rule.byMinute, err = parseRuleInts(key, value, 0, 59)
		case "BYHOUR":
			rule.byHour, err = parseRuleInts(key, value, 0, 23)
		case "BYMONTH":
			rule.byMonth, err = parseRuleInts(key, value, 1, 12)
		case "BYMONTHDAY":
			rule.byMonthDay, err = parseRuleInts(key, value, 1, 31)
		case "BYDAY":
			for _, day := range strings.Split(value, ",") {
				if _, ok := weekdayNumbers[day]; !ok {
					return nil, fmt.Errorf("unsupported BYDAY value %q (ordinal weekdays are not supported)", day)
				}
				rule.byDay = append(rule.byDay, day)
			}
		default:
			return nil, fmt.Errorf("unsupported rrule token %q", key)
		}
		if err != nil {
			return nil, err
		}
	}

	switch rule.Freq {
	case freqMinutely, freqHourly, freqDaily, freqWeekly, freqMonthly, freqYearly:
	case "":
		return nil, fmt.Errorf("rrule is missing FREQ")
	default:
		return nil, fmt.Errorf("unsupported FREQ %q", rule.Freq)
	}
	if len(rule.byDay) > 0 && len(rule.byMonthDay) > 0 {
		return nil, fmt.Errorf("combining BYDAY and BYMONTHDAY is not supported")
	}

	if rule.untilRaw != "" {
		until, err := parseUntil(rule.untilRaw, loc)
		if err != nil {
			return nil, err
		}
		rule.Until = &until
	}
	return rule, nil
}

func parseRulePositive(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, value)
	}
	return n, nil
}

func parseRuleInts(key, value string, min, max int) ([]int, error) {
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < min || n > max {
			return nil, fmt.Errorf("%s values must be integers in [%d,%d], got %q", key, min, max, part)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseUntil(value string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse("20060102T150405Z", value); err == nil {
		return ts, nil
	}
	if ts, err := time.ParseInLocation("20060102T150405", value, loc); err == nil {
		return ts, nil
	}
	if ts, err := time.ParseInLocation("20060102", value, loc); err == nil {
		// date-only UNTIL covers the whole day
		return ts.AddDate(0, 0, 1).Add(-time.Second), nil
	}
	return time.Time{}, fmt.Errorf("unsupported UNTIL value %q", value)
}

// cronSpec renders the rule's BY* constraints as a five-field cron spec,
// filling unconstrained fields from the anchor per the rule frequency.
func (r *Rule) cronSpec(anchor time.Time) string {
	minute, hour, dom, month, dow := "*", "*", "*", "*", "*"

	if len(r.byMinute) > 0 {
		minute = joinInts(r.byMinute)
	} else if r.Freq != freqMinutely {
		minute = strconv.Itoa(anchor.Minute())
	}

	if len(r.byHour) > 0 {
		hour = joinInts(r.byHour)
	} else if r.Freq != freqMinutely && r.Freq != freqHourly {
		hour = strconv.Itoa(anchor.Hour())
	}

	if len(r.byMonthDay) > 0 {
		dom = joinInts(r.byMonthDay)
	} else if len(r.byDay) == 0 && (r.Freq == freqMonthly || r.Freq == freqYearly) {
		dom = strconv.Itoa(anchor.Day())
	}

	if len(r.byMonth) > 0 {
		month = joinInts(r.byMonth)
	} else if r.Freq == freqYearly {
		month = strconv.Itoa(int(anchor.Month()))
	}

	if len(r.byDay) > 0 {
		days := make([]int, 0, len(r.byDay))
		for _, day := range r.byDay {
			days = append(days, weekdayNumbers[day])
		}
		dow = joinInts(days)
	} else if r.Freq == freqWeekly {
		dow = strconv.Itoa(int(anchor.Weekday()))
	}

	return strings.Join([]string{minute, hour, dom, month, dow}, " ")
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCalendar returns the next rule occurrence strictly after reference,
// interpreted in loc. The boolean is false when the rule is exhausted
// (COUNT consumed or UNTIL passed): a calendar schedule with no further
// occurrences, not an error.
func NextCalendar(rrule string, anchor, reference time.Time, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	rule, err := ParseRule(rrule, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return rule.Next(anchor, reference, loc)
}

// Next is NextCalendar for an already-parsed rule.
func (r *Rule) Next(anchor, reference time.Time, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	anchor = anchor.In(loc)
	reference = reference.In(loc)

	sched, err := cronParser.Parse(r.cronSpec(anchor))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rrule produced an invalid matcher: %w", err)
	}

	// With a COUNT the occurrence index matters, so the scan starts at the
	// anchor. Otherwise it can start at the reference directly.
	cursor := anchor.Add(-time.Second)
	if r.Count == 0 && reference.After(cursor) {
		cursor = reference
	}

	seen := 0
	for i := 0; i < maxRuleScan; i++ {
		next := sched.Next(cursor)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		cursor = next

		if r.Until != nil && next.After(*r.Until) {
			return time.Time{}, false, nil
		}
		if r.Interval > 1 && r.periodIndex(anchor, next)%r.Interval != 0 {
			continue
		}
		if r.Count > 0 {
			seen++
			if seen > r.Count {
				return time.Time{}, false, nil
			}
		}
		if next.After(reference) {
			return next.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("no occurrence of %q found within scan budget", r.Freq)
}

// periodIndex counts whole frequency periods between the anchor and t,
// used for INTERVAL > 1 filtering.
func (r *Rule) periodIndex(anchor, t time.Time) int {
	switch r.Freq {
	case freqMinutely:
		return int(t.Sub(anchor.Truncate(time.Minute)) / time.Minute)
	case freqHourly:
		return int(t.Sub(anchor.Truncate(time.Hour)) / time.Hour)
	case freqDaily:
		return daysBetween(anchor, t)
	case freqWeekly:
		return daysBetween(startOfWeek(anchor), startOfWeek(t)) / 7
	case freqMonthly:
		return (t.Year()-anchor.Year())*12 + int(t.Month()-anchor.Month())
	case freqYearly:
		return t.Year() - anchor.Year()
	}
	return 0
}

// daysBetween counts calendar days from a to b in b's location, rounding
// through DST shifts.
func daysBetween(a, b time.Time) int {
	loc := b.Location()
	aMid := time.Date(a.In(loc).Year(), a.In(loc).Month(), a.In(loc).Day(), 0, 0, 0, 0, loc)
	bMid := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, loc)
	return int((bMid.Sub(aMid).Hours() + 12) / 24)
}

// startOfWeek returns Monday 00:00 of t's week (fixed WKST=MO).
func startOfWeek(t time.Time) time.Time {
	back := (int(t.Weekday()) + 6) % 7
	day := t.AddDate(0, 0, -back)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.Location())
}
