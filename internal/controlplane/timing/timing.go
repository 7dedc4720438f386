// Package timing computes next-fire times for schedules. Everything here
// is pure: the caller supplies the reference instant, the engine never
// reads clocks.
package timing

import (
	"fmt"
	"time"
)

// Interval unit names. Values match the schedules package constants;
// duplicated here so timing stays import-free of schedules.
const (
	unitMinute = "minute"
	unitHour   = "hour"
	unitDay    = "day"
	unitWeek   = "week"
	unitMonth  = "month"
)

// unitDuration returns the fixed span of one interval unit. Months are
// calendar-aware and handled separately.
func unitDuration(unit string) (time.Duration, bool) {
	switch unit {
	case unitMinute:
		return time.Minute, true
	case unitHour:
		return time.Hour, true
	case unitDay:
		return 24 * time.Hour, true
	case unitWeek:
		return 7 * 24 * time.Hour, true
	}
	return 0, false
}

// NextInterval returns the smallest anchor + k*delta strictly after
// reference. An anchor in the future is returned as-is (k = 0).
func NextInterval(count int, unit string, anchor, reference time.Time) (time.Time, error) {
	if count <= 0 {
		return time.Time{}, fmt.Errorf("interval count must be > 0, got %d", count)
	}
	anchor = anchor.UTC()
	reference = reference.UTC()
	if anchor.After(reference) {
		return anchor, nil
	}

	if unit == unitMonth {
		return nextMonthly(count, anchor, reference)
	}

	delta, ok := unitDuration(unit)
	if !ok {
		return time.Time{}, fmt.Errorf("unknown interval unit %q", unit)
	}
	delta *= time.Duration(count)

	k := reference.Sub(anchor)/delta + 1
	return anchor.Add(k * delta), nil
}

// nextMonthly steps calendar months from the anchor. Month arithmetic
// follows time.AddDate normalization (Jan 31 + 1 month = Mar 2/3).
func nextMonthly(count int, anchor, reference time.Time) (time.Time, error) {
	months := (reference.Year()-anchor.Year())*12 + int(reference.Month()-anchor.Month())
	k := months / count
	if k < 0 {
		k = 0
	}
	t := anchor.AddDate(0, k*count, 0)
	for i := 0; !t.After(reference); i++ {
		if i > 24 {
			return time.Time{}, fmt.Errorf("monthly interval did not advance past %s", reference)
		}
		t = t.AddDate(0, count, 0)
	}
	return t, nil
}

// NextConditionalEval returns the next predicate-evaluation instant:
// one cadence step after the reference. Months are not a valid cadence.
func NextConditionalEval(count int, unit string, reference time.Time) (time.Time, error) {
	if count <= 0 {
		return time.Time{}, fmt.Errorf("evaluation interval count must be > 0, got %d", count)
	}
	delta, ok := unitDuration(unit)
	if !ok {
		return time.Time{}, fmt.Errorf("unknown evaluation interval unit %q", unit)
	}
	return reference.UTC().Add(delta * time.Duration(count)), nil
}
