package timing

import (
	"strings"
	"testing"
	"time"
)

func TestParseRuleRefusesUnsupportedTokens(t *testing.T) {
	cases := []struct {
		rrule string
		want  string
	}{
		{"FREQ=MONTHLY;BYDAY=MO;BYSETPOS=-1", "unsupported rrule token"},
		{"FREQ=WEEKLY;WKST=SU", "unsupported rrule token"},
		{"FREQ=MONTHLY;BYDAY=2MO", "unsupported BYDAY"},
		{"FREQ=FORTNIGHTLY", "unsupported FREQ"},
		{"INTERVAL=2", "missing FREQ"},
		{"FREQ=WEEKLY;INTERVAL=0", "INTERVAL"},
		{"FREQ=WEEKLY;BYHOUR=24", "BYHOUR"},
		{"FREQ=MONTHLY;BYDAY=MO;BYMONTHDAY=1", "not supported"},
		{"FREQ=DAILY;UNTIL=someday", "UNTIL"},
	}
	for _, tc := range cases {
		_, err := ParseRule(tc.rrule, time.UTC)
		if err == nil {
			t.Errorf("%q should be refused", tc.rrule)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%q: error %q does not mention %q", tc.rrule, err, tc.want)
		}
	}
}

func TestNextCalendarWeekly(t *testing.T) {
	anchor := at("2026-01-05T09:30:00Z") // Monday
	ref := at("2026-01-06T00:00:00Z")    // Tuesday

	got, ok, err := NextCalendar("FREQ=WEEKLY;BYDAY=MO,WE;BYHOUR=9;BYMINUTE=30", anchor, ref, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2026-01-07T09:30:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s (Wednesday)", got, want)
	}

	got, ok, err = NextCalendar("FREQ=WEEKLY;BYDAY=MO,WE;BYHOUR=9;BYMINUTE=30", anchor, got, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2026-01-12T09:30:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s (next Monday)", got, want)
	}
}

func TestNextCalendarDefaultsFromAnchor(t *testing.T) {
	// no BYHOUR/BYMINUTE: daily rule fires at the anchor's time of day
	anchor := at("2026-01-05T07:45:00Z")
	got, ok, err := NextCalendar("FREQ=DAILY", anchor, at("2026-01-05T08:00:00Z"), time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2026-01-06T07:45:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	// weekly with no BYDAY fires on the anchor's weekday
	got, ok, err = NextCalendar("FREQ=WEEKLY", anchor, anchor, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2026-01-12T07:45:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNextCalendarInterval(t *testing.T) {
	anchor := at("2026-01-05T09:00:00Z") // Monday
	rrule := "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO;BYHOUR=9;BYMINUTE=0"

	got, ok, err := NextCalendar(rrule, anchor, anchor, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2026-01-19T09:00:00Z"); !got.Equal(want) {
		t.Errorf("biweekly skipped wrong week: got %s, want %s", got, want)
	}
}

func TestNextCalendarMonthly(t *testing.T) {
	anchor := at("2026-01-31T08:00:00Z")
	got, ok, err := NextCalendar("FREQ=MONTHLY;BYMONTHDAY=31;BYHOUR=8;BYMINUTE=0", anchor, anchor, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	// February has no 31st, so the next occurrence is in March
	if want := at("2026-03-31T08:00:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNextCalendarCountExhaustion(t *testing.T) {
	anchor := at("2026-01-05T09:00:00Z")
	rrule := "FREQ=DAILY;COUNT=3;BYHOUR=9;BYMINUTE=0"

	ref := anchor.Add(-time.Hour)
	var fired []time.Time
	for {
		next, ok, err := NextCalendar(rrule, anchor, ref, time.UTC)
		if err != nil {
			t.Fatalf("NextCalendar: %v", err)
		}
		if !ok {
			break
		}
		fired = append(fired, next)
		ref = next
	}
	if len(fired) != 3 {
		t.Fatalf("COUNT=3 rule fired %d times", len(fired))
	}
	if !fired[2].Equal(at("2026-01-07T09:00:00Z")) {
		t.Errorf("last occurrence = %s, want 2026-01-07T09:00:00Z", fired[2])
	}
}

func TestNextCalendarUntil(t *testing.T) {
	anchor := at("2026-01-05T09:00:00Z")
	rrule := "FREQ=DAILY;BYHOUR=9;BYMINUTE=0;UNTIL=20260107T090000Z"

	got, ok, err := NextCalendar(rrule, anchor, at("2026-01-06T10:00:00Z"), time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2026-01-07T09:00:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	_, ok, err = NextCalendar(rrule, anchor, got, time.UTC)
	if err != nil {
		t.Fatalf("NextCalendar after UNTIL: %v", err)
	}
	if ok {
		t.Error("rule past UNTIL should be exhausted, not an error")
	}
}

func TestNextCalendarTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 08:00 New York is 13:00 UTC in winter
	anchor := time.Date(2026, 1, 5, 8, 0, 0, 0, loc)
	got, ok, err := NextCalendar("FREQ=DAILY;BYHOUR=8;BYMINUTE=0", anchor, anchor, loc)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2026-01-06T13:00:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got.UTC(), want)
	}
	if got.Location() != time.UTC {
		t.Errorf("results should come back in UTC, got %v", got.Location())
	}
}

func TestNextCalendarYearly(t *testing.T) {
	anchor := at("2026-03-14T15:09:00Z")
	got, ok, err := NextCalendar("FREQ=YEARLY", anchor, at("2026-06-01T00:00:00Z"), time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextCalendar: ok=%v err=%v", ok, err)
	}
	if want := at("2027-03-14T15:09:00Z"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}
