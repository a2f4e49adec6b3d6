package command

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultMeetingHour applies when a day is named without a clock.
const DefaultMeetingHour = 17

var (
	isoDate   = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	slashDate = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{4}|\d{2}))?\b`)
	relDay    = regexp.MustCompile(`\b(today|tomorrow)\b`)
	clockHM   = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	clockH    = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm)\b`)
	clockBare = regexp.MustCompile(`\b(\d{1,2})\b`)
)

// ParseNaturalDateTime resolves expressions like "2025-03-04 14:30",
// "3/4 5pm", "tomorrow 5pm" or "9:15am" against now. A result before now is
// moved one day forward. Input without any recognizable time yields
// now + 1h.
func ParseNaturalDateTime(raw string, now time.Time) time.Time {
	s := strings.ToLower(strings.TrimSpace(raw))

	if t, ok := resolveISODate(s, now); ok {
		return rollForward(t, now)
	}
	if t, ok := resolveSlashDate(s, now); ok {
		return rollForward(t, now)
	}
	// Invalid dates must not leak their digits into the clock search.
	s = slashDate.ReplaceAllString(isoDate.ReplaceAllString(s, " "), " ")

	if loc := relDay.FindStringSubmatchIndex(s); loc != nil {
		day := now
		if s[loc[2]:loc[3]] == "tomorrow" {
			day = now.AddDate(0, 0, 1)
		}
		h, m, ok := findClock(cut(s, loc[0], loc[1]))
		if !ok {
			h, m = DefaultMeetingHour, 0
		}
		return rollForward(atClock(day, h, m), now)
	}
	if h, m, ok := findClock(s); ok {
		return rollForward(atClock(now, h, m), now)
	}
	return now.Add(time.Hour)
}

func resolveISODate(s string, now time.Time) (time.Time, bool) {
	loc := isoDate.FindStringSubmatchIndex(s)
	if loc == nil {
		return time.Time{}, false
	}
	y, _ := strconv.Atoi(s[loc[2]:loc[3]])
	mo, _ := strconv.Atoi(s[loc[4]:loc[5]])
	d, _ := strconv.Atoi(s[loc[6]:loc[7]])
	return dateWithClock(y, mo, d, cut(s, loc[0], loc[1]), now)
}

func resolveSlashDate(s string, now time.Time) (time.Time, bool) {
	loc := slashDate.FindStringSubmatchIndex(s)
	if loc == nil {
		return time.Time{}, false
	}
	mo, _ := strconv.Atoi(s[loc[2]:loc[3]])
	d, _ := strconv.Atoi(s[loc[4]:loc[5]])
	y := now.Year()
	if loc[6] >= 0 {
		y, _ = strconv.Atoi(s[loc[6]:loc[7]])
		if y < 100 {
			y += 2000
		}
	}
	return dateWithClock(y, mo, d, cut(s, loc[0], loc[1]), now)
}

func dateWithClock(y, mo, d int, rest string, now time.Time) (time.Time, bool) {
	if !validDate(y, mo, d) {
		return time.Time{}, false
	}
	h, m, ok := findClock(rest)
	if !ok {
		h, m = DefaultMeetingHour, 0
	}
	return time.Date(y, time.Month(mo), d, h, m, 0, 0, now.Location()), true
}

func validDate(y, mo, d int) bool {
	if mo < 1 || mo > 12 || d < 1 {
		return false
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	return t.Day() == d && int(t.Month()) == mo
}

// findClock returns the first clock expression in s: "H:MM[am|pm]",
// "H[am|pm]" or a bare 24-hour "H".
func findClock(s string) (hour, minute int, ok bool) {
	if m := clockHM.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		if h, ok := applyMeridiem(h, m[3]); ok && mi < 60 {
			return h, mi, true
		}
	}
	if m := clockH.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h, ok := applyMeridiem(h, m[2]); ok {
			return h, 0, true
		}
	}
	if m := clockBare.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h <= 23 {
			return h, 0, true
		}
	}
	return 0, 0, false
}

// applyMeridiem converts to a 24-hour value: pm adds 12 unless the hour is
// already 12 or more, and 12am is midnight.
func applyMeridiem(h int, meridiem string) (int, bool) {
	if h > 23 {
		return 0, false
	}
	switch {
	case meridiem == "am" && h == 12:
		return 0, true
	case meridiem == "pm" && h < 12:
		return h + 12, true
	}
	return h, true
}

func atClock(day time.Time, h, m int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

func rollForward(t, now time.Time) time.Time {
	if t.Before(now) {
		return t.AddDate(0, 0, 1)
	}
	return t
}

func cut(s string, from, to int) string {
	return s[:from] + " " + s[to:]
}
