// Package command turns short free-text commands into structured intents.
package command

import (
	"regexp"
	"strings"
	"time"
)

// DefaultMeetingTitle is used when a /schedule command names no title.
const DefaultMeetingTitle = "Meeting"

// Intent is one of SendMessage, DraftMessage, ScheduleMeeting or Unrecognized.
type Intent interface {
	Kind() string
}

type SendMessage struct {
	Text         string `json:"text"`
	RecipientRaw string `json:"recipient_raw"`
}

type DraftMessage struct {
	Topic string `json:"topic"`
}

type ScheduleMeeting struct {
	Title        string `json:"title"`
	TimeRaw      string `json:"time_raw"`
	RecipientRaw string `json:"recipient_raw,omitempty"`
}

type Unrecognized struct {
	Raw string `json:"raw"`
}

func (SendMessage) Kind() string     { return "send" }
func (DraftMessage) Kind() string    { return "draft" }
func (ScheduleMeeting) Kind() string { return "schedule" }
func (Unrecognized) Kind() string    { return "unrecognized" }

// Resolve turns TimeRaw into an instant relative to now.
func (m ScheduleMeeting) Resolve(now time.Time) time.Time {
	return ParseNaturalDateTime(m.TimeRaw, now)
}

var (
	sendDoubleQuoted = regexp.MustCompile(`(?is)^(?:send|sent)\s+"(.*?)"\s+to\s+(.+)$`)
	sendSingleQuoted = regexp.MustCompile(`(?is)^(?:send|sent)\s+'(.*?)'\s+to\s+(.+)$`)
	// Greedy text group: the last " to " separates text from recipient.
	sendUnquoted = regexp.MustCompile(`(?is)^(?:send|sent)\s+(.+)\s+to\s+(.+)$`)
	draftPrefix  = regexp.MustCompile(`(?is)^/draft(?:\s+(.*))?$`)
	schedulePfx  = regexp.MustCompile(`(?is)^/schedule(\s.*)?$`)
)

// Parse maps raw text to an Intent. It is pure and never fails: anything it
// cannot make sense of comes back as Unrecognized.
func Parse(raw string) Intent {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Unrecognized{Raw: raw}
	}

	for _, re := range []*regexp.Regexp{sendDoubleQuoted, sendSingleQuoted, sendUnquoted} {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		text, recipient := m[1], strings.TrimSpace(m[2])
		if re == sendUnquoted {
			text = strings.TrimSpace(text)
		}
		if strings.TrimSpace(text) == "" || recipient == "" {
			return Unrecognized{Raw: raw}
		}
		return SendMessage{Text: text, RecipientRaw: recipient}
	}

	if m := draftPrefix.FindStringSubmatch(s); m != nil {
		topic := strings.TrimSpace(m[1])
		if topic == "" {
			return Unrecognized{Raw: raw}
		}
		return DraftMessage{Topic: topic}
	}

	if m := schedulePfx.FindStringSubmatch(s); m != nil {
		if intent, ok := parseSchedule(m[1]); ok {
			return intent
		}
	}

	return Unrecognized{Raw: raw}
}

func parseSchedule(rest string) (ScheduleMeeting, bool) {
	at := indexFold(rest, " at ", true)
	if at < 0 {
		return ScheduleMeeting{}, false
	}
	timeRaw := strings.TrimSpace(rest[at+len(" at "):])
	if timeRaw == "" {
		return ScheduleMeeting{}, false
	}

	head := rest[:at]
	meeting := ScheduleMeeting{Title: DefaultMeetingTitle, TimeRaw: timeRaw}
	if with := indexFold(head, " with ", false); with >= 0 {
		meeting.RecipientRaw = strings.TrimSpace(head[with+len(" with "):])
		if title := strings.TrimSpace(head[:with]); title != "" {
			meeting.Title = title
		}
	}
	return meeting, true
}

// indexFold finds sub in s ignoring ASCII case, returning the first or the
// last byte offset, or -1.
func indexFold(s, sub string, last bool) int {
	found := -1
	for i := 0; i+len(sub) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			if !last {
				return i
			}
			found = i
		}
	}
	return found
}

// FormatSend renders a send back into the command grammar. Double quotes,
// single quotes and the unquoted form are tried in that order and the first
// one that Parse reads back as the same text and recipient wins. When none
// does, the unquoted form is returned.
func FormatSend(text, recipient string) string {
	candidates := []string{
		`send "` + text + `" to ` + recipient,
		`send '` + text + `' to ` + recipient,
		"send " + text + " to " + recipient,
	}
	for _, c := range candidates {
		if m, ok := Parse(c).(SendMessage); ok && m.Text == text && m.RecipientRaw == recipient {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
