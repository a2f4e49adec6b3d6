// Package whatsapp adapts the WhatsApp Cloud API: inbound webhook
// normalization, the verification handshake, and outbound text sends.
package whatsapp

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrVerification is returned when a webhook subscription request does not
// carry the expected mode and token.
var ErrVerification = errors.New("webhook verification failed")

// Event is one normalized inbound text message.
type Event struct {
	From      string `json:"from"`
	Name      string `json:"name,omitempty"` // sender's profile name, if sent
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp flexibleInt   `json:"timestamp"`
	Text      *textBody     `json:"text"`
	Button    *buttonBody   `json:"button"`
	Interact  *interactBody `json:"interactive"`
}

type textBody struct {
	Body string `json:"body"`
}

type buttonBody struct {
	Text string `json:"text"`
}

type titled struct {
	Title string `json:"title"`
}

type interactBody struct {
	ButtonReply *titled `json:"button_reply"`
	ListReply   *titled `json:"list_reply"`
}

// flexibleInt accepts a JSON number or a numeric string. Anything else
// decodes as zero.
type flexibleInt int64

func (f *flexibleInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexibleInt(n)
	return nil
}

// ParseWebhook extracts every text message from a webhook body. It never
// fails: malformed bodies, status callbacks, and messages without a sender
// or text yield no events. Timestamps arrive in seconds and are returned in
// milliseconds, defaulting to now.
func ParseWebhook(body []byte, now time.Time) []Event {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil
	}

	var events []Event
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, m := range v.Messages {
				from := strings.TrimSpace(m.From)
				text := m.text()
				if from == "" || text == "" {
					continue
				}
				ev := Event{From: from, MessageID: m.ID, Text: text, Timestamp: now.UnixMilli()}
				if m.Timestamp > 0 {
					ev.Timestamp = int64(m.Timestamp) * 1000
				}
				for _, c := range v.Contacts {
					if c.WaID == from || len(v.Contacts) == 1 {
						ev.Name = strings.TrimSpace(c.Profile.Name)
						break
					}
				}
				events = append(events, ev)
			}
		}
	}
	return events
}

func (m inboundMessage) text() string {
	switch {
	case m.Text != nil:
		return strings.TrimSpace(m.Text.Body)
	case m.Button != nil:
		return strings.TrimSpace(m.Button.Text)
	case m.Interact != nil && m.Interact.ButtonReply != nil:
		return strings.TrimSpace(m.Interact.ButtonReply.Title)
	case m.Interact != nil && m.Interact.ListReply != nil:
		return strings.TrimSpace(m.Interact.ListReply.Title)
	}
	return ""
}

// VerifyWebhook answers the subscription handshake: it returns the challenge
// when mode is "subscribe" and token matches expected.
func VerifyWebhook(mode, token, challenge, expected string) (string, error) {
	if mode != "subscribe" || expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return "", ErrVerification
	}
	return challenge, nil
}
