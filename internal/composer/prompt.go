package composer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/autowa/internal/memory"
	"github.com/kalambet/autowa/internal/state"
)

const (
	defaultMaxContextTokens = 1000
	// DefaultHistoryWindow is how many recent messages go into a reply prompt.
	DefaultHistoryWindow = 50
)

const transcriptTimeLayout = "2006-01-02 15:04"

// Composer assembles generation prompts from a contact's transcript, the
// business description and similar past messages.
type Composer struct {
	MaxContextTokens int
	HistoryWindow    int
}

// New creates a Composer. maxContextTokens bounds the similar-message block;
// historyWindow bounds the transcript. Non-positive values use the defaults.
func New(maxContextTokens, historyWindow int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	return &Composer{MaxContextTokens: maxContextTokens, HistoryWindow: historyWindow}
}

// ReplyInput is everything a reply prompt is built from.
type ReplyInput struct {
	Business    string
	ContactName string
	History     []state.Message
	Inbound     string
	Similar     []memory.ScoredRecord
}

// Reply builds the auto-reply prompt.
func (c *Composer) Reply(in ReplyInput) string {
	window := Window(in.History, c.HistoryWindow)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are texting back on WhatsApp. You work for: %s\n", businessOrDefault(in.Business))
	if in.ContactName != "" {
		fmt.Fprintf(&sb, "You are talking to %s.\n", in.ContactName)
	}
	sb.WriteString("Reply naturally like a real person would: short, clear and human, two to four lines.\n")

	if len(window) > 0 {
		sb.WriteString("\n[Last messages]\n")
		sb.WriteString(Transcript(window))
	}

	if block := c.similarBlock(in.Similar, window, in.Inbound); block != "" {
		sb.WriteString("\n[Related earlier messages]\n")
		sb.WriteString(block)
	}

	fmt.Fprintf(&sb, "\nThey just said: %q\n", in.Inbound)
	sb.WriteString(formatRules)
	return sb.String()
}

// Draft builds the prompt for a message the user will review before sending.
func (c *Composer) Draft(topic, business string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a short WhatsApp message about: %s\n", topic)
	fmt.Fprintf(&sb, "You write on behalf of: %s\n", businessOrDefault(business))
	sb.WriteString("Keep it friendly and human, two to four lines.\n")
	sb.WriteString(formatRules)
	return sb.String()
}

// Invite is the fixed meeting invitation sent to a contact.
func Invite(name string, at time.Time) string {
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, I've scheduled our meeting on %s at %s.", name, at.Format("January 2, 2006"), at.Format("3:04 PM"))
}

const formatRules = `
Output rules:
- Write exactly the reply text and nothing else.
- No preamble or labels such as "Reply:", no options, no explanations.
- No markdown and no code fences.
- Do not wrap the text in quotes.
`

func businessOrDefault(b string) string {
	if strings.TrimSpace(b) == "" {
		return "a small business"
	}
	return b
}

// Window returns the last n messages of history.
func Window(history []state.Message, n int) []state.Message {
	if n > 0 && len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

// Transcript renders messages oldest first, one per line, tagged ME or THEM.
func Transcript(msgs []state.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		role := "THEM"
		if m.Sender == state.SenderMe {
			role = "ME"
		}
		ts := time.UnixMilli(m.Timestamp).UTC().Format(transcriptTimeLayout)
		fmt.Fprintf(&sb, "%s [%s]: %s\n", role, ts, m.Text)
	}
	return sb.String()
}

// similarBlock lists retrieved messages by descending score, skipping texts
// already visible in the window, and stops adding at the token budget.
func (c *Composer) similarBlock(similar []memory.ScoredRecord, window []state.Message, inbound string) string {
	if len(similar) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(window)+1)
	seen[inbound] = true
	for _, m := range window {
		seen[m.Text] = true
	}

	sorted := make([]memory.ScoredRecord, len(similar))
	copy(sorted, similar)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := c.MaxContextTokens
	var sb strings.Builder
	for _, r := range sorted {
		if seen[r.Text] {
			continue
		}
		seen[r.Text] = true
		entry := fmt.Sprintf("- %s\n", r.Text)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
