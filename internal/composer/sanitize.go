package composer

import "strings"

// Lower-cased labels models tend to put before the actual reply.
var replyPrefixes = []string{
	"okay, here's a draft reply:",
	"here's a draft reply:",
	"here's a reply:",
	"draft reply:",
	"reply:",
	"response:",
	"message:",
}

var quotePairs = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"“", "”"},
	{"‘", "’"},
}

// Sanitize reduces generated text to the bare reply: it trims whitespace,
// drops code fence markers and a leading label, and removes one layer of
// quotes when the whole text is wrapped in a matching pair.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		s = s[3:]
		// A language tag occupies the rest of the opening fence line.
		if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], " \t") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))

	lower := strings.ToLower(s)
	for _, p := range replyPrefixes {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}

	for _, q := range quotePairs {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
			break
		}
	}
	return s
}
