package whatsapp

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/kalambet/autowa/internal/command"
)

// ErrNotSendCommand is returned when the dispatched text is not a send.
var ErrNotSendCommand = errors.New("not a send command")

// Dispatcher executes textual send commands against the Cloud API.
type Dispatcher struct {
	client *Client
}

func NewDispatcher(client *Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Send parses cmd (`send "<text>" to <name>`), resolves the recipient
// through aliases and delivers the text.
func (d *Dispatcher) Send(ctx context.Context, token, phoneNumberID string, aliases map[string]string, cmd string) (SendResult, error) {
	intent, ok := command.Parse(cmd).(command.SendMessage)
	if !ok {
		return SendResult{}, ErrNotSendCommand
	}
	to := ResolveAlias(aliases, intent.RecipientRaw)
	return d.client.SendText(ctx, token, phoneNumberID, to, intent.Text)
}

// ResolveAlias maps a recipient name to a phone number. Keys of aliases are
// lower-case. It tries a direct key, then a key containing the name or
// contained in it (keys in sorted order), and otherwise returns name as is.
func ResolveAlias(aliases map[string]string, name string) string {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return name
	}
	if v, ok := aliases[q]; ok {
		return v
	}

	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k != "" && (strings.Contains(k, q) || strings.Contains(q, k)) {
			return aliases[k]
		}
	}
	return strings.TrimSpace(name)
}
