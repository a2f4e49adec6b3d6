package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/autowa/internal/command"
	"github.com/kalambet/autowa/internal/composer"
)

// ErrUnrecognized is returned for text that matches no command.
var ErrUnrecognized = errors.New("unrecognized command")

// CommandResult describes what a user-issued command did.
type CommandResult struct {
	Kind      string    `json:"kind"`
	ContactID string    `json:"contact_id,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Text      string    `json:"text,omitempty"`
	Title     string    `json:"title,omitempty"`
	At        time.Time `json:"at,omitzero"`
	Sent      bool      `json:"sent"`
	MessageID string    `json:"message_id,omitempty"`
}

// Command parses and executes raw. Sends and invites are dispatched and
// recorded only after the transport accepted them; drafts are returned
// without sending.
func (o *Orchestrator) Command(ctx context.Context, raw string) (CommandResult, error) {
	switch in := command.Parse(raw).(type) {
	case command.SendMessage:
		res := CommandResult{Kind: in.Kind(), Text: in.Text}
		return o.sendTo(ctx, res, in.RecipientRaw, in.Text)

	case command.DraftMessage:
		res := CommandResult{Kind: in.Kind()}
		if o.gen == nil {
			return res, errors.New("no generation provider configured")
		}
		gctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
		text, err := o.gen.Generate(gctx, o.composer.Draft(in.Topic, o.cfg.Business))
		if err != nil {
			return res, fmt.Errorf("generating draft: %w", err)
		}
		res.Text = composer.Sanitize(text)
		return res, nil

	case command.ScheduleMeeting:
		at := in.Resolve(o.now())
		res := CommandResult{Kind: in.Kind(), Title: in.Title, At: at}
		if in.RecipientRaw == "" {
			return res, nil
		}
		name := in.RecipientRaw
		if c, ok, err := o.conv.ResolveByFuzzyName(ctx, in.RecipientRaw); err == nil && ok && c.Name != "" {
			name = c.Name
		}
		invite := composer.Invite(name, at)
		res.Text = invite
		return o.sendTo(ctx, res, in.RecipientRaw, invite)

	case command.Unrecognized:
		return CommandResult{Kind: in.Kind()}, fmt.Errorf("%w: %q", ErrUnrecognized, in.Raw)
	}
	return CommandResult{}, ErrUnrecognized
}

// sendTo resolves recipient through fuzzy contact resolution, falling back
// to the literal text, then dispatches text and records it.
func (o *Orchestrator) sendTo(ctx context.Context, res CommandResult, recipient, text string) (CommandResult, error) {
	target := strings.TrimSpace(recipient)
	contactID := ""
	c, ok, err := o.conv.ResolveByFuzzyName(ctx, recipient)
	if err != nil {
		return res, err
	}
	if ok {
		contactID = c.ID
		if target, err = o.conv.DispatchTarget(ctx, c.ID); err != nil {
			return res, err
		}
	}

	lockKey := contactID
	if lockKey == "" {
		lockKey = target
	}
	unlock := o.locks.Lock(lockKey)
	defer unlock()

	run := Result{RunID: uuid.New().String(), ContactID: contactID, State: StateSanitized, Reply: text}
	defer func() { o.saveRun("command", "", run) }()

	sent, err := o.send(ctx, text, target)
	if err != nil {
		run = o.fail(run, StateDispatched, err)
		return res, fmt.Errorf("dispatching: %w", err)
	}
	res.Sent = true
	res.MessageID = sent.MessageID
	run.State = StateDispatched

	if contactID == "" {
		contactID = sent.To
		if contactID == "" {
			contactID = target
		}
		run.ContactID = contactID
	}
	res.ContactID = contactID
	res.Recipient = target

	if err := o.record(ctx, contactID, text); err != nil {
		run = o.fail(run, StateRecorded, err)
		return res, fmt.Errorf("recording sent message: %w", err)
	}
	run.State = StateRecorded
	return res, nil
}
