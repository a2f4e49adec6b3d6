package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/autowa/internal/state"
)

func TestCommand_SendResolvesFuzzyName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conv.UpsertContact(ctx, state.Contact{ID: "15550001", Name: "Alice Smith"})

	res, err := f.orch.Command(ctx, `send "running late" to alice`)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !res.Sent || res.ContactID != "15550001" || res.Kind != "send" {
		t.Errorf("result = %+v", res)
	}
	sent := f.sender.messages()
	if len(sent) != 1 || sent[0].to != "15550001" || sent[0].text != "running late" {
		t.Errorf("sent = %+v", sent)
	}
	history, _ := f.conv.History(ctx, "15550001", 0)
	if len(history) != 1 || history[0].Sender != state.SenderMe {
		t.Errorf("history = %+v, want the sent message", history)
	}
	if len(f.runs.runs) != 1 || f.runs.runs[0].Kind != "command" || f.runs.runs[0].State != string(StateRecorded) {
		t.Errorf("runs = %+v", f.runs.runs)
	}
}

func TestCommand_SendUnknownUsesLiteral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Command(ctx, "send see you soon to 15559999")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if res.ContactID != "15559999" || res.Recipient != "15559999" {
		t.Errorf("result = %+v", res)
	}
	if c, ok, _ := f.conv.Contact(ctx, "15559999"); !ok || c.LastMessage != "see you soon" {
		t.Errorf("contact = %+v, %v", c, ok)
	}
}

func TestCommand_SendFailureNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("network down")
	ctx := context.Background()
	f.conv.UpsertContact(ctx, state.Contact{ID: "1", Name: "Bob"})

	res, err := f.orch.Command(ctx, `send "hi" to Bob`)
	if err == nil || res.Sent {
		t.Fatalf("Command = %+v, %v; want failure", res, err)
	}
	if h, _ := f.conv.History(ctx, "1", 0); len(h) != 0 {
		t.Errorf("history = %+v, want nothing recorded", h)
	}
	if len(f.runs.runs) != 1 || f.runs.runs[0].State != string(StateFailed) {
		t.Errorf("runs = %+v", f.runs.runs)
	}
}

func TestCommand_Draft(t *testing.T) {
	f := newFixture(t)
	f.gen.reply = `"We are closed on Sunday."`

	res, err := f.orch.Command(context.Background(), "/draft sunday opening hours")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if res.Kind != "draft" || res.Text != "We are closed on Sunday." || res.Sent {
		t.Errorf("result = %+v", res)
	}
	if len(f.sender.messages()) != 0 {
		t.Error("draft must not be sent")
	}
}

func TestCommand_DraftGenerationFailure(t *testing.T) {
	f := newFixture(t)
	f.gen.err = errors.New("down")
	if _, err := f.orch.Command(context.Background(), "/draft promo"); err == nil {
		t.Error("expected error when draft generation fails")
	}
}

func TestCommand_ScheduleSendsInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conv.UpsertContact(ctx, state.Contact{ID: "15550001", Name: "Alice"})

	res, err := f.orch.Command(ctx, "/schedule meeting with alice at tomorrow 5pm")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	want := time.Date(2025, 10, 16, 17, 0, 0, 0, time.UTC)
	if !res.At.Equal(want) {
		t.Errorf("At = %v, want %v", res.At, want)
	}
	if res.Text != "Hi Alice, I've scheduled our meeting on October 16, 2025 at 5:00 PM." {
		t.Errorf("invite = %q", res.Text)
	}
	sent := f.sender.messages()
	if len(sent) != 1 || sent[0].to != "15550001" || sent[0].text != res.Text {
		t.Errorf("sent = %+v", sent)
	}
}

func TestCommand_ScheduleWithoutRecipient(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.Command(context.Background(), "/schedule standup at 9:30")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if res.Sent || res.At.IsZero() {
		t.Errorf("result = %+v", res)
	}
	if len(f.sender.messages()) != 0 {
		t.Error("nothing should be sent without a recipient")
	}
}

func TestCommand_Unrecognized(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.Command(context.Background(), "what's up")
	if !errors.Is(err, ErrUnrecognized) {
		t.Errorf("err = %v, want ErrUnrecognized", err)
	}
	if res.Kind != "unrecognized" {
		t.Errorf("Kind = %q", res.Kind)
	}
	if contacts, _ := f.conv.Contacts(context.Background()); len(contacts) != 0 {
		t.Error("unrecognized command had side effects")
	}
}
