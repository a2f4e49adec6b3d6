// Package conversation manages contacts, per-contact message history and
// auto-reply toggles on top of the shared state snapshot.
package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/kalambet/autowa/internal/state"
)

// ErrUnknownContact is returned by operations that require an existing contact.
var ErrUnknownContact = errors.New("unknown contact")

type State struct {
	store *state.Store
}

func New(store *state.Store) *State {
	return &State{store: store}
}

// UpsertContact creates the contact if absent, otherwise merges the non-zero
// fields of c over the stored ones. A newer timestamp moves the contact to
// the front of the list.
func (s *State) UpsertContact(ctx context.Context, c state.Contact) error {
	if c.ID == "" {
		return errors.New("contact id is required")
	}
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		upsert(snap, c)
		return nil
	})
}

func upsert(snap *state.Snapshot, c state.Contact) {
	i := snap.ContactIndex(c.ID)
	if i < 0 {
		snap.Contacts = append([]state.Contact{c}, snap.Contacts...)
		return
	}
	cur := snap.Contacts[i]
	if c.Name != "" {
		cur.Name = c.Name
	}
	if c.LastMessage != "" {
		cur.LastMessage = c.LastMessage
	}
	moved := c.Timestamp > cur.Timestamp
	if moved {
		cur.Timestamp = c.Timestamp
	}
	snap.Contacts[i] = cur
	if moved {
		moveToFront(snap.Contacts, i)
	}
}

func moveToFront(contacts []state.Contact, i int) {
	c := contacts[i]
	copy(contacts[1:i+1], contacts[:i])
	contacts[0] = c
}

// AppendMessage appends msg to the contact's history, creating the contact
// when unseen. A message older than the contact's last activity leaves the
// contact's summary and list position alone.
func (s *State) AppendMessage(ctx context.Context, contactID string, msg state.Message) error {
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		snap.Chats[contactID] = append(snap.Chats[contactID], msg)
		i := snap.ContactIndex(contactID)
		if i < 0 {
			snap.Contacts = append([]state.Contact{{ID: contactID, Timestamp: msg.Timestamp, LastMessage: msg.Text}}, snap.Contacts...)
			return nil
		}
		cur := &snap.Contacts[i]
		if msg.Timestamp < cur.Timestamp {
			return nil
		}
		cur.LastMessage = msg.Text
		moved := msg.Timestamp > cur.Timestamp
		if moved {
			cur.Timestamp = msg.Timestamp
			moveToFront(snap.Contacts, i)
		}
		return nil
	})
}

// ClearContact empties one contact's history. The contact record stays.
func (s *State) ClearContact(ctx context.Context, contactID string) error {
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		delete(snap.Chats, contactID)
		return nil
	})
}

// Rename sets a custom name. Custom names are never overwritten by profile
// names arriving with webhooks.
func (s *State) Rename(ctx context.Context, contactID, name string) error {
	name = strings.TrimSpace(name)
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		i := snap.ContactIndex(contactID)
		if i < 0 {
			return ErrUnknownContact
		}
		snap.Contacts[i].Name = name
		return nil
	})
}

// ApplyProfileName names the contact only when it has no name yet.
func (s *State) ApplyProfileName(ctx context.Context, contactID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		c := snap.EnsureContact(contactID, 0)
		if c.Name == "" {
			c.Name = name
		}
		return nil
	})
}

// Contacts returns all contacts, most recent activity first.
func (s *State) Contacts(ctx context.Context) ([]state.Contact, error) {
	var out []state.Contact
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		out = append([]state.Contact(nil), snap.Contacts...)
		return nil
	})
	return out, err
}

// Contact returns a contact by id.
func (s *State) Contact(ctx context.Context, id string) (state.Contact, bool, error) {
	var (
		c  state.Contact
		ok bool
	)
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		if i := snap.ContactIndex(id); i >= 0 {
			c, ok = snap.Contacts[i], true
		}
		return nil
	})
	return c, ok, err
}

// History returns the last limit messages of a contact in chronological
// order. limit <= 0 returns the whole history.
func (s *State) History(ctx context.Context, contactID string, limit int) ([]state.Message, error) {
	var out []state.Message
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		msgs := snap.Chats[contactID]
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		out = append([]state.Message(nil), msgs...)
		return nil
	})
	return out, err
}
