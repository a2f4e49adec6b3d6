package conversation

import (
	"context"
	"maps"

	"github.com/kalambet/autowa/internal/state"
)

// EffectiveAutoReply reports whether automated replies are enabled for a contact.
func (s *State) EffectiveAutoReply(ctx context.Context, contactID string) (bool, error) {
	var enabled bool
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		enabled = snap.AutoReply.Effective(contactID)
		return nil
	})
	return enabled, err
}

func (s *State) AutoReplyPolicy(ctx context.Context) (state.AutoReplyPolicy, error) {
	var p state.AutoReplyPolicy
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		p = state.AutoReplyPolicy{Global: snap.AutoReply.Global, PerContact: maps.Clone(snap.AutoReply.PerContact)}
		return nil
	})
	return p, err
}

func (s *State) SetGlobalAutoReply(ctx context.Context, enabled bool) error {
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		snap.AutoReply.Global = enabled
		return nil
	})
}

func (s *State) SetContactAutoReply(ctx context.Context, contactID string, enabled bool) error {
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		snap.AutoReply.PerContact[contactID] = enabled
		return nil
	})
}

// ClearContactAutoReply drops the override so the global toggle applies again.
func (s *State) ClearContactAutoReply(ctx context.Context, contactID string) error {
	return s.store.Update(ctx, func(snap *state.Snapshot) error {
		delete(snap.AutoReply.PerContact, contactID)
		return nil
	})
}
