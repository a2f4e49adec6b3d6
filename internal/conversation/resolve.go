package conversation

import (
	"context"
	"strings"

	"github.com/kalambet/autowa/internal/state"
)

// ResolveByExactName matches name case-insensitively against contact names
// first, then against ids.
func (s *State) ResolveByExactName(ctx context.Context, name string) (state.Contact, bool, error) {
	var (
		c  state.Contact
		ok bool
	)
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		c, ok = exactMatch(snap.Contacts, normalize(name))
		return nil
	})
	return c, ok, err
}

// ResolveByFuzzyName tries, in order: an exact name or id match, the first
// contact whose name or id contains the query, and the first contact whose
// name and id together contain every query token. Ties go to the earlier
// contact in list order. An empty query matches nothing.
func (s *State) ResolveByFuzzyName(ctx context.Context, query string) (state.Contact, bool, error) {
	var (
		c  state.Contact
		ok bool
	)
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		c, ok = FuzzyMatch(snap.Contacts, query)
		return nil
	})
	return c, ok, err
}

// FuzzyMatch applies the fuzzy resolution tiers to a contact list.
func FuzzyMatch(contacts []state.Contact, query string) (state.Contact, bool) {
	q := normalize(query)
	if q == "" {
		return state.Contact{}, false
	}
	if c, ok := exactMatch(contacts, q); ok {
		return c, true
	}
	for _, c := range contacts {
		if strings.Contains(normalize(c.Name), q) || strings.Contains(normalize(c.ID), q) {
			return c, true
		}
	}
	tokens := strings.Fields(q)
	for _, c := range contacts {
		hay := normalize(c.Name) + " " + normalize(c.ID)
		if containsAll(hay, tokens) {
			return c, true
		}
	}
	return state.Contact{}, false
}

func exactMatch(contacts []state.Contact, q string) (state.Contact, bool) {
	if q == "" {
		return state.Contact{}, false
	}
	for _, c := range contacts {
		if c.Name != "" && normalize(c.Name) == q {
			return c, true
		}
	}
	for _, c := range contacts {
		if normalize(c.ID) == q {
			return c, true
		}
	}
	return state.Contact{}, false
}

func containsAll(hay string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(hay, t) {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Aliases returns the lower-cased lookup table handed to the dispatcher:
// every contact's name and id map to its id.
func (s *State) Aliases(ctx context.Context) (map[string]string, error) {
	aliases := make(map[string]string)
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		// Walk oldest first so newer contacts win on duplicate names.
		for i := len(snap.Contacts) - 1; i >= 0; i-- {
			c := snap.Contacts[i]
			aliases[normalize(c.ID)] = c.ID
			if c.Name != "" {
				aliases[normalize(c.Name)] = c.ID
			}
		}
		return nil
	})
	return aliases, err
}

// DispatchTarget returns the name to address a contact by in a send command:
// its display name when that name identifies it unambiguously, else its id.
func (s *State) DispatchTarget(ctx context.Context, contactID string) (string, error) {
	target := contactID
	err := s.store.View(ctx, func(snap *state.Snapshot) error {
		i := snap.ContactIndex(contactID)
		if i < 0 || snap.Contacts[i].Name == "" {
			return nil
		}
		name := normalize(snap.Contacts[i].Name)
		for j, c := range snap.Contacts {
			if j != i && (normalize(c.Name) == name || normalize(c.ID) == name) {
				return nil
			}
		}
		target = snap.Contacts[i].Name
		return nil
	})
	return target, err
}
