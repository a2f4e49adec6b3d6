// Package state holds the single serialized document shared by the
// conversation state and the vector memory, and the port used to persist it.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 1

// SenderMe marks messages sent by the account owner.
const SenderMe = "me"

// ErrUnsupportedVersion is returned when a stored snapshot was written by a
// newer schema than this build understands.
var ErrUnsupportedVersion = errors.New("unsupported state version")

type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
	Timestamp   int64  `json:"timestamp"` // unix ms of last activity
}

// DisplayName returns the contact's name, or its id when unnamed.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

type Message struct {
	Sender    string `json:"sender"` // SenderMe or the contact id
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type VectorRecord struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contact_id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
	Sender    string    `json:"sender,omitempty"`
	Receiver  string    `json:"receiver,omitempty"`
	TS        int64     `json:"ts"`
}

type AutoReplyPolicy struct {
	Global     bool            `json:"global"`
	PerContact map[string]bool `json:"per_contact,omitempty"`
}

// Effective returns the per-contact override when present, else the global toggle.
func (p AutoReplyPolicy) Effective(contactID string) bool {
	if v, ok := p.PerContact[contactID]; ok {
		return v
	}
	return p.Global
}

// Snapshot is the whole persisted document.
type Snapshot struct {
	Version   int                  `json:"version"`
	Contacts  []Contact            `json:"contacts"` // newest activity first
	Chats     map[string][]Message `json:"chats"`
	Vectors   []VectorRecord       `json:"vectors"` // insertion order
	Dimension int                  `json:"dimension,omitempty"`
	AutoReply AutoReplyPolicy      `json:"auto_reply"`
}

// ContactIndex returns the position of id in Contacts, or -1.
func (s *Snapshot) ContactIndex(id string) int {
	for i := range s.Contacts {
		if s.Contacts[i].ID == id {
			return i
		}
	}
	return -1
}

// EnsureContact returns the contact with id, creating it at the front of the
// list when unseen.
func (s *Snapshot) EnsureContact(id string, ts int64) *Contact {
	if i := s.ContactIndex(id); i >= 0 {
		return &s.Contacts[i]
	}
	s.Contacts = append([]Contact{{ID: id, Timestamp: ts}}, s.Contacts...)
	return &s.Contacts[0]
}

// Persister loads and saves the encoded snapshot. Load returns nil data when
// nothing has been stored yet.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

type Option func(*Store)

// WithDefaultAutoReply sets the global toggle used when no snapshot exists yet.
func WithDefaultAutoReply(enabled bool) Option {
	return func(s *Store) { s.defaultAutoReply = enabled }
}

// Store guards the snapshot and writes it back in full after every update.
// A nil Persister keeps the state in memory only.
type Store struct {
	mu               sync.Mutex
	persister        Persister
	snap             *Snapshot
	defaultAutoReply bool
}

func NewStore(p Persister, opts ...Option) *Store {
	s := &Store{persister: p, defaultAutoReply: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// View calls fn with the current snapshot under the lock. fn must not keep
// references past its return.
func (s *Store) View(ctx context.Context, fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	return fn(s.snap)
}

// Update calls fn with the snapshot under the lock and persists the result.
// When fn returns an error nothing is saved, so fn should validate before
// mutating. When the save fails the in-memory snapshot is discarded and the
// next access reloads the last persisted one.
func (s *Store) Update(ctx context.Context, fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	if err := fn(s.snap); err != nil {
		return err
	}
	if err := s.saveLocked(ctx); err != nil {
		s.snap = nil
		return err
	}
	return nil
}

// Export returns the encoded snapshot.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(s.snap)
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.snap != nil {
		return nil
	}
	var data []byte
	if s.persister != nil {
		var err error
		if data, err = s.persister.Load(ctx); err != nil {
			return fmt.Errorf("loading state: %w", err)
		}
	}
	snap, err := Decode(data, s.defaultAutoReply)
	if err != nil {
		return err
	}
	s.snap = snap
	return nil
}

func (s *Store) saveLocked(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	data, err := json.Marshal(s.snap)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := s.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// Decode parses an encoded snapshot. Empty data yields a fresh snapshot with
// the given global auto-reply toggle.
func Decode(data []byte, defaultAutoReply bool) (*Snapshot, error) {
	snap := &Snapshot{
		Version:   CurrentVersion,
		AutoReply: AutoReplyPolicy{Global: defaultAutoReply},
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, snap); err != nil {
			return nil, fmt.Errorf("decoding state: %w", err)
		}
		if snap.Version > CurrentVersion {
			return nil, fmt.Errorf("%w: %d (this build reads up to %d)", ErrUnsupportedVersion, snap.Version, CurrentVersion)
		}
		snap.Version = CurrentVersion
	}
	if snap.Chats == nil {
		snap.Chats = make(map[string][]Message)
	}
	if snap.AutoReply.PerContact == nil {
		snap.AutoReply.PerContact = make(map[string]bool)
	}
	return snap, nil
}
