// Package memory is the per-contact semantic memory: message texts with
// their embeddings, searched by cosine similarity.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/autowa/internal/state"
)

var (
	// ErrEmbeddingUnavailable wraps any failure of the embedding provider.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrDimensionMismatch means the provider returned vectors of a different
	// size than the ones already stored. It is a configuration error.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder produces an embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Meta carries the optional fields of an inserted record.
type Meta struct {
	Sender    string
	Receiver  string
	Timestamp int64 // unix ms; zero means now
}

// ScoredRecord is a record with its similarity to the query.
type ScoredRecord struct {
	state.VectorRecord
	Score float32
}

type Store struct {
	state    *state.Store
	embedder Embedder
}

func New(st *state.Store, embedder Embedder) *Store {
	return &Store{state: st, embedder: embedder}
}

// Insert embeds text, appends a record for the contact and persists the
// collection. The contact is created in the same update when unseen.
func (s *Store) Insert(ctx context.Context, contactID, text string, meta Meta) (string, error) {
	vec, err := s.embed(ctx, text)
	if err != nil {
		return "", err
	}

	ts := meta.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	rec := state.VectorRecord{
		ID:        uuid.New().String(),
		ContactID: contactID,
		Text:      text,
		Embedding: vec,
		Sender:    meta.Sender,
		Receiver:  meta.Receiver,
		TS:        ts,
	}

	err = s.state.Update(ctx, func(snap *state.Snapshot) error {
		if err := checkDimension(snap, len(vec)); err != nil {
			return err
		}
		if snap.Dimension == 0 {
			snap.Dimension = len(vec)
		}
		snap.EnsureContact(contactID, ts)
		snap.Vectors = append(snap.Vectors, rec)
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Search returns the texts of the k records of contactID most similar to query.
func (s *Store) Search(ctx context.Context, contactID, query string, k int) ([]string, error) {
	scored, err := s.SearchScored(ctx, contactID, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(scored))
	for i, r := range scored {
		texts[i] = r.Text
	}
	return texts, nil
}

// SearchScored is Search with the records and scores. Equal scores keep
// insertion order. The query is not embedded when the contact has no records.
func (s *Store) SearchScored(ctx context.Context, contactID, query string, k int) ([]ScoredRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	var candidates int
	if err := s.state.View(ctx, func(snap *state.Snapshot) error {
		for i := range snap.Vectors {
			if snap.Vectors[i].ContactID == contactID {
				candidates++
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if candidates == 0 {
		return nil, nil
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var results []ScoredRecord
	err = s.state.View(ctx, func(snap *state.Snapshot) error {
		if err := checkDimension(snap, len(vec)); err != nil {
			return err
		}
		results = topK(snap.Vectors, contactID, vec, k)
		return nil
	})
	return results, err
}

// ListAll returns a copy of every record in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]state.VectorRecord, error) {
	var out []state.VectorRecord
	err := s.state.View(ctx, func(snap *state.Snapshot) error {
		out = append([]state.VectorRecord(nil), snap.Vectors...)
		return nil
	})
	return out, err
}

// Count returns the number of records, optionally restricted to one contact.
func (s *Store) Count(ctx context.Context, contactID string) (int, error) {
	n := 0
	err := s.state.View(ctx, func(snap *state.Snapshot) error {
		for i := range snap.Vectors {
			if contactID == "" || snap.Vectors[i].ContactID == contactID {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Dimension reports the locked vector size, zero while the store is empty.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	n := 0
	err := s.state.View(ctx, func(snap *state.Snapshot) error {
		n = snap.Dimension
		return nil
	})
	return n, err
}

// Clear removes every record and unlocks the dimension.
func (s *Store) Clear(ctx context.Context) error {
	return s.state.Update(ctx, func(snap *state.Snapshot) error {
		snap.Vectors = nil
		snap.Dimension = 0
		return nil
	})
}

// ClearContact removes the records of one contact.
func (s *Store) ClearContact(ctx context.Context, contactID string) error {
	return s.state.Update(ctx, func(snap *state.Snapshot) error {
		kept := snap.Vectors[:0]
		for _, r := range snap.Vectors {
			if r.ContactID != contactID {
				kept = append(kept, r)
			}
		}
		snap.Vectors = kept
		return nil
	})
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: provider returned an empty vector", ErrEmbeddingUnavailable)
	}
	return vec, nil
}

func checkDimension(snap *state.Snapshot, n int) error {
	want := snap.Dimension
	if want == 0 && len(snap.Vectors) > 0 {
		want = len(snap.Vectors[0].Embedding)
	}
	if want != 0 && n != want {
		return fmt.Errorf("%w: got %d, store holds %d", ErrDimensionMismatch, n, want)
	}
	return nil
}

type candidate struct {
	idx   int
	score float32
}

// worstFirst is a min-heap: the lowest score, and among equal scores the
// latest inserted record, sits at the root.
type worstFirst []candidate

func (h worstFirst) Len() int { return len(h) }
func (h worstFirst) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].idx > h[j].idx
}
func (h worstFirst) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

func topK(records []state.VectorRecord, contactID string, query []float32, k int) []ScoredRecord {
	h := &worstFirst{}
	for i := range records {
		if records[i].ContactID != contactID {
			continue
		}
		c := candidate{idx: i, score: Cosine(query, records[i].Embedding)}
		if h.Len() < k {
			heap.Push(h, c)
		} else if c.score > (*h)[0].score {
			// Scanning in insertion order, so an equal score never displaces.
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	out := make([]ScoredRecord, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		out[i] = ScoredRecord{VectorRecord: records[c.idx], Score: c.score}
	}
	return out
}
