package memory

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/kalambet/autowa/internal/state"
)

// mockEmbedder returns a fixed vector per text, or err when set.
type mockEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newTestStore(t *testing.T, emb *mockEmbedder) (*Store, *state.Store) {
	t.Helper()
	st := state.NewStore(nil)
	return New(st, emb), st
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, []float32{1}, 0},
		{"shared prefix", []float32{1, 0}, []float32{1, 0, 5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
			if back := Cosine(tt.b, tt.a); math.Abs(float64(back-got)) > 1e-6 {
				t.Errorf("Cosine not symmetric: %v vs %v", got, back)
			}
			if got < -1-1e-6 || got > 1+1e-6 {
				t.Errorf("Cosine = %v out of [-1, 1]", got)
			}
		})
	}
}

func TestInsert_CreatesContactAndPersists(t *testing.T) {
	emb := &mockEmbedder{vectors: map[string][]float32{"hello": {1, 0, 0}}}
	s, st := newTestStore(t, emb)
	ctx := context.Background()

	id, err := s.Insert(ctx, "42", "hello", Meta{Sender: "42", Receiver: state.SenderMe, Timestamp: 1000})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == "" {
		t.Fatal("Insert returned empty id")
	}

	st.View(ctx, func(snap *state.Snapshot) error {
		if snap.ContactIndex("42") < 0 {
			t.Error("contact 42 not created with record")
		}
		if snap.Dimension != 3 {
			t.Errorf("Dimension = %d, want 3", snap.Dimension)
		}
		if len(snap.Vectors) != 1 || snap.Vectors[0].ID != id || snap.Vectors[0].TS != 1000 {
			t.Errorf("Vectors = %+v", snap.Vectors)
		}
		return nil
	})
}

func TestInsert_DimensionMismatch(t *testing.T) {
	emb := &mockEmbedder{vectors: map[string][]float32{"a": {1, 0, 0}, "b": {1, 0}}}
	s, _ := newTestStore(t, emb)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "1", "a", Meta{}); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	_, err := s.Insert(ctx, "1", "b", Meta{})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
	if n, _ := s.Count(ctx, ""); n != 1 {
		t.Errorf("Count = %d, want 1 (rejected record not stored)", n)
	}
}

func TestInsert_EmbeddingFailure(t *testing.T) {
	emb := &mockEmbedder{err: errors.New("provider down")}
	s, _ := newTestStore(t, emb)

	_, err := s.Insert(context.Background(), "1", "x", Meta{})
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("error = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestSearch_NoCandidatesSkipsEmbedding(t *testing.T) {
	emb := &mockEmbedder{}
	s, _ := newTestStore(t, emb)

	got, err := s.Search(context.Background(), "nobody", "query", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Search = %v, want empty", got)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times, want 0", emb.calls)
	}
}

func TestSearch_OrderingAndTies(t *testing.T) {
	emb := &mockEmbedder{vectors: map[string][]float32{
		"query": {1, 0},
		"best":  {1, 0},
		"tie-1": {1, 1},
		"tie-2": {2, 2},
		"worst": {0, 1},
		"other": {1, 0},
	}}
	s, _ := newTestStore(t, emb)
	ctx := context.Background()

	for _, text := range []string{"worst", "tie-1", "best", "tie-2"} {
		if _, err := s.Insert(ctx, "c1", text, Meta{}); err != nil {
			t.Fatalf("Insert %q: %v", text, err)
		}
	}
	if _, err := s.Insert(ctx, "c2", "other", Meta{}); err != nil {
		t.Fatalf("Insert other: %v", err)
	}

	for run := 0; run < 3; run++ {
		got, err := s.Search(ctx, "c1", "query", 3)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		want := []string{"best", "tie-1", "tie-2"}
		if len(got) != len(want) {
			t.Fatalf("Search = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("run %d: Search = %v, want %v", run, got, want)
			}
		}
	}

	all, err := s.Search(ctx, "c1", "query", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 4 || all[3] != "worst" {
		t.Errorf("Search(k=10) = %v, want 4 results ending with worst", all)
	}
}

func TestSearch_QueryDimensionMismatch(t *testing.T) {
	emb := &mockEmbedder{vectors: map[string][]float32{"a": {1, 0, 0}, "q": {1, 0}}}
	s, _ := newTestStore(t, emb)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "1", "a", Meta{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Search(ctx, "1", "q", 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestClearAndClearContact(t *testing.T) {
	emb := &mockEmbedder{}
	s, _ := newTestStore(t, emb)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "a"} {
		if _, err := s.Insert(ctx, c, "m", Meta{}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := s.ClearContact(ctx, "a"); err != nil {
		t.Fatalf("ClearContact: %v", err)
	}
	all, _ := s.ListAll(ctx)
	if len(all) != 1 || all[0].ContactID != "b" {
		t.Errorf("ListAll after ClearContact = %+v", all)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Count(ctx, ""); n != 0 {
		t.Errorf("Count after Clear = %d, want 0", n)
	}
	if d, _ := s.Dimension(ctx); d != 0 {
		t.Errorf("Dimension after Clear = %d, want 0", d)
	}
}
