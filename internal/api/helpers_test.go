package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/autowa/internal/conversation"
	"github.com/kalambet/autowa/internal/memory"
	"github.com/kalambet/autowa/internal/pipeline"
	"github.com/kalambet/autowa/internal/state"
	"github.com/kalambet/autowa/internal/storage"
	"github.com/kalambet/autowa/internal/whatsapp"
)

const (
	testToken       = "test-token-12345"
	testVerifyToken = "verify-me"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 0}, nil
}

type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Generate(_ context.Context, _ string) (string, error) {
	return g.reply, g.err
}

type outbound struct {
	To   string
	Body string
}

// fakeGraph stands in for the WhatsApp Cloud API.
type fakeGraph struct {
	mu   sync.Mutex
	sent []outbound
}

func (f *fakeGraph) handler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To   string `json:"to"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.sent = append(f.sent, outbound{To: body.To, Body: body.Text.Body})
	n := len(f.sent)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.%d"}]}`, n)
}

func (f *fakeGraph) messages() []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbound(nil), f.sent...)
}

type testEnv struct {
	handler http.Handler
	deps    Deps
	conv    *conversation.State
	mem     *memory.Store
	store   *storage.Store
	gen     *stubGenerator
	graph   *fakeGraph
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	graph := &fakeGraph{}
	srv := httptest.NewServer(http.HandlerFunc(graph.handler))
	t.Cleanup(srv.Close)

	st := state.NewStore(storage.BlobPersister{Store: store, Key: "state"})
	conv := conversation.New(st)
	mem := memory.New(st, stubEmbedder{})
	gen := &stubGenerator{reply: "Yes, fresh this morning!"}
	orch := pipeline.New(conv, mem, gen, whatsapp.NewDispatcher(whatsapp.NewClient(srv.URL)),
		pipeline.Config{Business: "Bella's Bakery", AccessToken: "wa-token", PhoneNumberID: "PNID"},
		pipeline.WithRunLog(store),
		pipeline.WithJobQueue(store),
	)

	deps := Deps{
		Conv:         conv,
		Memory:       mem,
		Orchestrator: orch,
		Runs:         store,
		Jobs:         store,
		VerifyToken:  testVerifyToken,
		Token:        testToken,
		Version:      "test",
	}
	return &testEnv{
		handler: NewHandler(deps),
		deps:    deps,
		conv:    conv,
		mem:     mem,
		store:   store,
		gen:     gen,
		graph:   graph,
	}
}

func (e *testEnv) do(t *testing.T, method, url, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return serve(e.handler, req)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func textWebhook(from, name, text string) string {
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{
		"contacts":[{"wa_id":%q,"profile":{"name":%q}}],
		"messages":[{"from":%q,"id":"wamid.IN","timestamp":"1760522400","type":"text","text":{"body":%q}}]
	}}]}]}`, from, name, from, text)
}

func authRequest(method, url, token string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
