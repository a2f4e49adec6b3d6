package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/autowa/internal/command"
	"github.com/kalambet/autowa/internal/config"
	"github.com/kalambet/autowa/internal/state"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// use points every command at ts for the rest of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

// execute runs the CLI with args and returns what it printed to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	origOut, origColor := stdout, noColor
	stdout, noColor = &buf, true
	t.Cleanup(func() {
		stdout, noColor = origOut, origColor
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlag(t *testing.T, set interface{ Set(string, string) error }, name, value string) {
	t.Helper()
	t.Cleanup(func() { set.Set(name, value) })
}

var ctx = context.Background()

func TestParseCommand_Send(t *testing.T) {
	out, err := execute(t, "parse", `send "running late" to Alice`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got struct {
		Kind   string              `json:"kind"`
		Intent command.SendMessage `json:"intent"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Kind != "send" || got.Intent.Text != "running late" || got.Intent.RecipientRaw != "Alice" {
		t.Errorf("parsed = %+v", got)
	}
	if strings.Contains(out, `"at"`) {
		t.Errorf("send intent should carry no time: %s", out)
	}
}

func TestParseCommand_Schedule(t *testing.T) {
	out, err := execute(t, "parse", "/schedule", "fitting", "with", "Bob", "at", "tomorrow", "5pm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"kind": "schedule"`) {
		t.Errorf("kind missing in %s", out)
	}
	if !strings.Contains(out, `"at"`) {
		t.Errorf("resolved time missing in %s", out)
	}
}

func TestParseCommand_Unrecognized(t *testing.T) {
	out, err := execute(t, "parse", "hello there")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"kind": "unrecognized"`) {
		t.Errorf("output = %s", out)
	}
}

func TestSendCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/command": `{"kind":"send","recipient":"15550001","sent":true,"message_id":"wamid.1"}`,
	})
	ts.use(t)
	resetFlag(t, sendCmd.Flags(), "to", "")

	if _, err := execute(t, "send", "--to", "alice", "Your order is ready"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.last(t)
	if r.Method != "POST" || r.Path != "/v1/command" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if want := command.FormatSend("Your order is ready", "alice"); body["text"] != want {
		t.Errorf("text = %q, want %q", body["text"], want)
	}
}

func TestSendCommand_MissingRecipient(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)
	sendCmd.Flags().Set("to", "")

	_, err := execute(t, "send", "hello")
	if err == nil {
		t.Fatal("expected error without --to")
	}
	if !strings.Contains(err.Error(), "--to") {
		t.Errorf("error = %q, want it to mention --to", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("made %d requests, want none", len(ts.requests))
	}
}

func TestDraftCommand_PrintsText(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/command": `{"kind":"draft","text":"We open at 8 on Saturdays.","sent":false}`,
	})
	ts.use(t)

	out, err := execute(t, "draft", "weekend", "hours")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "We open at 8 on Saturdays." {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(ts.last(t).Body, `"/draft weekend hours"`) {
		t.Errorf("body = %s", ts.last(t).Body)
	}
}

func TestRunCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	_, err := execute(t, "run", "/draft", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q", err)
	}
}

func TestContactsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/contacts": `[
			{"id":"15550001","name":"Alice","display_name":"Alice","last_message":"thanks!","timestamp":1700000000000,"auto_reply":true},
			{"id":"15550002","name":"","display_name":"15550002","last_message":"","timestamp":0,"auto_reply":false}
		]`,
	})
	ts.use(t)

	out, err := execute(t, "contacts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Alice", "thanks!", "15550002", "off"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "contacts", "find", "ali ce"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t).Path; got != "/v1/contacts?q=ali+ce" {
		t.Errorf("path = %q", got)
	}
}

func TestContactsList_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /v1/contacts": `[]`})
	ts.use(t)

	out, err := execute(t, "contacts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No contacts found.") {
		t.Errorf("output = %q", out)
	}
}

func TestContactsShow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/contacts/15550001": `{"id":"15550001","display_name":"Alice","auto_reply":true,"history":[
			{"sender":"15550001","text":"is the cake ready?","timestamp":1700000000000},
			{"sender":"me","text":"yes, pick it up any time","timestamp":1700000060000}
		]}`,
	})
	ts.use(t)
	resetFlag(t, contactsShowCmd.Flags(), "limit", "20")

	out, err := execute(t, "contacts", "show", "15550001", "--limit", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t).Path; got != "/v1/contacts/15550001?limit=5" {
		t.Errorf("path = %q", got)
	}
	if !strings.Contains(out, "them is the cake ready?") || !strings.Contains(out, "me   yes, pick it up") {
		t.Errorf("output = %s", out)
	}
}

func TestContactsRename(t *testing.T) {
	ts := newTestServer(t, map[string]string{"PATCH /v1/contacts/15550001": `{}`})
	ts.use(t)

	if _, err := execute(t, "contacts", "rename", "15550001", "Alice", "Smith"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := ts.last(t).Body; body != `{"name":"Alice Smith"}` {
		t.Errorf("body = %s", body)
	}
}

func TestContactsForget_RequiresConfirm(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /v1/contacts/7/memory": `{"deleted":true}`})
	ts.use(t)
	resetFlag(t, contactsForgetCmd.Flags(), "confirm", "false")

	if _, err := execute(t, "contacts", "forget", "7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 0 {
		t.Fatalf("forget without --confirm made %d requests", len(ts.requests))
	}

	if _, err := execute(t, "contacts", "forget", "7", "--confirm"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r := ts.last(t); r.Method != "DELETE" || r.Path != "/v1/contacts/7/memory" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
}

func TestAutoReplyCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/autoreply":               `{"global":true,"per_contact":{"5":false}}`,
		"PUT /v1/autoreply":               `{"global":false}`,
		"PUT /v1/contacts/5/autoreply":    `{}`,
		"DELETE /v1/contacts/5/autoreply": `{}`,
	})
	ts.use(t)

	out, err := execute(t, "autoreply")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Global: on") || !strings.Contains(out, "5: off") {
		t.Errorf("output = %s", out)
	}

	tests := []struct {
		args   []string
		method string
		path   string
		body   string
	}{
		{[]string{"autoreply", "off"}, "PUT", "/v1/autoreply", `{"enabled":false}`},
		{[]string{"autoreply", "on", "5"}, "PUT", "/v1/contacts/5/autoreply", `{"enabled":true}`},
		{[]string{"autoreply", "reset", "5"}, "DELETE", "/v1/contacts/5/autoreply", ""},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			if _, err := execute(t, tt.args...); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			r := ts.last(t)
			if r.Method != tt.method || r.Path != tt.path || r.Body != tt.body {
				t.Errorf("request = %s %s %q, want %s %s %q", r.Method, r.Path, r.Body, tt.method, tt.path, tt.body)
			}
		})
	}
}

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/search": `{"results":[{"id":"v1","text":"chocolate cake for saturday","score":0.91,"timestamp":1700000000000}]}`,
	})
	ts.use(t)
	resetFlag(t, searchCmd.Flags(), "limit", "5")

	out, err := execute(t, "search", "15550001", "birthday", "cake", "--limit", "3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["contact_id"] != "15550001" || body["query"] != "birthday cake" || body["n_results"] != float64(3) {
		t.Errorf("body = %v", body)
	}
	if !strings.Contains(out, "[score: 0.910]") || !strings.Contains(out, "chocolate cake") {
		t.Errorf("output = %s", out)
	}
}

func TestRunsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/runs": `[
			{"id":"r1","contact_id":"1","kind":"reply","state":"FAILED","failed_step":"GENERATED","inbound_text":"hi","created_at":"2026-01-02T10:00:00Z"},
			{"id":"r2","contact_id":"1","kind":"reply","state":"RECORDED","inbound_text":"hello","created_at":"2026-01-02T09:00:00Z"}
		]`,
	})
	ts.use(t)
	resetFlag(t, runsCmd.Flags(), "contact", "")
	resetFlag(t, runsCmd.Flags(), "limit", "20")

	out, err := execute(t, "runs", "--contact", "1", "--limit", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t).Path; got != "/v1/runs?contact=1&limit=5" {
		t.Errorf("path = %q", got)
	}
	if !strings.Contains(out, "FAILED at GENERATED") || !strings.Contains(out, "RECORDED") {
		t.Errorf("output = %s", out)
	}
}

func TestStateSchema(t *testing.T) {
	out, err := execute(t, "state", "schema")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, field := range []string{`"contacts"`, `"chats"`, `"vectors"`, `"auto_reply"`} {
		if !strings.Contains(out, field) {
			t.Errorf("schema missing %s", field)
		}
	}
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()

	be, err := openBackend(config.Config{Storage: config.StorageConfig{DataDir: dir, Backend: "file"}})
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	if be.store != nil {
		t.Error("file backend opened a database")
	}
	if _, ok := be.persister.(state.FilePersister); !ok {
		t.Errorf("persister = %T, want state.FilePersister", be.persister)
	}

	be, err = openBackend(config.Config{Storage: config.StorageConfig{DataDir: dir, Backend: "sqlite"}})
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	defer be.Close()
	if be.store == nil {
		t.Fatal("sqlite backend has no store")
	}
	if err := be.persister.Save(ctx, []byte(`{"version":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := be.persister.Load(ctx)
	if err != nil || string(data) != `{"version":1}` {
		t.Errorf("load = %q, %v", data, err)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir() + "/nested")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present")
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)
	err := ts.client().get(ctx, "/v1/missing", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "server returned 404: not found" {
		t.Errorf("error = %q", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	orig := noColor
	defer func() { noColor = orig }()

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo\nworld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestProviderLabel(t *testing.T) {
	cfg := config.Config{
		Gemini: config.GeminiConfig{Model: "gemini-2.0-flash", EmbedModel: "text-embedding-004"},
		Ollama: config.OllamaConfig{Model: "llama3.2", EmbedModel: "nomic-embed-text"},
	}
	if got := providerLabel(cfg, "gemini", false); got != "gemini (gemini-2.0-flash)" {
		t.Errorf("label = %q", got)
	}
	if got := providerLabel(cfg, "ollama", true); got != "ollama (nomic-embed-text)" {
		t.Errorf("label = %q", got)
	}
}
