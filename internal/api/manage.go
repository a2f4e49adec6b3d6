package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/autowa/internal/conversation"
	"github.com/kalambet/autowa/internal/memory"
	"github.com/kalambet/autowa/internal/pipeline"
	"github.com/kalambet/autowa/internal/state"
	"github.com/kalambet/autowa/internal/storage"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 50
)

// ContactView is a contact as the API reports it.
type ContactView struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name"`
	LastMessage string `json:"last_message,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	AutoReply   bool   `json:"auto_reply"`
	Override    *bool  `json:"auto_reply_override,omitempty"`
}

// RunView is one entry of the run log.
type RunView struct {
	ID          string    `json:"id"`
	ContactID   string    `json:"contact_id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	FailedStep  string    `json:"failed_step,omitempty"`
	Error       string    `json:"error,omitempty"`
	InboundText string    `json:"inbound_text,omitempty"`
	ReplyText   string    `json:"reply_text,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	Query     string `json:"query"`
	ContactID string `json:"contact_id"`
	NResults  int    `json:"n_results"`
}

// SearchHit is one similar message.
type SearchHit struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Sender    string  `json:"sender,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Score     float32 `json:"score"`
}

// StatusView summarizes the engine state.
type StatusView struct {
	Version   string         `json:"version,omitempty"`
	Contacts  int            `json:"contacts"`
	Vectors   int            `json:"vectors"`
	Dimension int            `json:"dimension"`
	AutoReply bool           `json:"auto_reply"`
	Jobs      map[string]int `json:"jobs,omitempty"`
}

func contactView(c state.Contact, p state.AutoReplyPolicy) ContactView {
	v := ContactView{
		ID:          c.ID,
		Name:        c.Name,
		DisplayName: c.DisplayName(),
		LastMessage: c.LastMessage,
		Timestamp:   c.Timestamp,
		AutoReply:   p.Global && p.Effective(c.ID),
	}
	if o, ok := p.PerContact[c.ID]; ok {
		v.Override = &o
	}
	return v
}

func runView(r storage.Run) RunView {
	return RunView{
		ID:          r.ID,
		ContactID:   r.ContactID,
		Kind:        r.Kind,
		State:       r.State,
		FailedStep:  r.FailedStep,
		Error:       r.Error,
		InboundText: r.InboundText,
		ReplyText:   r.ReplyText,
		CreatedAt:   r.CreatedAt,
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		contacts, err := deps.Conv.Contacts(ctx)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list contacts: %v", err)
			return
		}
		policy, err := deps.Conv.AutoReplyPolicy(ctx)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read auto-reply policy: %v", err)
			return
		}
		st := StatusView{Version: deps.Version, Contacts: len(contacts), AutoReply: policy.Global}
		if st.Vectors, err = deps.Memory.Count(ctx, ""); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count vectors: %v", err)
			return
		}
		if st.Dimension, err = deps.Memory.Dimension(ctx); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read dimension: %v", err)
			return
		}
		if deps.Jobs != nil {
			if st.Jobs, err = deps.Jobs.JobCounts(); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleListContacts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contacts, err := deps.Conv.Contacts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list contacts: %v", err)
			return
		}
		policy, err := deps.Conv.AutoReplyPolicy(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read auto-reply policy: %v", err)
			return
		}

		if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
			c, ok := conversation.FuzzyMatch(contacts, q)
			contacts = nil
			if ok {
				contacts = []state.Contact{c}
			}
		}

		out := make([]ContactView, 0, len(contacts))
		for _, c := range contacts {
			out = append(out, contactView(c, policy))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetContact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, ok, err := deps.Conv.Contact(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get contact: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "contact not found")
			return
		}
		policy, err := deps.Conv.AutoReplyPolicy(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read auto-reply policy: %v", err)
			return
		}
		history, err := deps.Conv.History(r.Context(), id, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read history: %v", err)
			return
		}
		if history == nil {
			history = []state.Message{}
		}

		writeJSON(w, http.StatusOK, struct {
			ContactView
			History []state.Message `json:"history"`
		}{contactView(c, policy), history})
	}
}

func handleRenameContact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		err := deps.Conv.Rename(r.Context(), chi.URLParam(r, "id"), req.Name)
		if errors.Is(err, conversation.ErrUnknownContact) {
			httpError(w, http.StatusNotFound, "not_found", "contact not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to rename contact: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

// handleForgetContact drops a contact's history and memory records. The
// contact itself and its auto-reply override stay.
func handleForgetContact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok, err := deps.Conv.Contact(r.Context(), id); err != nil || !ok {
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to get contact: %v", err)
			} else {
				httpError(w, http.StatusNotFound, "not_found", "contact not found")
			}
			return
		}
		if err := deps.Memory.ClearContact(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear memory: %v", err)
			return
		}
		if err := deps.Conv.ClearContact(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func handleGetAutoReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policy, err := deps.Conv.AutoReplyPolicy(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read auto-reply policy: %v", err)
			return
		}
		if policy.PerContact == nil {
			policy.PerContact = map[string]bool{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"global": policy.Global, "per_contact": policy.PerContact})
	}
}

func handleSetGlobalAutoReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
			return
		}
		if err := deps.Conv.SetGlobalAutoReply(r.Context(), *req.Enabled); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set auto-reply: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"global": *req.Enabled})
	}
}

func handleSetContactAutoReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Conv.SetContactAutoReply(r.Context(), id, *req.Enabled); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set auto-reply: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contact_id": id, "enabled": *req.Enabled})
	}
}

func handleClearContactAutoReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Conv.ClearContactAutoReply(r.Context(), chi.URLParam(r, "id")); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear override: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleCommand(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		res, err := deps.Orchestrator.Command(r.Context(), req.Text)
		switch {
		case errors.Is(err, pipeline.ErrUnrecognized):
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "unrecognized command: %q", req.Text)
		case err != nil:
			httpError(w, http.StatusBadGateway, "api_error", "command failed: %v", err)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.ContactID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query and contact_id are required")
			return
		}

		hits, err := search(r.Context(), deps.Memory, req)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contact_id": req.ContactID, "results": hits})
	}
}

func search(ctx context.Context, mem *memory.Store, req SearchRequest) ([]SearchHit, error) {
	n := req.NResults
	if n <= 0 {
		n = defaultSearchResults
	}
	n = min(n, maxSearchResults)

	scored, err := mem.SearchScored(ctx, req.ContactID, req.Query, n)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(scored))
	for _, s := range scored {
		hits = append(hits, SearchHit{ID: s.ID, Text: s.Text, Sender: s.Sender, Timestamp: s.TS, Score: s.Score})
	}
	return hits, nil
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "run log requires the sqlite storage backend")
			return
		}
		runs, err := deps.Runs.RecentRuns(r.URL.Query().Get("contact"), parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		out := make([]RunView, 0, len(runs))
		for _, run := range runs {
			out = append(out, runView(run))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "run log requires the sqlite storage backend")
			return
		}
		run, err := deps.Runs.GetRun(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, runView(run))
	}
}
