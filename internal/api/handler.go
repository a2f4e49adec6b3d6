// Package api exposes the engine over HTTP: the WhatsApp webhook, a
// bearer-protected management API and an MCP tool server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/autowa/internal/conversation"
	"github.com/kalambet/autowa/internal/memory"
	"github.com/kalambet/autowa/internal/pipeline"
	"github.com/kalambet/autowa/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RunLister reads the pipeline run log.
type RunLister interface {
	RecentRuns(contactID string, limit int) ([]storage.Run, error)
	GetRun(id string) (storage.Run, error)
}

// JobCounter reports the reindex queue depth.
type JobCounter interface {
	JobCounts() (map[string]int, error)
}

// Deps holds everything the HTTP layer talks to. Runs and Jobs are nil when
// the engine runs on the file backend.
type Deps struct {
	Conv         *conversation.State
	Memory       *memory.Store
	Orchestrator *pipeline.Orchestrator
	Runs         RunLister
	Jobs         JobCounter
	VerifyToken  string
	Token        string
	Version      string
}

// NewHandler builds the top-level router. The webhook and /health are public;
// everything under /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Get("/webhook", handleVerify(deps))
	r.Post("/webhook", handleWebhook(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/contacts", handleListContacts(deps))
		r.Get("/contacts/{id}", handleGetContact(deps))
		r.Patch("/contacts/{id}", handleRenameContact(deps))
		r.Delete("/contacts/{id}/memory", handleForgetContact(deps))
		r.Put("/contacts/{id}/autoreply", handleSetContactAutoReply(deps))
		r.Delete("/contacts/{id}/autoreply", handleClearContactAutoReply(deps))
		r.Get("/autoreply", handleGetAutoReply(deps))
		r.Put("/autoreply", handleSetGlobalAutoReply(deps))
		r.Post("/command", handleCommand(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
