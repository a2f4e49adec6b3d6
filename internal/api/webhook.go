package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/autowa/internal/pipeline"
	"github.com/kalambet/autowa/internal/whatsapp"
)

func handleVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge, err := whatsapp.VerifyWebhook(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), deps.VerifyToken)
		if err != nil {
			slog.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, challenge)
	}
}

// handleWebhook always answers 200 so the Cloud API does not redeliver;
// failures are visible in the run log instead.
func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		r.Body.Close()
		if err != nil {
			slog.Warn("reading webhook body", "error", err)
			writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
			return
		}

		var processed, replied int
		if deps.Orchestrator != nil {
			// A client disconnect must not abort a half-finished run.
			results := deps.Orchestrator.HandleWebhook(context.WithoutCancel(r.Context()), body)
			processed = len(results)
			for _, res := range results {
				if res.State == pipeline.StateRecorded {
					replied++
				}
			}
		}
		slog.Debug("webhook handled", "events", processed, "replied", replied)
		writeJSON(w, http.StatusOK, map[string]any{"status": "received", "events": processed})
	}
}
