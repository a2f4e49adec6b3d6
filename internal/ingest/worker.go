// Package ingest retries memory indexing that failed during a pipeline run.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/autowa/internal/memory"
	"github.com/kalambet/autowa/internal/storage"
)

// JobTypeReindex is the job type for a message that still needs an embedding.
const JobTypeReindex = "reindex_message"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Indexer inserts a message into the semantic memory.
type Indexer interface {
	Insert(ctx context.Context, contactID, text string, meta memory.Meta) (string, error)
}

// ReindexPayload is the JSON payload of a reindex_message job.
type ReindexPayload struct {
	ContactID string `json:"contact_id"`
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewReindexJob builds a queue entry for a message whose indexing failed.
func NewReindexJob(contactID, text string, meta memory.Meta) (storage.Job, error) {
	payload, err := json.Marshal(ReindexPayload{
		ContactID: contactID,
		Text:      text,
		Sender:    meta.Sender,
		Receiver:  meta.Receiver,
		Timestamp: meta.Timestamp,
	})
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeReindex,
		PayloadJSON: string(payload),
	}, nil
}

// Worker processes reindex_message jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	indexer Indexer
	poll    time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. A positive timeout bounds
// each embedding call.
func NewWorker(store JobStore, indexer Indexer, pollInterval, timeout time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single reindex_message job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeReindex})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ReindexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.ContactID == "" || payload.Text == "" {
		return fmt.Errorf("payload is missing contact or text")
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	meta := memory.Meta{Sender: payload.Sender, Receiver: payload.Receiver, Timestamp: payload.Timestamp}
	id, err := w.indexer.Insert(ctx, payload.ContactID, payload.Text, meta)
	if err != nil {
		return fmt.Errorf("indexing message: %w", err)
	}
	w.logger.Debug("message reindexed", "job_id", job.ID, "contact", payload.ContactID, "record_id", id)
	return nil
}
