// Package pipeline drives inbound WhatsApp events through memory, gating,
// generation and dispatch, and executes user-issued commands.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/autowa/internal/command"
	"github.com/kalambet/autowa/internal/composer"
	"github.com/kalambet/autowa/internal/conversation"
	"github.com/kalambet/autowa/internal/ingest"
	"github.com/kalambet/autowa/internal/memory"
	"github.com/kalambet/autowa/internal/state"
	"github.com/kalambet/autowa/internal/storage"
	"github.com/kalambet/autowa/internal/whatsapp"
)

// State is a step of a pipeline run.
type State string

const (
	StateReceived     State = "RECEIVED"
	StatePersisted    State = "PERSISTED"
	StateGateCheck    State = "GATE_CHECK"
	StateSkipped      State = "SKIPPED"
	StateContextBuilt State = "CONTEXT_BUILT"
	StateGenerated    State = "GENERATED"
	StateSanitized    State = "SANITIZED"
	StateDispatched   State = "DISPATCHED"
	StateRecorded     State = "RECORDED"
	StateFailed       State = "FAILED"
)

// FallbackReply is sent when the generator fails or returns nothing usable.
const FallbackReply = "Thanks for your message! We've received it and will get back to you shortly."

const (
	defaultTopK        = 5
	defaultTimeout     = 20 * time.Second
	defaultConcurrency = 4
)

// Generator produces reply text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Sender delivers a textual send command (`send "<text>" to <name>`).
type Sender interface {
	Send(ctx context.Context, token, phoneNumberID string, aliases map[string]string, cmd string) (whatsapp.SendResult, error)
}

// JobQueue receives deferred indexing work.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
}

// RunLog records finished runs.
type RunLog interface {
	SaveRun(r storage.Run) error
}

// Config holds the orchestrator settings.
type Config struct {
	Business      string
	AccessToken   string
	PhoneNumberID string
	TopK          int
	HistoryWindow int
	// Timeout bounds each embedding and generation call.
	Timeout time.Duration
	// Concurrency caps how many contacts of one webhook run in parallel.
	Concurrency int
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID      string
	ContactID  string
	State      State
	FailedStep State
	Reply      string
	Err        error
}

type Orchestrator struct {
	conv     *conversation.State
	mem      *memory.Store
	gen      Generator
	sender   Sender
	composer *composer.Composer
	cfg      Config

	jobs   JobQueue
	runs   RunLog
	locks  *keyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJobQueue enqueues failed memory indexing for the reindex worker.
func WithJobQueue(q JobQueue) Option {
	return func(o *Orchestrator) { o.jobs = q }
}

// WithRunLog records every run.
func WithRunLog(r RunLog) Option {
	return func(o *Orchestrator) { o.runs = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(conv *conversation.State, mem *memory.Store, gen Generator, sender Sender, cfg Config, opts ...Option) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = composer.DefaultHistoryWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	o := &Orchestrator{
		conv:     conv,
		mem:      mem,
		gen:      gen,
		sender:   sender,
		composer: composer.New(0, cfg.HistoryWindow),
		cfg:      cfg,
		locks:    newKeyedMutex(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleWebhook runs every message of a webhook body. Distinct contacts are
// processed concurrently; messages of one contact run in arrival order.
// Bodies without a usable message yield no results.
func (o *Orchestrator) HandleWebhook(ctx context.Context, body []byte) []Result {
	events := whatsapp.ParseWebhook(body, o.now())
	if len(events) == 0 {
		return nil
	}

	var order []string
	byContact := make(map[string][]whatsapp.Event)
	for _, ev := range events {
		if _, ok := byContact[ev.From]; !ok {
			order = append(order, ev.From)
		}
		byContact[ev.From] = append(byContact[ev.From], ev)
	}

	grouped := make([][]Result, len(order))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, id := range order {
		g.Go(func() error {
			for _, ev := range byContact[id] {
				grouped[i] = append(grouped[i], o.HandleEvent(ctx, ev))
			}
			return nil
		})
	}
	g.Wait()

	var results []Result
	for _, rs := range grouped {
		results = append(results, rs...)
	}
	return results
}

// HandleEvent runs one inbound message through the pipeline. Runs for the
// same contact never overlap.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev whatsapp.Event) (res Result) {
	res = Result{RunID: uuid.New().String(), ContactID: ev.From, State: StateReceived}
	if ev.From == "" || ev.Text == "" {
		return res
	}

	unlock := o.locks.Lock(ev.From)
	defer unlock()
	defer func() { o.saveRun("inbound", ev.Text, res) }()

	if ev.Timestamp <= 0 {
		ev.Timestamp = o.now().UnixMilli()
	}

	// PERSISTED
	if err := o.conv.UpsertContact(ctx, state.Contact{ID: ev.From, Timestamp: ev.Timestamp}); err != nil {
		return o.fail(res, StatePersisted, err)
	}
	if err := o.conv.ApplyProfileName(ctx, ev.From, ev.Name); err != nil {
		o.logger.Warn("applying profile name", "contact", ev.From, "error", err)
	}
	inbound := state.Message{Sender: ev.From, Text: ev.Text, Timestamp: ev.Timestamp}
	if err := o.conv.AppendMessage(ctx, ev.From, inbound); err != nil {
		return o.fail(res, StatePersisted, err)
	}
	o.index(ctx, ev.From, ev.Text, memory.Meta{Sender: ev.From, Receiver: state.SenderMe, Timestamp: ev.Timestamp})
	res.State = StatePersisted

	// GATE_CHECK
	policy, err := o.conv.AutoReplyPolicy(ctx)
	if err != nil {
		return o.fail(res, StateGateCheck, err)
	}
	if !policy.Global || !policy.Effective(ev.From) {
		o.logger.Debug("auto-reply disabled, skipping", "contact", ev.From, "global", policy.Global)
		res.State = StateSkipped
		return res
	}

	// CONTEXT_BUILT
	history, err := o.conv.History(ctx, ev.From, o.cfg.HistoryWindow)
	if err != nil {
		return o.fail(res, StateContextBuilt, err)
	}
	contact, _, err := o.conv.Contact(ctx, ev.From)
	if err != nil {
		return o.fail(res, StateContextBuilt, err)
	}
	prompt := o.composer.Reply(composer.ReplyInput{
		Business:    o.cfg.Business,
		ContactName: contact.Name,
		History:     history,
		Inbound:     ev.Text,
		Similar:     o.similar(ctx, ev.From, ev.Text),
	})
	res.State = StateContextBuilt

	// GENERATED
	reply := o.generate(ctx, ev.From, prompt)
	res.State = StateGenerated

	// SANITIZED
	reply = composer.Sanitize(reply)
	if reply == "" {
		reply = FallbackReply
	}
	res.Reply = reply
	res.State = StateSanitized

	// DISPATCHED
	target, err := o.conv.DispatchTarget(ctx, ev.From)
	if err != nil {
		return o.fail(res, StateDispatched, err)
	}
	if _, err := o.send(ctx, reply, target); err != nil {
		return o.fail(res, StateDispatched, err)
	}
	res.State = StateDispatched

	// RECORDED
	if err := o.record(ctx, ev.From, reply); err != nil {
		return o.fail(res, StateRecorded, err)
	}
	res.State = StateRecorded
	o.logger.Info("auto-reply sent", "run_id", res.RunID, "contact", ev.From)
	return res
}

func (o *Orchestrator) fail(res Result, step State, err error) Result {
	res.State = StateFailed
	res.FailedStep = step
	res.Err = err
	o.logger.Error("pipeline run failed", "run_id", res.RunID, "contact", res.ContactID, "step", string(step), "error", err)
	return res
}

// generate returns the generator's text, or FallbackReply when the call
// fails, times out or returns nothing.
func (o *Orchestrator) generate(ctx context.Context, contactID, prompt string) string {
	if o.gen == nil {
		return FallbackReply
	}
	gctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	text, err := o.gen.Generate(gctx, prompt)
	if err != nil {
		o.logger.Warn("generation failed, using fallback reply", "contact", contactID, "error", err)
		return FallbackReply
	}
	return text
}

// similar retrieves related past messages. Retrieval is optional context,
// so failures only log.
func (o *Orchestrator) similar(ctx context.Context, contactID, query string) []memory.ScoredRecord {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	recs, err := o.mem.SearchScored(sctx, contactID, query, o.cfg.TopK)
	if err != nil {
		o.logger.Warn("memory search failed", "contact", contactID, "error", err)
		return nil
	}
	return recs
}

// index inserts a message into memory. Failure never stops the run; when
// the embedder was unavailable the message is queued for the reindex worker.
func (o *Orchestrator) index(ctx context.Context, contactID, text string, meta memory.Meta) {
	ictx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	_, err := o.mem.Insert(ictx, contactID, text, meta)
	if err == nil {
		return
	}
	o.logger.Warn("memory indexing failed", "contact", contactID, "error", err)
	if o.jobs == nil || !errors.Is(err, memory.ErrEmbeddingUnavailable) {
		return
	}
	job, err := ingest.NewReindexJob(contactID, text, meta)
	if err == nil {
		err = o.jobs.EnqueueJob(job)
	}
	if err != nil {
		o.logger.Error("enqueueing reindex job", "contact", contactID, "error", err)
	}
}

// send formats text as a send command for target and hands it to the
// transport, which resolves target through the alias table.
func (o *Orchestrator) send(ctx context.Context, text, target string) (whatsapp.SendResult, error) {
	aliases, err := o.conv.Aliases(ctx)
	if err != nil {
		return whatsapp.SendResult{}, err
	}
	return o.sender.Send(ctx, o.cfg.AccessToken, o.cfg.PhoneNumberID, aliases, command.FormatSend(text, target))
}

// record appends an outgoing message and indexes it best-effort.
func (o *Orchestrator) record(ctx context.Context, contactID, text string) error {
	ts := o.now().UnixMilli()
	if err := o.conv.AppendMessage(ctx, contactID, state.Message{Sender: state.SenderMe, Text: text, Timestamp: ts}); err != nil {
		return err
	}
	o.index(ctx, contactID, text, memory.Meta{Sender: state.SenderMe, Receiver: contactID, Timestamp: ts})
	return nil
}

func (o *Orchestrator) saveRun(kind, inbound string, res Result) {
	if o.runs == nil {
		return
	}
	r := storage.Run{
		ID:          res.RunID,
		ContactID:   res.ContactID,
		Kind:        kind,
		State:       string(res.State),
		FailedStep:  string(res.FailedStep),
		InboundText: inbound,
		ReplyText:   res.Reply,
		CreatedAt:   o.now(),
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	if err := o.runs.SaveRun(r); err != nil {
		o.logger.Warn("saving run", "run_id", res.RunID, "error", err)
	}
}
