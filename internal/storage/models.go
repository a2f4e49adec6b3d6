package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one pass of the orchestrator for a single contact.
type Run struct {
	ID          string
	ContactID   string
	Kind        string // "inbound" or "command"
	State       string // terminal pipeline state
	FailedStep  string
	Error       string
	InboundText string
	ReplyText   string
	CreatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
