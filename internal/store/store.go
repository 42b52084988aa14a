package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// Run sources.
const (
	SourceStream = "stream"
	SourceSync   = "sync"
	SourceJob    = "job"
)

type Run struct {
	ID              string
	RequestID       string
	Fingerprint     string
	Source          string
	Mode            string
	Prompt          string
	URL             string
	MaxDepth        int
	FeedbackEnabled bool
	ThreadID        string
	ResourceID      string
	Status          string
	Response        string
	Warning         string
	Error           string
	CreatedAt       string
	UpdatedAt       string
}

// Terminal reports whether the run has reached a final status.
func (r Run) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// RunUpdate carries the outcome fields written when a run changes status.
type RunUpdate struct {
	ID       string
	Status   string
	Response string
	Warning  string
	Error    string
}

type RunEvent struct {
	RunID     string
	Seq       int64
	Type      string
	Timestamp string
	Payload   map[string]any
}

// RunStep is the tool view of one pipeline step, derived from its tool-call
// and tool-result events.
type RunStep struct {
	RunID       string
	ID          string
	Name        string
	Status      string
	Seq         int64
	StartedAt   string
	CompletedAt string
	Error       string
	Args        map[string]any
	Result      map[string]any
}

type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRun(ctx context.Context, update RunUpdate) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	DeleteRun(ctx context.Context, runID string) error
	AppendEvent(ctx context.Context, event RunEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)
	ListRunSteps(ctx context.Context, runID string) ([]RunStep, error)
	NextSeq(ctx context.Context, runID string) (int64, error)
}
