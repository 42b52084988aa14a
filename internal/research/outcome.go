package research

import (
	"context"
	"errors"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

const (
	DefaultRequestTimeout = 180 * time.Second

	TimeoutWarning = "Request timed out"
	TimeoutApology = "I'm sorry, but this research request took too long to complete. Please try again, perhaps with a narrower question or a lower depth."
)

// ErrRequestTimeout is the context cause when the whole-request ceiling
// expires.
var ErrRequestTimeout = errors.New("research request timed out")

// Outcome statuses.
const (
	OutcomeStatusCompleted = "completed"
	OutcomeStatusTimedOut  = "timed_out"
	OutcomeStatusCancelled = "cancelled"
	OutcomeStatusFailed    = "failed"
)

// Outcome is the caller-facing result of one bounded run.
type Outcome struct {
	Status   string
	Answer   Answer
	Response string
	Warning  string
	Err      error
}

// RunWithTimeout runs the pipeline under the whole-request ceiling. A run that
// hits the ceiling is reported as timed out with the apology response rather
// than as an error; cancellation of ctx itself is reported as cancelled.
func (p *Pipeline) RunWithTimeout(ctx context.Context, req Request, emit stream.Emitter, timeout time.Duration, opts ...RunOption) Outcome {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrRequestTimeout)
	defer cancel()

	answer, err := p.Run(runCtx, req, emit, opts...)
	switch {
	case err == nil:
		return Outcome{Status: OutcomeStatusCompleted, Answer: answer, Response: answer.Markdown()}
	case ctx.Err() == nil && errors.Is(context.Cause(runCtx), ErrRequestTimeout):
		return Outcome{Status: OutcomeStatusTimedOut, Response: TimeoutApology, Warning: TimeoutWarning, Err: err}
	case ctx.Err() != nil:
		return Outcome{Status: OutcomeStatusCancelled, Err: err}
	default:
		return Outcome{Status: OutcomeStatusFailed, Err: err}
	}
}
