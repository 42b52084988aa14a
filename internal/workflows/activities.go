package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

const (
	RunResearchActivityName      = "RunResearch"
	HandleJobFailureActivityName = "HandleJobFailure"

	cancelledMessage = "Request cancelled"
)

type ResearchJobInput struct {
	RunID string
}

type ResearchJobOutput struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

type JobFailureInput struct {
	RunID  string
	Status string
	Error  string
}

// Runner is the slice of research.Pipeline the activities depend on.
type Runner interface {
	RunWithTimeout(ctx context.Context, req research.Request, emit stream.Emitter, timeout time.Duration, opts ...research.RunOption) research.Outcome
}

type ResearchActivities struct {
	store    store.Store
	runner   Runner
	recorder *events.Recorder
	timeout  time.Duration
	logger   *zap.Logger
}

func NewResearchActivities(st store.Store, runner Runner, recorder *events.Recorder, timeout time.Duration, logger *zap.Logger) *ResearchActivities {
	if recorder == nil {
		recorder = events.NewRecorder(st, nil, logger)
	}
	if timeout <= 0 {
		timeout = research.DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchActivities{store: st, runner: runner, recorder: recorder, timeout: timeout, logger: logger}
}

// RunResearch executes a queued run without a client stream. Events are still
// recorded so the run can be replayed or followed live.
func (a *ResearchActivities) RunResearch(ctx context.Context, input ResearchJobInput) (ResearchJobOutput, error) {
	run, err := a.store.GetRun(ctx, input.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return ResearchJobOutput{}, temporal.NewNonRetryableApplicationError("run not found", "RunNotFound", err)
	}
	if err != nil {
		return ResearchJobOutput{}, fmt.Errorf("load run: %w", err)
	}
	if run.Terminal() {
		return ResearchJobOutput{Status: run.Status, Response: run.Response, Warning: run.Warning}, nil
	}
	if err := a.store.UpdateRun(ctx, store.RunUpdate{ID: run.ID, Status: store.StatusRunning}); err != nil {
		return ResearchJobOutput{}, fmt.Errorf("mark run running: %w", err)
	}

	logger := a.logger.With(zap.String("run_id", run.ID), zap.String("request_id", run.RequestID))
	emit := a.recorder.Emitter(ctx, run.ID)
	requestID := run.RequestID
	if requestID == "" {
		requestID = run.ID
	}
	emit.Emit(stream.Init(requestID))

	mode, _ := research.ParseMode(run.Mode)
	req := research.Request{
		RequestID:       requestID,
		Mode:            mode,
		Prompt:          run.Prompt,
		URL:             run.URL,
		MaxDepth:        run.MaxDepth,
		FeedbackEnabled: run.FeedbackEnabled,
	}
	heartbeat := func() { activity.RecordHeartbeat(ctx) }
	outcome := a.runner.RunWithTimeout(ctx, req, emit, a.timeout, research.WithProgress(heartbeat))

	// Detached so the final status is written even when the activity was
	// cancelled.
	finishCtx := context.WithoutCancel(ctx)
	switch outcome.Status {
	case research.OutcomeStatusCompleted:
		if err := a.finish(finishCtx, run.ID, store.StatusCompleted, outcome.Response, "", ""); err != nil {
			return ResearchJobOutput{}, err
		}
		emit.Emit(stream.Done())
		logger.Info("research job completed")
		return ResearchJobOutput{Status: store.StatusCompleted, Response: outcome.Response}, nil
	case research.OutcomeStatusTimedOut:
		emit.Emit(stream.Chunk(outcome.Response))
		if err := a.finish(finishCtx, run.ID, store.StatusTimedOut, outcome.Response, outcome.Warning, ""); err != nil {
			return ResearchJobOutput{}, err
		}
		emit.Emit(stream.Done())
		logger.Warn("research job timed out", zap.Duration("timeout", a.timeout))
		return ResearchJobOutput{Status: store.StatusTimedOut, Response: outcome.Response, Warning: outcome.Warning}, nil
	case research.OutcomeStatusCancelled:
		if err := a.finish(finishCtx, run.ID, store.StatusCancelled, "", "", cancelledMessage); err != nil {
			return ResearchJobOutput{}, err
		}
		emit.Emit(stream.Error(cancelledMessage))
		logger.Info("research job cancelled")
		return ResearchJobOutput{}, temporal.NewCanceledError(cancelledMessage)
	default:
		message := "research failed"
		if outcome.Err != nil {
			message = outcome.Err.Error()
		}
		emit.Emit(stream.Error(message))
		logger.Error("research job failed", zap.Error(outcome.Err))
		return ResearchJobOutput{}, temporal.NewNonRetryableApplicationError(message, "ResearchFailed", outcome.Err)
	}
}

// HandleJobFailure records the final status of a run whose job did not
// complete normally.
func (a *ResearchActivities) HandleJobFailure(ctx context.Context, input JobFailureInput) error {
	status := input.Status
	if status == "" {
		status = store.StatusFailed
	}
	a.logger.Warn("research job failed",
		zap.String("run_id", input.RunID),
		zap.String("status", status),
		zap.String("err", input.Error),
	)
	err := a.store.UpdateRun(ctx, store.RunUpdate{ID: input.RunID, Status: status, Error: input.Error})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (a *ResearchActivities) finish(ctx context.Context, runID string, status string, response string, warning string, errText string) error {
	err := a.store.UpdateRun(ctx, store.RunUpdate{ID: runID, Status: status, Response: response, Warning: warning, Error: errText})
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}
