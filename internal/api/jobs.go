package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
)

type jobResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// createJob queues a research run for a background worker. The stream flag
// of the trigger is ignored: progress is available through the run events.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSONStatus(w, errorResponse{Error: "Background jobs unavailable", Message: "no workflow engine is configured"}, http.StatusServiceUnavailable)
		return
	}
	trigger, err := ParseTrigger(r.Body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, verr)
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	req := trigger.Request
	run := store.Run{
		ID:              uuid.New().String(),
		RequestID:       uuid.New().String(),
		Source:          store.SourceJob,
		Mode:            string(req.Mode),
		Prompt:          req.Prompt,
		URL:             req.URL,
		MaxDepth:        req.MaxDepth,
		FeedbackEnabled: req.FeedbackEnabled,
		ThreadID:        trigger.ThreadID,
		ResourceID:      trigger.ResourceID,
		Status:          store.StatusQueued,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeInternalError(w, err.Error())
		return
	}
	if err := s.jobs.StartJob(r.Context(), run.ID); err != nil {
		s.logger.Error("failed to start research job", zap.String("run_id", run.ID), zap.Error(err))
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		_ = s.store.UpdateRun(ctx, store.RunUpdate{ID: run.ID, Status: store.StatusFailed, Error: err.Error()})
		writeInternalError(w, err.Error())
		return
	}
	w.Header().Set("X-Run-Id", run.ID)
	writeJSONStatus(w, jobResponse{RunID: run.ID, Status: store.StatusQueued}, http.StatusAccepted)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSONStatus(w, errorResponse{Error: "Background jobs unavailable", Message: "no workflow engine is configured"}, http.StatusServiceUnavailable)
		return
	}
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && run.Source != store.SourceJob) {
		writeNotFound(w, "Job")
		return
	}
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	if run.Terminal() {
		writeJSONStatus(w, jobResponse{RunID: run.ID, Status: run.Status}, http.StatusConflict)
		return
	}
	if err := s.jobs.CancelJob(r.Context(), runID); err != nil {
		writeJSONStatus(w, errorResponse{Error: "Failed to cancel job", Message: err.Error()}, http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, jobResponse{RunID: run.ID, Status: "cancelling"}, http.StatusAccepted)
}
