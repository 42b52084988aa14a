package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

const cancelledMessage = "Request cancelled"

type researchResponse struct {
	Response string `json:"response"`
	Warning  string `json:"warning,omitempty"`
	RunID    string `json:"runId,omitempty"`
}

func (s *Server) research(w http.ResponseWriter, r *http.Request) {
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
	if s.researcher == nil {
		writeInternalError(w, "research pipeline is not configured")
		return
	}

	req := trigger.Request
	fingerprint := session.Fingerprint(string(req.Mode), req.Prompt, req.URL)
	logger := s.logger.With(zap.String("fingerprint", fingerprint))

	ticket, alreadyActive, guardErr := s.registry.AdmitShared(r.Context(), r.Context(), fingerprint)
	if guardErr != nil {
		logger.Warn("distributed duplicate guard unavailable", zap.Error(guardErr))
	}
	if alreadyActive {
		s.metrics.DuplicateRejected()
		logger.Info("rejecting duplicate research request")
		writeDuplicate(w, s.activeRequestID(fingerprint))
		return
	}
	defer ticket.Release()

	req.RequestID = ticket.ID()
	logger = logger.With(zap.String("request_id", req.RequestID))

	source := store.SourceSync
	if trigger.Stream {
		source = store.SourceStream
	}
	run := store.Run{
		ID:              uuid.New().String(),
		RequestID:       req.RequestID,
		Fingerprint:     fingerprint,
		Source:          source,
		Mode:            string(req.Mode),
		Prompt:          req.Prompt,
		URL:             req.URL,
		MaxDepth:        req.MaxDepth,
		FeedbackEnabled: req.FeedbackEnabled,
		ThreadID:        trigger.ThreadID,
		ResourceID:      trigger.ResourceID,
		Status:          store.StatusRunning,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		logger.Error("failed to create run record", zap.Error(err))
		writeInternalError(w, err.Error())
		return
	}
	w.Header().Set("X-Request-Id", req.RequestID)
	w.Header().Set("X-Run-Id", run.ID)

	finished := s.metrics.RequestStarted(string(req.Mode))
	if trigger.Stream {
		outcome := s.streamResearch(w, r, ticket, run, req, logger)
		finished(outcome)
		return
	}
	outcome := s.syncResearch(w, r, ticket, run, req, logger)
	finished(outcome)
}

// streamResearch writes the run as a chunked event stream. The status code is
// committed with the init frame, so every later failure is reported in-band.
func (s *Server) streamResearch(w http.ResponseWriter, r *http.Request, ticket *session.Ticket, run store.Run, req research.Request, logger *zap.Logger) string {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.persistOutcome(run.ID, research.Outcome{Status: research.OutcomeStatusFailed, Err: errors.New("streaming unsupported")}, logger)
		writeInternalError(w, "streaming unsupported")
		return research.OutcomeStatusFailed
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	encoder := stream.NewEncoder(w,
		stream.WithFlush(flusher.Flush),
		stream.WithObserver(s.observeEvent(r.Context(), run.ID, logger)),
	)
	if err := encoder.Send(stream.Init(req.RequestID)); err != nil {
		logger.Debug("client went away before init", zap.Error(err))
	}

	outcome := s.researcher.RunWithTimeout(ticket.Context(), req, encoder, s.cfg.RequestTimeout, research.WithProgress(ticket.Touch))
	s.persistOutcome(run.ID, outcome, logger)

	var terminal []stream.Event
	switch outcome.Status {
	case research.OutcomeStatusCompleted:
		terminal = []stream.Event{stream.Done()}
	case research.OutcomeStatusTimedOut:
		terminal = []stream.Event{stream.Chunk(outcome.Response), stream.Done()}
	case research.OutcomeStatusCancelled:
		terminal = []stream.Event{stream.Error(cancelledMessage)}
	default:
		terminal = []stream.Event{stream.Error(failureMessage(outcome))}
	}
	for _, event := range terminal {
		if err := encoder.Send(event); err != nil {
			logger.Debug("stream write failed", zap.String("type", string(event.Type)), zap.Error(err))
		}
	}
	if encoder.Broken() {
		logger.Info("client disconnected before the stream finished", zap.String("outcome", outcome.Status))
	}
	return outcome.Status
}

// syncResearch waits for the run and answers with one JSON object. Events are
// still recorded so the run can be replayed.
func (s *Server) syncResearch(w http.ResponseWriter, r *http.Request, ticket *session.Ticket, run store.Run, req research.Request, logger *zap.Logger) string {
	recorded := stream.NewEncoder(io.Discard, stream.WithObserver(s.observeEvent(r.Context(), run.ID, logger)))
	_ = recorded.Send(stream.Init(req.RequestID))

	outcome := s.researcher.RunWithTimeout(ticket.Context(), req, recorded, s.cfg.RequestTimeout, research.WithProgress(ticket.Touch))
	s.persistOutcome(run.ID, outcome, logger)

	switch outcome.Status {
	case research.OutcomeStatusCompleted:
		_ = recorded.Send(stream.Done())
		writeJSON(w, researchResponse{Response: outcome.Response, RunID: run.ID})
	case research.OutcomeStatusTimedOut:
		_ = recorded.Send(stream.Chunk(outcome.Response))
		_ = recorded.Send(stream.Done())
		writeJSON(w, researchResponse{Response: outcome.Response, Warning: outcome.Warning, RunID: run.ID})
	case research.OutcomeStatusCancelled:
		_ = recorded.Send(stream.Error(cancelledMessage))
		if r.Context().Err() != nil {
			logger.Info("client disconnected before the response was ready")
			return outcome.Status
		}
		writeJSONStatus(w, errorResponse{Error: cancelledMessage, Message: failureMessage(outcome)}, http.StatusInternalServerError)
	default:
		_ = recorded.Send(stream.Error(failureMessage(outcome)))
		writeInternalError(w, failureMessage(outcome))
	}
	return outcome.Status
}

// observeEvent records every event the client actually receives and counts it.
func (s *Server) observeEvent(ctx context.Context, runID string, logger *zap.Logger) func(stream.Event) {
	recordCtx := context.WithoutCancel(ctx)
	return func(event stream.Event) {
		s.metrics.StreamEvent(event)
		if _, err := s.recorder.Record(recordCtx, runID, event); err != nil {
			logger.Warn("failed to record stream event", zap.String("type", string(event.Type)), zap.Error(err))
		}
	}
}

// persistOutcome writes the final run status before the terminal event goes
// out, so anyone following the run sees the final record.
func (s *Server) persistOutcome(runID string, outcome research.Outcome, logger *zap.Logger) {
	update := store.RunUpdate{ID: runID, Status: outcome.Status}
	switch outcome.Status {
	case research.OutcomeStatusCompleted:
		update.Response = outcome.Response
	case research.OutcomeStatusTimedOut:
		update.Response = outcome.Response
		update.Warning = outcome.Warning
	default:
		update.Error = failureMessage(outcome)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateRun(ctx, update); err != nil {
		logger.Error("failed to persist run outcome", zap.String("run_id", runID), zap.Error(err))
	}
}

func failureMessage(outcome research.Outcome) string {
	if outcome.Status == research.OutcomeStatusCancelled {
		if outcome.Err != nil {
			return cancelledMessage + ": " + outcome.Err.Error()
		}
		return cancelledMessage
	}
	if outcome.Err != nil {
		return outcome.Err.Error()
	}
	return "research failed"
}

func (s *Server) activeRequestID(fingerprint string) string {
	for _, active := range s.registry.Active() {
		if active.Fingerprint == fingerprint {
			return active.ID
		}
	}
	return ""
}

type cancelRequest struct {
	RequestID   string `json:"requestId"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) cancelResearch(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeValidationError(w, &ValidationError{Details: []FieldError{{Field: "body", Message: "must be a JSON object"}}})
		return
	}
	var cancelled bool
	switch {
	case req.RequestID != "":
		cancelled = s.registry.CancelRequest(req.RequestID)
	case req.Fingerprint != "":
		cancelled = s.registry.Cancel(req.Fingerprint)
	default:
		writeValidationError(w, &ValidationError{Details: []FieldError{{Field: "requestId", Message: "requestId or fingerprint is required"}}})
		return
	}
	if !cancelled {
		writeNotFound(w, "Active request")
		return
	}
	s.logger.Info("research request cancelled", zap.String("request_id", req.RequestID), zap.String("fingerprint", req.Fingerprint))
	writeJSONStatus(w, map[string]bool{"cancelled": true}, http.StatusAccepted)
}

type activeRequestResponse struct {
	RequestID   string `json:"requestId"`
	Fingerprint string `json:"fingerprint"`
	StartedAt   string `json:"startedAt"`
	LastSeen    string `json:"lastSeen"`
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	active := s.registry.Active()
	response := make([]activeRequestResponse, 0, len(active))
	for _, entry := range active {
		response = append(response, activeRequestResponse{
			RequestID:   entry.ID,
			Fingerprint: entry.Fingerprint,
			StartedAt:   entry.StartedAt.UTC().Format(timeFormat),
			LastSeen:    entry.LastSeen.UTC().Format(timeFormat),
		})
	}
	writeJSON(w, map[string]any{"requests": response})
}
