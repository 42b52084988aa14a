package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

const (
	timeFormat        = time.RFC3339Nano
	defaultRunsLimit  = 50
	maxRunsLimit      = 500
	terminalGrace     = time.Second
	eventPollInterval = 500 * time.Millisecond
)

type runResponse struct {
	ID              string `json:"id"`
	RequestID       string `json:"requestId,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	Source          string `json:"source"`
	Mode            string `json:"mode"`
	Prompt          string `json:"prompt,omitempty"`
	URL             string `json:"url,omitempty"`
	MaxDepth        int    `json:"maxDepth"`
	FeedbackEnabled bool   `json:"feedbackEnabled"`
	ThreadID        string `json:"threadId,omitempty"`
	ResourceID      string `json:"resourceId,omitempty"`
	Status          string `json:"status"`
	Response        string `json:"response,omitempty"`
	Warning         string `json:"warning,omitempty"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

type listRunsResponse struct {
	Runs []runResponse `json:"runs"`
}

type runStepResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Seq         int64          `json:"seq"`
	StartedAt   string         `json:"startedAt,omitempty"`
	CompletedAt string         `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

type listRunStepsResponse struct {
	Steps []runStepResponse `json:"steps"`
}

func toRunResponse(run store.Run) runResponse {
	return runResponse{
		ID:              run.ID,
		RequestID:       run.RequestID,
		Fingerprint:     run.Fingerprint,
		Source:          run.Source,
		Mode:            run.Mode,
		Prompt:          run.Prompt,
		URL:             run.URL,
		MaxDepth:        run.MaxDepth,
		FeedbackEnabled: run.FeedbackEnabled,
		ThreadID:        run.ThreadID,
		ResourceID:      run.ResourceID,
		Status:          run.Status,
		Response:        run.Response,
		Warning:         run.Warning,
		Error:           run.Error,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxRunsLimit {
			writeValidationError(w, &ValidationError{Details: []FieldError{{
				Field:   "limit",
				Message: fmt.Sprintf("must be between 1 and %d", maxRunsLimit),
			}}})
			return
		}
		limit = parsed
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	response := listRunsResponse{Runs: make([]runResponse, 0, len(runs))}
	for _, run := range runs {
		response.Runs = append(response.Runs, toRunResponse(run))
	}
	writeJSON(w, response)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w, "Run")
		return
	}
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, toRunResponse(*run))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w, "Run")
		return
	}
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	if !run.Terminal() {
		if run.Source == store.SourceJob && s.jobs != nil {
			if err := s.jobs.CancelJob(r.Context(), runID); err != nil {
				s.logger.Warn("failed to cancel job before delete", zap.String("run_id", runID), zap.Error(err))
			}
		} else if run.RequestID != "" {
			s.registry.CancelRequest(run.RequestID)
		}
	}
	if err := s.store.DeleteRun(r.Context(), runID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeInternalError(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	steps, err := s.store.ListRunSteps(r.Context(), runID)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	response := make([]runStepResponse, 0, len(steps))
	for _, step := range steps {
		response = append(response, runStepResponse{
			ID:          step.ID,
			Name:        step.Name,
			Status:      step.Status,
			Seq:         step.Seq,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
			Error:       step.Error,
			Args:        step.Args,
			Result:      step.Result,
		})
	}
	writeJSON(w, listRunStepsResponse{Steps: response})
}

// streamEvents replays the stored events of a run and then follows live ones.
// Frames use the same `data:` encoding as the research stream, with an `id:`
// line so clients can resume through Last-Event-ID. The stream ends after the
// terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w, "streaming unsupported")
		return
	}

	ctx := r.Context()
	live := s.recorder.Broker().Subscribe(ctx, runID)
	afterSeq := parseAfterSeq(runID, r)
	stored, err := s.store.ListEvents(ctx, runID, afterSeq)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSeq := afterSeq
	// replay writes stored events past lastSeq and reports whether the stream
	// should end.
	replay := func(records []store.RunEvent) bool {
		for _, record := range records {
			event, err := events.FromStore(record)
			if err != nil {
				s.logger.Warn("skipping undecodable stored event", zap.String("run_id", runID), zap.Int64("seq", record.Seq), zap.Error(err))
				continue
			}
			if event.Seq <= lastSeq {
				continue
			}
			if err := sendSSE(w, event); err != nil {
				return true
			}
			flusher.Flush()
			lastSeq = event.Seq
			if event.Terminal() {
				return true
			}
		}
		return false
	}
	if replay(stored) {
		return
	}
	// A finished run whose terminal event is not stored yet gets a short
	// grace period for it to arrive live.
	var grace <-chan time.Time
	if s.runFinished(r, runID) {
		grace = time.After(terminalGrace)
	}

	// Background jobs record events from the worker process, so the store is
	// polled as well as the in-process broker.
	poll := time.NewTicker(eventPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case event, ok := <-live:
			if !ok {
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			if err := sendSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
			lastSeq = event.Seq
			if event.Terminal() {
				return
			}
		case <-poll.C:
			records, err := s.store.ListEvents(ctx, runID, lastSeq)
			if err != nil {
				s.logger.Warn("event poll failed", zap.String("run_id", runID), zap.Error(err))
				continue
			}
			if replay(records) {
				return
			}
			if grace == nil && s.runFinished(r, runID) {
				grace = time.After(terminalGrace)
			}
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-grace:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runFinished reports whether a run already reached a final status, in which
// case no live events will follow the replay.
func (s *Server) runFinished(r *http.Request, runID string) bool {
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		return errors.Is(err, store.ErrNotFound)
	}
	return run.Terminal()
}

func sendSSE(w http.ResponseWriter, event events.RunEvent) error {
	if _, err := fmt.Fprintf(w, "id: %s:%d\n", event.RunID, event.Seq); err != nil {
		return err
	}
	return stream.WriteFrame(w, event.Event)
}

func parseAfterSeq(runID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	separator := strings.LastIndex(lastEventID, ":")
	if separator < 0 || lastEventID[:separator] != runID {
		return 0
	}
	seq, err := strconv.ParseInt(lastEventID[separator+1:], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
