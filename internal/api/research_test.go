package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

func postResearch(t *testing.T, ctx context.Context, baseURL string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/research", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readStream(t *testing.T, body io.Reader) ([]stream.Event, stream.State) {
	t.Helper()
	var collected []stream.Event
	reassembler := stream.NewReassembler(stream.OnEvent(func(event stream.Event) {
		collected = append(collected, event)
	}))
	_, err := reassembler.ReadFrom(body)
	require.NoError(t, err)
	return collected, reassembler.State()
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, 0, len(events))
	for _, event := range events {
		out = append(out, event.Type)
	}
	return out
}

func onlyRun(t *testing.T, env *testEnv) store.Run {
	t.Helper()
	runs, err := env.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestResearch_StreamCompleted(t *testing.T) {
	env := newTestEnv(t, answering("Goroutines are lightweight threads."), nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"what is a goroutine"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	requestID := resp.Header.Get("X-Request-Id")
	require.NotEmpty(t, requestID)

	events, state := readStream(t, resp.Body)
	assert.Equal(t, []stream.EventType{
		stream.EventInit,
		stream.EventToolCall,
		stream.EventToolResult,
		stream.EventChunk,
		stream.EventChunk,
		stream.EventDone,
	}, eventTypes(events))
	assert.Equal(t, requestID, state.RequestID)
	assert.True(t, state.IsDone)
	assert.Equal(t, "Searching the web...Goroutines are lightweight threads.", state.AccumulatedContent)
	assert.Contains(t, state.ToolState, "call-1")

	run := onlyRun(t, env)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, store.SourceStream, run.Source)
	assert.Equal(t, "Goroutines are lightweight threads.", run.Response)
	assert.Equal(t, resp.Header.Get("X-Run-Id"), run.ID)

	stored, err := env.store.ListEvents(context.Background(), run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 6)
	steps, err := env.store.ListRunSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "analyze-input", steps[0].Name)

	assert.Equal(t, 0, env.registry.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Requests.WithLabelValues("main", "completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.StreamEvents.WithLabelValues("chunk")))
}

func TestResearch_StreamDedupsRepeatedChunks(t *testing.T) {
	researcher := &fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		emit.Emit(stream.Chunk("The same twenty chars and more"))
		emit.Emit(stream.Chunk("The same twenty chars but different"))
		emit.Emit(stream.Chunk("Something else"))
		return research.Outcome{Status: research.OutcomeStatusCompleted}
	}}
	env := newTestEnv(t, researcher, nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"dedup"}`)
	defer resp.Body.Close()
	_, state := readStream(t, resp.Body)
	assert.Equal(t, "The same twenty chars and moreSomething else", state.AccumulatedContent)
}

func TestResearch_SyncCompleted(t *testing.T) {
	researcher := answering("# Answer")
	env := newTestEnv(t, researcher, nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"what is a goroutine","stream":false,"mode":"spin","maxDepth":1}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload researchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "# Answer", payload.Response)
	assert.Empty(t, payload.Warning)
	assert.NotEmpty(t, payload.RunID)

	got := researcher.lastRequest()
	assert.Equal(t, research.ModeSpin, got.Mode)
	assert.Equal(t, 1, got.MaxDepth)
	assert.Equal(t, []time.Duration{5 * time.Second}, researcher.timeouts)

	run := onlyRun(t, env)
	assert.Equal(t, store.SourceSync, run.Source)
	assert.Equal(t, store.StatusCompleted, run.Status)
	stored, err := env.store.ListEvents(context.Background(), run.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "init", stored[0].Type)
	assert.Equal(t, "done", stored[len(stored)-1].Type)
}

func TestResearch_LegacyURL(t *testing.T) {
	researcher := answering("page summary")
	env := newTestEnv(t, researcher, nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"url":"https://go.dev/doc","stream":false}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://go.dev/doc", researcher.lastRequest().URL)
	assert.Equal(t, "url:https://go.dev/doc", onlyRun(t, env).Fingerprint)
}

func timingOut() *fakeResearcher {
	return &fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		emit.Emit(stream.Chunk("Reading page"))
		return research.Outcome{
			Status:   research.OutcomeStatusTimedOut,
			Response: research.TimeoutApology,
			Warning:  research.TimeoutWarning,
			Err:      research.ErrRequestTimeout,
		}
	}}
}

func TestResearch_SyncTimeoutIsApology(t *testing.T) {
	env := newTestEnv(t, timingOut(), nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"slow","stream":false}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload researchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, research.TimeoutApology, payload.Response)
	assert.Equal(t, "Request timed out", payload.Warning)

	run := onlyRun(t, env)
	assert.Equal(t, store.StatusTimedOut, run.Status)
	assert.Equal(t, research.TimeoutWarning, run.Warning)
}

func TestResearch_StreamTimeoutEndsWithApologyAndDone(t *testing.T) {
	env := newTestEnv(t, timingOut(), nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"slow"}`)
	defer resp.Body.Close()
	events, state := readStream(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, stream.Chunk(research.TimeoutApology), events[len(events)-2])
	assert.Equal(t, stream.EventDone, events[len(events)-1].Type)
	assert.False(t, state.IsError)
}

func failing(err error) *fakeResearcher {
	return &fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		return research.Outcome{Status: research.OutcomeStatusFailed, Err: err}
	}}
}

func TestResearch_SyncFailureEnvelope(t *testing.T) {
	env := newTestEnv(t, failing(errors.New("analyze input: boom")), nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"x","stream":false}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var payload errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Internal server error", payload.Error)
	assert.Equal(t, "analyze input: boom", payload.Message)
	assert.Equal(t, store.StatusFailed, onlyRun(t, env).Status)
}

func TestResearch_StreamFailureIsErrorEvent(t *testing.T) {
	env := newTestEnv(t, failing(errors.New("analyze input: boom")), nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"x"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events, state := readStream(t, resp.Body)
	assert.Equal(t, []stream.EventType{stream.EventInit, stream.EventError}, eventTypes(events))
	assert.True(t, state.IsError)
	assert.Equal(t, "analyze input: boom", state.ErrorMessage)
}

func TestResearch_ValidationEnvelope(t *testing.T) {
	env := newTestEnv(t, answering("unused"), nil)

	resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"x","maxDepth":7}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Invalid request", payload.Error)
	require.Len(t, payload.Details, 1)
	assert.Equal(t, "maxDepth", payload.Details[0].Field)
	assert.Equal(t, 0, env.registry.Len())
}

func TestResearch_DuplicateRejected(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, blocking(release), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var first *http.Response
	go func() {
		defer wg.Done()
		first = postResearch(t, context.Background(), env.http.URL, `{"prompt":"same question","stream":false}`)
	}()
	require.Eventually(t, func() bool { return env.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	activeID := env.registry.Active()[0].ID

	second := postResearch(t, context.Background(), env.http.URL, `{"prompt":"same question","stream":false}`)
	defer second.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	var payload errorResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&payload))
	assert.NotEmpty(t, payload.Error)
	assert.Equal(t, activeID, payload.RequestID)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Duplicates))

	close(release)
	wg.Wait()
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	third := postResearch(t, context.Background(), env.http.URL, `{"prompt":"same question","stream":false}`)
	defer third.Body.Close()
	assert.Equal(t, http.StatusOK, third.StatusCode)
}

func TestResearch_DifferentModesAreNotDuplicates(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, blocking(release), nil)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		resp, err := http.DefaultClient.Do(mustRequest(t, ctx, env.http.URL+"/research", `{"prompt":"q","mode":"main"}`))
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool { return env.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	go func() {
		resp, err := http.DefaultClient.Do(mustRequest(t, ctx, env.http.URL+"/research", `{"prompt":"q","mode":"spin"}`))
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool { return env.registry.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func mustRequest(t *testing.T, ctx context.Context, url string, body string) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Errorf("new request: %v", err)
		return nil
	}
	return req
}

func TestResearch_CancelByRequestID(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, blocking(release), nil)

	done := make(chan []stream.Event, 1)
	go func() {
		resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"cancel me"}`)
		defer resp.Body.Close()
		events, _ := readStream(t, resp.Body)
		done <- events
	}()
	require.Eventually(t, func() bool { return env.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	requestID := env.registry.Active()[0].ID

	resp, err := http.Post(env.http.URL+"/research/cancel", "application/json", bytes.NewBufferString(`{"requestId":"`+requestID+`"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var events []stream.Event
	select {
	case events = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish after cancel")
	}
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, cancelledMessage, last.Message)

	run := onlyRun(t, env)
	assert.Equal(t, store.StatusCancelled, run.Status)
	assert.Contains(t, run.Error, "request cancelled")
}

func TestResearch_CancelErrors(t *testing.T) {
	env := newTestEnv(t, answering("unused"), nil)

	resp, err := http.Post(env.http.URL+"/research/cancel", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(env.http.URL+"/research/cancel", "application/json", strings.NewReader(`{"fingerprint":"main:nothing"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(env.http.URL+"/research/cancel", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResearch_DisconnectReleasesFingerprint(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, blocking(release), nil)

	ctx, cancel := context.WithCancel(context.Background())
	resp := postResearch(t, ctx, env.http.URL, `{"prompt":"walk away"}`)
	require.Eventually(t, func() bool { return env.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool { return env.registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		runs, err := env.store.ListRuns(context.Background(), 1)
		return err == nil && len(runs) == 1 && runs[0].Status == store.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResearch_ListActive(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, blocking(release), nil)

	go func() {
		resp := postResearch(t, context.Background(), env.http.URL, `{"prompt":"listed","stream":false}`)
		resp.Body.Close()
	}()
	require.Eventually(t, func() bool { return env.registry.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(env.http.URL + "/research/active")
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload struct {
		Requests []activeRequestResponse `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Requests, 1)
	assert.Equal(t, "main:listed", payload.Requests[0].Fingerprint)
	close(release)
	require.Eventually(t, func() bool { return env.registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
