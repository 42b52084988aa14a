package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

func seedRun(t *testing.T, env *testEnv, run store.Run, events ...stream.Event) {
	t.Helper()
	require.NoError(t, env.store.CreateRun(context.Background(), run))
	for _, event := range events {
		_, err := env.server.recorder.Record(context.Background(), run.ID, event)
		require.NoError(t, err)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1", Source: store.SourceSync, Mode: "main", Prompt: "p", MaxDepth: 3, Status: store.StatusCompleted, Response: "answer"})

	resp, err := http.Get(env.http.URL + "/research/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload runResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "run-1", payload.ID)
	assert.Equal(t, "answer", payload.Response)
	assert.Equal(t, 3, payload.MaxDepth)

	missing, err := http.Get(env.http.URL + "/research/runs/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1", Status: store.StatusCompleted})
	seedRun(t, env, store.Run{ID: "run-2", Status: store.StatusRunning})

	resp, err := http.Get(env.http.URL + "/research/runs?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload listRunsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Len(t, payload.Runs, 1)

	bad, err := http.Get(env.http.URL + "/research/runs?limit=0")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestListRunSteps(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1"},
		stream.Init("req-1"),
		stream.ToolCall("s1", "web-search", map[string]any{"query": "q"}),
		stream.ToolResult("s1", map[string]any{"urls": 3}),
	)

	resp, err := http.Get(env.http.URL + "/research/runs/run-1/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload listRunStepsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Steps, 1)
	assert.Equal(t, "web-search", payload.Steps[0].Name)
	assert.Equal(t, "completed", payload.Steps[0].Status)
	assert.Equal(t, "q", payload.Steps[0].Args["query"])
}

func TestDeleteRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1", Status: store.StatusCompleted})

	req, err := http.NewRequest(http.MethodDelete, env.http.URL+"/research/runs/run-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = env.store.GetRun(context.Background(), "run-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamEvents_ReplayStopsAtTerminal(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1"},
		stream.Init("req-1"),
		stream.Chunk("hello "),
		stream.Chunk("world"),
		stream.Done(),
	)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(env.http.URL + "/research/runs/run-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events, state := readStream(t, resp.Body)
	assert.Len(t, events, 4)
	assert.Equal(t, "hello world", state.AccumulatedContent)
	assert.True(t, state.IsDone)
	assert.Equal(t, "req-1", state.RequestID)
}

func TestStreamEvents_AfterSeqAndLive(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1", Status: store.StatusRunning},
		stream.Init("req-1"),
		stream.Chunk("first "),
	)

	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/research/runs/run-1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "run-1:1")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return env.server.recorder.Broker().Subscribers("run-1") == 1
	}, time.Second, 5*time.Millisecond)
	go func() {
		_, _ = env.server.recorder.Record(context.Background(), "run-1", stream.Chunk("second"))
		_, _ = env.server.recorder.Record(context.Background(), "run-1", stream.Done())
	}()

	events, state := readStream(t, resp.Body)
	assert.Equal(t, []stream.EventType{stream.EventChunk, stream.EventChunk, stream.EventDone}, eventTypes(events))
	assert.Equal(t, "first second", state.AccumulatedContent)
}

func TestStreamEvents_PollsEventsRecordedElsewhere(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1", Source: store.SourceJob, Status: store.StatusRunning}, stream.Init("req-1"))
	worker := events.NewRecorder(env.store, nil, nil)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(env.http.URL + "/research/runs/run-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	go func() {
		_, _ = worker.Record(context.Background(), "run-1", stream.Chunk("from the worker"))
		_, _ = worker.Record(context.Background(), "run-1", stream.Done())
	}()

	events, state := readStream(t, resp.Body)
	assert.Equal(t, []stream.EventType{stream.EventInit, stream.EventChunk, stream.EventDone}, eventTypes(events))
	assert.Equal(t, "from the worker", state.AccumulatedContent)
}

func TestStreamEvents_FinishedRunWithoutTerminalEvent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedRun(t, env, store.Run{ID: "run-1", Status: store.StatusFailed}, stream.Init("req-1"))

	client := &http.Client{Timeout: 5 * time.Second}
	started := time.Now()
	resp, err := client.Get(env.http.URL + "/research/runs/run-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	events, _ := readStream(t, resp.Body)
	assert.Len(t, events, 1)
	assert.Less(t, time.Since(started), 4*time.Second)
}

func TestStreamEvents_NoFlusher(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/research/runs/run-1/events", nil)
	w := &noFlushWriter{}
	env.server.streamEvents(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.status)
}

func TestParseAfterSeq(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/research/runs/run-1/events?after_seq=9", nil)
	require.Equal(t, int64(9), parseAfterSeq("run-1", req))

	req = httptest.NewRequest(http.MethodGet, "/research/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "run-1:12")
	require.Equal(t, int64(12), parseAfterSeq("run-1", req))

	req = httptest.NewRequest(http.MethodGet, "/research/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "other:12")
	require.Equal(t, int64(0), parseAfterSeq("run-1", req))

	req = httptest.NewRequest(http.MethodGet, "/research/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "bad")
	require.Equal(t, int64(0), parseAfterSeq("run-1", req))

	req = httptest.NewRequest(http.MethodGet, "/research/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "run-1:abc")
	require.Equal(t, int64(0), parseAfterSeq("run-1", req))

	req = httptest.NewRequest(http.MethodGet, "/research/runs/run-1/events?after_seq=bad", nil)
	require.Equal(t, int64(0), parseAfterSeq("run-1", req))
}
