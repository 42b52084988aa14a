package api

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

type fakeResearcher struct {
	run func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome

	mu       sync.Mutex
	requests []research.Request
	timeouts []time.Duration
}

func (f *fakeResearcher) RunWithTimeout(ctx context.Context, req research.Request, emit stream.Emitter, timeout time.Duration, opts ...research.RunOption) research.Outcome {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()
	return f.run(ctx, req, emit)
}

func (f *fakeResearcher) lastRequest() research.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return research.Request{}
	}
	return f.requests[len(f.requests)-1]
}

func answering(text string) *fakeResearcher {
	return &fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		emit.Emit(stream.ToolCall("call-1", "analyze-input", map[string]any{"prompt": req.Prompt}))
		emit.Emit(stream.ToolResult("call-1", map[string]any{"query": req.Prompt}))
		emit.Emit(stream.Chunk("Searching the web..."))
		emit.Emit(stream.Chunk(text))
		return research.Outcome{Status: research.OutcomeStatusCompleted, Response: text}
	}}
}

// blocking waits for release or cancellation.
func blocking(release <-chan struct{}) *fakeResearcher {
	return &fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		emit.Emit(stream.Chunk("working"))
		select {
		case <-release:
			return research.Outcome{Status: research.OutcomeStatusCompleted, Response: "released"}
		case <-ctx.Done():
			return research.Outcome{Status: research.OutcomeStatusCancelled, Err: context.Cause(ctx)}
		}
	}}
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	store    *memory.MemoryStore
	registry *session.Registry
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, researcher Researcher, jobs JobService) *testEnv {
	t.Helper()
	mem := memory.New()
	registry := session.NewRegistry()
	m := metrics.New()
	srv := NewServer(Deps{
		Researcher: researcher,
		Registry:   registry,
		Store:      mem,
		Recorder:   events.NewRecorder(mem, events.NewBroker(), nil),
		Jobs:       jobs,
		Metrics:    m,
	}, config.Config{RequestTimeout: 5 * time.Second})
	httpServer := httptest.NewServer(srv.Router())
	t.Cleanup(httpServer.Close)
	return &testEnv{server: srv, http: httpServer, store: mem, registry: registry, metrics: m}
}

type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) StartJob(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockJobService) CancelJob(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}
