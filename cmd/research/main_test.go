package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/config"
	researchmcp "github.com/Keyring-Network/keyring-gavryn/research-plane/internal/mcp"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

func executeCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func streamingServer(t *testing.T, got *map[string]any, events ...stream.Event) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, event := range events {
			_ = stream.WriteFrame(w, event)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAskStreamsRawAnswer(t *testing.T) {
	var body map[string]any
	server := streamingServer(t, &body,
		stream.Init("req-1"),
		stream.ToolCall("s1", "web-search", nil),
		stream.Chunk("Go is "),
		stream.Chunk("a language."),
		stream.Done(),
	)

	stdout, stderr, err := executeCmd(t, "ask", "--server", server.URL, "--raw", "--mode", "think", "--depth", "2", "what", "is", "go")
	require.NoError(t, err)
	assert.Equal(t, "Go is a language.\n", stdout)
	assert.Contains(t, stderr, "> web-search")

	assert.Equal(t, "what is go", body["prompt"])
	assert.Equal(t, "think", body["mode"])
	assert.Equal(t, float64(2), body["maxDepth"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, true, body["feedbackEnabled"])
}

func TestAskRendersMarkdown(t *testing.T) {
	orig := renderMarkdown
	t.Cleanup(func() { renderMarkdown = orig })
	var rendered string
	renderMarkdown = func(markdown string) (string, error) {
		rendered = markdown
		return "RENDERED\n", nil
	}
	server := streamingServer(t, nil, stream.Init("req-1"), stream.Chunk("**bold** answer"), stream.Done())

	stdout, stderr, err := executeCmd(t, "ask", "--server", server.URL, "question")
	require.NoError(t, err)
	assert.Equal(t, "RENDERED\n", stdout)
	assert.Equal(t, "**bold** answer", rendered)
	assert.Contains(t, stderr, "**bold** answer")
}

func TestAskNoStreamPrintsWarning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, false, body["stream"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"sorry","warning":"Request timed out"}`))
	}))
	t.Cleanup(server.Close)

	stdout, stderr, err := executeCmd(t, "ask", "--server", server.URL, "--no-stream", "--raw", "slow question")
	require.NoError(t, err)
	assert.Equal(t, "sorry\n", stdout)
	assert.Contains(t, stderr, "warning: Request timed out")
}

func TestAskStreamError(t *testing.T) {
	server := streamingServer(t, nil, stream.Init("req-1"), stream.Error("Internal server error"))

	_, _, err := executeCmd(t, "ask", "--server", server.URL, "--raw", "question")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Internal server error")
}

func TestAskDuplicateSuggestsCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"A request with the same input is already in progress","requestId":"req-9"}`))
	}))
	t.Cleanup(server.Close)

	_, _, err := executeCmd(t, "ask", "--server", server.URL, "--retries", "0", "question")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "research cancel req-9")
}

func TestAskRequiresInput(t *testing.T) {
	_, _, err := executeCmd(t, "ask", "--server", "http://localhost:0")
	require.Error(t, err)
}

func TestAskUsesConfiguredServer(t *testing.T) {
	orig := loadConfig
	t.Cleanup(func() { loadConfig = orig })
	server := streamingServer(t, nil, stream.Init("req-1"), stream.Chunk("configured"), stream.Done())
	loadConfig = func() (config.Config, error) {
		return config.Config{ServerURL: server.URL}, nil
	}

	stdout, _, err := executeCmd(t, "ask", "--raw", "question")
	require.NoError(t, err)
	assert.Equal(t, "configured\n", stdout)
}

func TestCancel(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/research/cancel", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"cancelled":true}`))
	}))
	t.Cleanup(server.Close)

	stdout, _, err := executeCmd(t, "cancel", "--server", server.URL, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, "cancelled req-1\n", stdout)
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCmd(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "research version "))
}

func TestMCPCommandServesPipeline(t *testing.T) {
	origLoad, origLogger, origPipeline, origRegistry, origServe := loadConfig, newLogger, newPipeline, newRegistry, serveMCP
	t.Cleanup(func() {
		loadConfig, newLogger, newPipeline, newRegistry, serveMCP = origLoad, origLogger, origPipeline, origRegistry, origServe
	})
	loadConfig = func() (config.Config, error) {
		return config.Config{LLMProvider: "none"}, nil
	}
	newLogger = func(string, bool) (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	newPipeline = func(context.Context, config.Config, *zap.Logger, *metrics.Metrics) (*research.Pipeline, func() error, error) {
		return &research.Pipeline{}, func() error { return nil }, nil
	}
	newRegistry = func(config.Config, *zap.Logger) (*session.Registry, func() error, func(context.Context) error, error) {
		return session.NewRegistry(), func() error { return nil }, nil, nil
	}
	served := false
	serveMCP = func(s *researchmcp.Server) error {
		served = s != nil
		return nil
	}

	_, _, err := executeCmd(t, "mcp")
	require.NoError(t, err)
	assert.True(t, served)
}

func TestMCPCommandPipelineFailure(t *testing.T) {
	origLoad, origLogger, origPipeline := loadConfig, newLogger, newPipeline
	t.Cleanup(func() {
		loadConfig, newLogger, newPipeline = origLoad, origLogger, origPipeline
	})
	loadConfig = func() (config.Config, error) {
		return config.Config{LLMProvider: "mystery"}, nil
	}
	newLogger = func(string, bool) (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	newPipeline = func(context.Context, config.Config, *zap.Logger, *metrics.Metrics) (*research.Pipeline, func() error, error) {
		return nil, nil, errors.New("unsupported provider")
	}

	_, _, err := executeCmd(t, "mcp")
	assert.Error(t, err)
}
