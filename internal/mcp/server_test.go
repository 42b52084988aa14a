package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

type fakeResearcher struct {
	run func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome
}

func (f fakeResearcher) RunWithTimeout(ctx context.Context, req research.Request, emit stream.Emitter, timeout time.Duration, opts ...research.RunOption) research.Outcome {
	return f.run(ctx, req, emit)
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var request mcp.CallToolRequest
	request.Params.Arguments = args
	return request
}

func TestHandleResearchCompleted(t *testing.T) {
	var got research.Request
	s := NewServer(fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		got = req
		emit.Emit(stream.ToolCall("analyze-input", "analyze-input", nil))
		emit.Emit(stream.ToolResult("analyze-input", nil))
		emit.Emit(stream.ToolCall("crawl-primary", "crawl-url", nil))
		answer := research.Answer{Text: "Go is a language.", Sources: []research.Source{{URL: "https://go.dev", Title: "Go"}}}
		return research.Outcome{Status: research.OutcomeStatusCompleted, Answer: answer, Response: answer.Markdown()}
	}}, "test")

	args := map[string]any{"prompt": "what is go", "mode": "think", "maxDepth": float64(2)}
	resp, err := s.handleResearch(context.Background(), callRequest(args), args)
	require.NoError(t, err)

	assert.Equal(t, research.OutcomeStatusCompleted, resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.Contains(t, resp.Response, "[Go](https://go.dev)")
	assert.Len(t, resp.Sources, 1)
	assert.Equal(t, []string{"analyze-input", "crawl-url"}, resp.Steps)
	assert.Equal(t, research.ModeThink, got.Mode)
	assert.Equal(t, 2, got.MaxDepth)
	assert.Equal(t, resp.RequestID, got.RequestID)
	assert.Equal(t, 0, s.registry.Len())
}

func TestHandleResearchTimedOut(t *testing.T) {
	s := NewServer(fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		return research.Outcome{Status: research.OutcomeStatusTimedOut, Response: research.TimeoutApology, Warning: research.TimeoutWarning}
	}}, "test")

	args := map[string]any{"prompt": "slow question"}
	resp, err := s.handleResearch(context.Background(), callRequest(args), args)
	require.NoError(t, err)
	assert.Equal(t, research.TimeoutApology, resp.Response)
	assert.Equal(t, research.TimeoutWarning, resp.Warning)
}

func TestHandleResearchFailed(t *testing.T) {
	s := NewServer(fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		return research.Outcome{Status: research.OutcomeStatusFailed, Err: errors.New("reader down")}
	}}, "test")

	args := map[string]any{"prompt": "question"}
	_, err := s.handleResearch(context.Background(), callRequest(args), args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reader down")
}

func TestHandleResearchValidation(t *testing.T) {
	s := NewServer(fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		t.Fatal("researcher must not run for invalid input")
		return research.Outcome{}
	}}, "test")

	cases := []map[string]any{
		{},
		{"prompt": "   "},
		{"prompt": "question", "mode": "dream"},
		{"prompt": "question", "maxDepth": float64(9)},
	}
	for _, args := range cases {
		_, err := s.handleResearch(context.Background(), callRequest(args), args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestHandleResearchRejectsDuplicate(t *testing.T) {
	registry := session.NewRegistry()
	started := make(chan struct{})
	finish := make(chan struct{})
	s := NewServer(fakeResearcher{run: func(ctx context.Context, req research.Request, emit stream.Emitter) research.Outcome {
		close(started)
		<-finish
		return research.Outcome{Status: research.OutcomeStatusCompleted, Response: "done"}
	}}, "test", WithRegistry(registry))

	args := map[string]any{"prompt": "same question"}
	done := make(chan error, 1)
	go func() {
		_, err := s.handleResearch(context.Background(), callRequest(args), args)
		done <- err
	}()
	<-started

	_, err := s.handleResearch(context.Background(), callRequest(args), args)
	assert.ErrorIs(t, err, ErrDuplicate)

	close(finish)
	require.NoError(t, <-done)
}

func TestHandleCancel(t *testing.T) {
	registry := session.NewRegistry()
	s := NewServer(nil, "test", WithRegistry(registry))
	ticket, _ := registry.Admit(context.Background(), "main:question")

	result, err := s.handleCancel(context.Background(), callRequest(map[string]any{"requestId": ticket.ID()}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Error(t, ticket.Context().Err())

	result, err = s.handleCancel(context.Background(), callRequest(map[string]any{"requestId": ticket.ID()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleCancel(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestActiveJSON(t *testing.T) {
	registry := session.NewRegistry()
	s := NewServer(nil, "test", WithRegistry(registry))
	assert.JSONEq(t, `[]`, s.activeJSON())

	ticket, _ := registry.Admit(context.Background(), "spin:https://go.dev")
	var active []activeRequest
	require.NoError(t, json.Unmarshal([]byte(s.activeJSON()), &active))
	require.Len(t, active, 1)
	assert.Equal(t, ticket.ID(), active[0].RequestID)
	assert.Equal(t, "spin:https://go.dev", active[0].Fingerprint)
}

func TestHandleResearchWithoutResearcher(t *testing.T) {
	s := NewServer(nil, "test")
	args := map[string]any{"prompt": "question"}
	_, err := s.handleResearch(context.Background(), callRequest(args), args)
	assert.Error(t, err)
}
