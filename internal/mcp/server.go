// Package mcp exposes the research pipeline as Model Context Protocol tools so
// agents can run research over stdio without going through the HTTP service.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/api"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

const serverName = "research-mcp"

// ErrDuplicate is returned when an identical research request is already
// running in this process.
var ErrDuplicate = errors.New("a request with the same input is already in progress")

// Researcher runs one bounded research request.
type Researcher interface {
	RunWithTimeout(ctx context.Context, req research.Request, emit stream.Emitter, timeout time.Duration, opts ...research.RunOption) research.Outcome
}

// ResearchResponse is the structured result of the research tool.
type ResearchResponse struct {
	RequestID string            `json:"requestId" jsonschema_description:"Identifier of the research request"`
	Status    string            `json:"status" jsonschema_description:"completed or timed_out"`
	Response  string            `json:"response" jsonschema_description:"Markdown answer with numbered sources"`
	Warning   string            `json:"warning,omitempty" jsonschema_description:"Set when the request hit the time limit"`
	Sources   []research.Source `json:"sources,omitempty" jsonschema_description:"Pages the answer was synthesized from"`
	Steps     []string          `json:"steps,omitempty" jsonschema_description:"Pipeline steps that ran"`
}

type Option func(*Server)

func WithRegistry(registry *session.Registry) Option {
	return func(s *Server) {
		if registry != nil {
			s.registry = registry
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server wraps a Researcher and exposes it as an MCP server.
type Server struct {
	researcher Researcher
	registry   *session.Registry
	timeout    time.Duration
	logger     *zap.Logger
	mcpServer  *server.MCPServer
}

func NewServer(researcher Researcher, version string, opts ...Option) *Server {
	s := &Server{
		researcher: researcher,
		timeout:    research.DefaultRequestTimeout,
		logger:     zap.NewNop(),
		mcpServer:  server.NewMCPServer(serverName, strings.TrimSpace(version)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = session.NewRegistry(session.WithLogger(s.logger))
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio serves on stdin and stdout until the input is closed.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	researchTool := mcp.NewTool("research",
		mcp.WithDescription("Research a question or URL on the web and return a cited markdown answer."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Question or URL to research")),
		mcp.WithString("mode", mcp.Enum(string(research.ModeMain), string(research.ModeSpin), string(research.ModeThink)), mcp.Description("main follows related links, spin reads one page, think also uses search results")),
		mcp.WithNumber("maxDepth", mcp.Description("Link rounds to follow, 1 to 5 (default 3)")),
		mcp.WithBoolean("feedbackEnabled", mcp.Description("Stream progress notes while researching")),
		mcp.WithOutputSchema[ResearchResponse](),
	)
	s.mcpServer.AddTool(researchTool, mcp.NewStructuredToolHandler(s.handleResearch))

	s.mcpServer.AddTool(mcp.NewTool("cancel_research",
		mcp.WithDescription("Cancel an in-flight research request."),
		mcp.WithString("requestId", mcp.Required(), mcp.Description("Identifier returned by the research tool")),
	), s.handleCancel)

	s.mcpServer.AddTool(mcp.NewTool("active_requests",
		mcp.WithDescription("List research requests currently running."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(s.activeJSON()), nil
	})
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource("research://active", "Active research requests",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "research://active",
				MIMEType: "application/json",
				Text:     s.activeJSON(),
			},
		}, nil
	})
}

func (s *Server) handleResearch(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (ResearchResponse, error) {
	if s.researcher == nil {
		return ResearchResponse{}, errors.New("research pipeline is not configured")
	}
	body, err := json.Marshal(args)
	if err != nil {
		return ResearchResponse{}, fmt.Errorf("encode arguments: %w", err)
	}
	trigger, err := api.ParseTrigger(bytes.NewReader(body))
	if err != nil {
		return ResearchResponse{}, err
	}

	req := trigger.Request
	fingerprint := session.Fingerprint(string(req.Mode), req.Prompt, req.URL)
	ticket, alreadyActive := s.registry.Admit(ctx, fingerprint)
	if alreadyActive {
		return ResearchResponse{}, ErrDuplicate
	}
	defer ticket.Release()
	req.RequestID = ticket.ID()
	logger := s.logger.With(zap.String("request_id", req.RequestID), zap.String("mode", string(req.Mode)))
	logger.Info("research tool called")

	steps := &stepLog{}
	outcome := s.researcher.RunWithTimeout(ticket.Context(), req, steps, s.timeout, research.WithProgress(ticket.Touch))
	switch outcome.Status {
	case research.OutcomeStatusCompleted:
		return ResearchResponse{
			RequestID: req.RequestID,
			Status:    outcome.Status,
			Response:  outcome.Response,
			Sources:   outcome.Answer.Sources,
			Steps:     steps.names(),
		}, nil
	case research.OutcomeStatusTimedOut:
		logger.Warn("research tool timed out")
		return ResearchResponse{
			RequestID: req.RequestID,
			Status:    outcome.Status,
			Response:  outcome.Response,
			Warning:   outcome.Warning,
			Steps:     steps.names(),
		}, nil
	case research.OutcomeStatusCancelled:
		return ResearchResponse{}, errors.New("request cancelled")
	default:
		logger.Error("research tool failed", zap.Error(outcome.Err))
		if outcome.Err != nil {
			return ResearchResponse{}, fmt.Errorf("research failed: %w", outcome.Err)
		}
		return ResearchResponse{}, errors.New("research failed")
	}
}

func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("requestId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.registry.CancelRequest(strings.TrimSpace(requestID)) {
		return mcp.NewToolResultError(fmt.Sprintf("no active request %q", requestID)), nil
	}
	return mcp.NewToolResultText("cancelled"), nil
}

type activeRequest struct {
	RequestID   string `json:"requestId"`
	Fingerprint string `json:"fingerprint"`
	StartedAt   string `json:"startedAt"`
}

func (s *Server) activeJSON() string {
	active := s.registry.Active()
	out := make([]activeRequest, 0, len(active))
	for _, entry := range active {
		out = append(out, activeRequest{
			RequestID:   entry.ID,
			Fingerprint: entry.Fingerprint,
			StartedAt:   entry.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// stepLog records the names of tool calls in the order they started.
type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) Emit(event stream.Event) {
	if event.Type != stream.EventToolCall || event.Name == "" {
		return
	}
	l.mu.Lock()
	l.steps = append(l.steps, event.Name)
	l.mu.Unlock()
}

func (l *stepLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}
