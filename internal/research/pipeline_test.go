package research

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/reader"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/workflow"
)

func researchSite() *siteReader {
	return &siteReader{pages: map[string]reader.Page{
		"https://go.dev/blog/pipelines": {
			Title:   "Go Concurrency Patterns: Pipelines",
			Content: "# Pipelines\nStages connected by channels. See [context](https://go.dev/blog/context) and [login](https://go.dev/login).",
		},
		"https://go.dev/blog/context": {
			Title:   "Go Concurrency Patterns: Context",
			Content: "# Context\nCancellation signals. See [timeouts](https://go.dev/blog/timeouts).",
		},
		"https://go.dev/blog/timeouts": {
			Title:   "Timeouts",
			Content: "# Timeouts\nUse select with time.After.",
		},
	}}
}

func researchModel() *scriptedModel {
	return &scriptedModel{
		search:    reply(`["https://go.dev/blog/pipelines", "https://go.dev/blog/context"]`),
		summarize: reply("A short summary."),
		filter: func(prompt string) (string, error) {
			return `["https://go.dev/blog/context", "https://go.dev/blog/timeouts"]`, nil
		},
		synth: reply("Pipelines use channels [1]. Context cancels work [2].\n\nTimeouts bound waits [3]."),
	}
}

func stepIDs(t *testing.T, p *Pipeline, req Request) []string {
	t.Helper()
	wf, err := p.Build(req, stream.Discard, nil)
	require.NoError(t, err)
	return wf.StepIDs()
}

func TestBuildStepListPerMode(t *testing.T) {
	p := NewPipeline(NewOperations(nil, &siteReader{}), nil)
	base := []string{StepAnalyze, StepSearch, StepCrawl, StepSummarize, StepLinks}

	assert.Equal(t, base, stepIDs(t, p, Request{Mode: ModeSpin, MaxDepth: 5}))
	assert.Equal(t, append(append([]string{}, base...), "filter-links-1", "crawl-related-1", "filter-links-2", "crawl-related-2"),
		stepIDs(t, p, Request{Mode: ModeMain}))
	assert.Equal(t, base, stepIDs(t, p, Request{Mode: ModeThink, MaxDepth: 1}))
	assert.Len(t, stepIDs(t, p, Request{Mode: ModeThink, MaxDepth: 9}), len(base)+8)
}

func TestPipelineFollowsRelatedLinks(t *testing.T) {
	model := researchModel()
	site := researchSite()
	p := NewPipeline(NewOperations(model, site), nil)
	rec := &recorder{}

	answer, err := p.Run(context.Background(), Request{
		Mode:     ModeMain,
		Prompt:   "explain https://go.dev/blog/pipelines",
		MaxDepth: 3,
	}, rec)
	require.NoError(t, err)

	var urls []string
	for _, src := range answer.Sources {
		urls = append(urls, src.URL)
	}
	assert.Equal(t, []string{"https://go.dev/blog/pipelines", "https://go.dev/blog/context", "https://go.dev/blog/timeouts"}, urls)
	assert.False(t, answer.Fallback)
	assert.Equal(t, 0, model.count("You are a research assistant"), "a primary url skips search")

	text := rec.text()
	assert.Contains(t, text, "Reading [Pipelines](https://go.dev/blog/pipelines)")
	assert.Regexp(t, `\d\. Read \[Context\]\(https://go\.dev/blog/context\)`, text)
	assert.Contains(t, text, "Pipelines use channels [1].")
	assert.Contains(t, text, "**Sources**")
	assert.Empty(t, rec.byType(stream.EventToolCall), "feedback disabled")
}

func TestPipelineSearchesWhenNoURL(t *testing.T) {
	model := researchModel()
	p := NewPipeline(NewOperations(model, researchSite()), nil)
	rec := &recorder{}

	answer, err := p.Run(context.Background(), Request{Mode: ModeSpin, Prompt: "go pipelines", FeedbackEnabled: true}, rec)
	require.NoError(t, err)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "https://go.dev/blog/pipelines", answer.Sources[0].URL)
	assert.Equal(t, "A short summary.", answer.Sources[0].Summary)
	assert.Contains(t, rec.text(), "Searching the web")

	calls := rec.byType(stream.EventToolCall)
	results := rec.byType(stream.EventToolResult)
	require.Len(t, calls, 5)
	require.Len(t, results, 5)
	for i := range calls {
		assert.Equal(t, calls[i].ID, results[i].ID)
	}
	assert.Equal(t, StepAnalyze, calls[0].Name)
	assert.Equal(t, StepSearch, calls[1].Name)
}

func TestPipelineAmbiguousInputUsesSearch(t *testing.T) {
	model := researchModel()
	model.search = reply(`["https://go.dev/blog/context"]`)
	p := NewPipeline(NewOperations(model, researchSite()), nil)

	answer, err := p.Run(context.Background(), Request{
		Mode:   ModeSpin,
		Prompt: "compare https://go.dev/blog/pipelines and https://go.dev/blog/timeouts",
	}, nil)
	require.NoError(t, err)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "https://go.dev/blog/context", answer.Sources[0].URL)
}

func TestPipelineThinkSeedsSearchHits(t *testing.T) {
	model := researchModel()
	model.search = reply(`["https://go.dev/blog/pipelines", "https://go.dev/blog/timeouts"]`)
	var offered []string
	model.filter = func(prompt string) (string, error) {
		offered = append(offered, prompt)
		return `["https://go.dev/blog/timeouts"]`, nil
	}
	p := NewPipeline(NewOperations(model, researchSite()), nil)

	_, err := p.Run(context.Background(), Request{Mode: ModeThink, Prompt: "go concurrency", MaxDepth: 2}, nil)
	require.NoError(t, err)
	require.Len(t, offered, 1)
	assert.Contains(t, offered[0], "1. https://go.dev/blog/timeouts\n")
	assert.Contains(t, offered[0], "https://go.dev/blog/context")
	assert.NotContains(t, offered[0], "login")
}

func TestPipelineDegradesWithoutContent(t *testing.T) {
	model := researchModel()
	model.search = func(string) (string, error) { return "", errors.New("search down") }
	p := NewPipeline(NewOperations(model, researchSite()), nil)

	answer, err := p.Run(context.Background(), Request{Mode: ModeMain, Prompt: "anything"}, nil)
	require.NoError(t, err)
	assert.True(t, answer.Fallback)
	assert.Equal(t, noContentMessage, answer.Text)
}

func TestPipelineRejectsEmptyInput(t *testing.T) {
	p := NewPipeline(NewOperations(researchModel(), researchSite()), nil)
	_, err := p.Run(context.Background(), Request{Mode: ModeMain}, nil)
	var stepErr *workflow.StepFailedError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepAnalyze, stepErr.StepID)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestPipelineStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := researchModel()
	model.summarize = func(string) (string, error) {
		cancel()
		return "late", nil
	}
	p := NewPipeline(NewOperations(model, researchSite()), nil)
	rec := &recorder{}

	_, err := p.Run(ctx, Request{Mode: ModeMain, URL: "https://go.dev/blog/pipelines"}, rec)
	require.ErrorIs(t, err, workflow.ErrCancelled)
	assert.NotContains(t, rec.text(), "**Sources**")
}

func TestPipelineTouchesProgress(t *testing.T) {
	touches := 0
	p := NewPipeline(NewOperations(researchModel(), researchSite()), nil)
	_, err := p.Run(context.Background(), Request{Mode: ModeSpin, URL: "https://go.dev/blog/pipelines"}, nil, WithProgress(func() { touches++ }))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, touches, 6)
}

func TestToolSummary(t *testing.T) {
	assert.Equal(t, map[string]any{"error": "x"}, ToolSummary(workflow.StepError{Error: "x"}))
	assert.Equal(t, map[string]any{"count": 2}, ToolSummary(LinkSet{Links: []string{"a", "b"}}))
	got := ToolSummary(CrawlResult{URL: "u", Error: "Empty content returned from u"})
	assert.Equal(t, "Empty content returned from u", got["error"])
}

func TestPipelineProgressSurvivesChunkDedup(t *testing.T) {
	site := &siteReader{pages: map[string]reader.Page{
		"https://go.dev/blog/pipelines": {Content: "# Go Concurrency Patterns: Pipelines\nSee [context](https://go.dev/blog/context) and [timeouts](https://go.dev/blog/timeouts)."},
		"https://go.dev/blog/context":   {Content: "# Go Concurrency Patterns: Context\nCancellation."},
		"https://go.dev/blog/timeouts":  {Content: "# Go Concurrency Patterns: Timeouts\nDeadlines."},
	}}
	model := researchModel()
	model.synth = func(string) (string, error) { return "", errors.New("model down") }
	p := NewPipeline(NewOperations(model, site), nil)

	var buf bytes.Buffer
	encoder := stream.NewEncoder(&buf)
	require.NoError(t, encoder.Send(stream.Init("req-1")))
	answer, err := p.Run(context.Background(), Request{Mode: ModeMain, MaxDepth: 2, URL: "https://go.dev/blog/pipelines"}, encoder)
	require.NoError(t, err)
	require.True(t, answer.Fallback)

	assert.Equal(t, 0, encoder.Dropped())
	text := buf.String()
	assert.Contains(t, text, "Read [Go Concurrency Patterns: Context]")
	assert.Contains(t, text, "Read [Go Concurrency Patterns: Timeouts]")
	assert.Contains(t, text, "[1] **Go Concurrency Patterns: Pipelines**")
	assert.Contains(t, text, "[2] **Go Concurrency Patterns:")
	assert.Contains(t, text, "[3] **Go Concurrency Patterns:")
}
