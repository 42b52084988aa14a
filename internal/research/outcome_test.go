package research

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithTimeoutCompleted(t *testing.T) {
	p := NewPipeline(NewOperations(researchModel(), researchSite()), nil)
	out := p.RunWithTimeout(context.Background(), Request{Mode: ModeSpin, URL: "https://go.dev/blog/pipelines"}, nil, time.Minute)
	require.NoError(t, out.Err)
	assert.Equal(t, OutcomeStatusCompleted, out.Status)
	assert.Equal(t, out.Answer.Markdown(), out.Response)
	assert.Empty(t, out.Warning)
}

func TestRunWithTimeoutApologises(t *testing.T) {
	site := researchSite()
	site.delay = map[string]time.Duration{"https://go.dev/blog/pipelines": time.Second}
	p := NewPipeline(NewOperations(researchModel(), site), nil)

	started := time.Now()
	out := p.RunWithTimeout(context.Background(), Request{Mode: ModeMain, URL: "https://go.dev/blog/pipelines"}, nil, 30*time.Millisecond)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, OutcomeStatusTimedOut, out.Status)
	assert.Equal(t, TimeoutApology, out.Response)
	assert.Equal(t, TimeoutWarning, out.Warning)
	assert.ErrorIs(t, out.Err, ErrRequestTimeout)
}

func TestRunWithTimeoutCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(NewOperations(researchModel(), researchSite()), nil)
	out := p.RunWithTimeout(ctx, Request{Mode: ModeMain, Prompt: "anything"}, nil, time.Minute)
	assert.Equal(t, OutcomeStatusCancelled, out.Status)
	assert.Empty(t, out.Response)
}

func TestRunWithTimeoutFailed(t *testing.T) {
	p := NewPipeline(NewOperations(researchModel(), researchSite()), nil)
	out := p.RunWithTimeout(context.Background(), Request{Mode: ModeMain}, nil, 0)
	assert.Equal(t, OutcomeStatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrEmptyInput)
}
