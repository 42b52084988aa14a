package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/workflow"
)

const (
	StepAnalyze   = "analyze-input"
	StepSearch    = "web-search"
	StepCrawl     = "crawl-primary"
	StepSummarize = "summarize-primary"
	StepLinks     = "extract-links"
)

func FilterStepID(round int) string { return fmt.Sprintf("filter-links-%d", round) }

func CrawlRelatedStepID(round int) string { return fmt.Sprintf("crawl-related-%d", round) }

// Pipeline assembles and runs the research workflow for one request.
type Pipeline struct {
	ops       *Operations
	batcher   *Batcher
	observers []workflow.Observer
	logger    *zap.Logger
}

type PipelineOption func(*Pipeline)

// WithStepObserver adds an observer to every run, for metrics or tracing.
func WithStepObserver(observer workflow.Observer) PipelineOption {
	return func(p *Pipeline) {
		if observer != nil {
			p.observers = append(p.observers, observer)
		}
	}
}

func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(ops *Operations, batcher *Batcher, opts ...PipelineOption) *Pipeline {
	if batcher == nil {
		batcher = NewBatcher(ops)
	}
	p := &Pipeline{ops: ops, batcher: batcher, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type runOptions struct {
	touch func()
}

type RunOption func(*runOptions)

// WithProgress is called at every step and crawl boundary so the caller can
// mark the request as alive.
func WithProgress(touch func()) RunOption {
	return func(o *runOptions) {
		o.touch = touch
	}
}

// Run executes the pipeline, streaming progress and the final answer to
// emit. Terminal events are left to the caller.
func (p *Pipeline) Run(ctx context.Context, req Request, emit stream.Emitter, opts ...RunOption) (Answer, error) {
	req = req.normalized()
	if emit == nil {
		emit = stream.Discard
	}
	ro := runOptions{touch: func() {}}
	for _, opt := range opts {
		opt(&ro)
	}

	wf, err := p.Build(req, emit, ro.touch)
	if err != nil {
		return Answer{}, err
	}
	logger := p.logger.With(zap.String("request_id", req.RequestID), zap.String("mode", string(req.Mode)))
	runOpts := []workflow.RunOption{
		workflow.WithLogger(logger),
		workflow.WithObserver(progressObserver(ro.touch)),
	}
	for _, obs := range p.observers {
		runOpts = append(runOpts, workflow.WithObserver(obs))
	}
	if req.FeedbackEnabled {
		runOpts = append(runOpts, workflow.WithObserver(newToolObserver(emit)))
	}

	final, _, err := wf.Run(ctx, workflow.Input{"prompt": req.Prompt, "url": req.URL}, runOpts...)
	if err != nil {
		return Answer{}, err
	}
	if err := ctx.Err(); err != nil {
		return Answer{}, fmt.Errorf("%w: %w", workflow.ErrCancelled, context.Cause(ctx))
	}
	answer, _ := final.(Answer)
	emit.Emit(stream.Chunk("\n"))
	for _, paragraph := range paragraphs(answer.Markdown()) {
		emit.Emit(stream.Chunk(paragraph))
	}
	logger.Info("research run completed", zap.Int("sources", len(answer.Sources)), zap.Bool("fallback", answer.Fallback))
	return answer, nil
}

// Build commits the ordered step list for req.
func (p *Pipeline) Build(req Request, emit stream.Emitter, touch func()) (*workflow.Workflow, error) {
	req = req.normalized()
	if touch == nil {
		touch = func() {}
	}
	query := workflow.Field(StepAnalyze, func(a Analysis) string { return a.Query })
	// Numbering keeps consecutive progress lines distinct for chunk dedup.
	read := 0

	b := workflow.New("research-" + string(req.Mode)).
		Then(workflow.Step{
			ID:    StepAnalyze,
			Fatal: true,
			Bindings: map[string]workflow.Binding{
				"prompt": workflow.TriggerField("prompt"),
				"url":    workflow.TriggerField("url"),
			},
			Run: func(ctx context.Context, in workflow.Input) (any, error) {
				return p.ops.AnalyzeInput(ctx, in.String("prompt"), in.String("url"))
			},
		}).
		Then(workflow.Step{
			ID: StepSearch,
			When: func(r *workflow.Results) bool {
				return r.Succeeded(StepAnalyze) && workflow.Lookup[Analysis](r, StepAnalyze).PrimaryURL == ""
			},
			Bindings: map[string]workflow.Binding{"query": query},
			Run: func(ctx context.Context, in workflow.Input) (any, error) {
				emit.Emit(stream.Chunk("Searching the web for sources…\n\n"))
				return p.ops.WebSearch(ctx, in.String("query")), nil
			},
		}).
		Then(workflow.Step{
			ID:       StepCrawl,
			When:     func(r *workflow.Results) bool { return crawlTarget(r) != "" },
			Bindings: map[string]workflow.Binding{"url": func(r *workflow.Results) any { return crawlTarget(r) }},
			Run: func(ctx context.Context, in workflow.Input) (any, error) {
				crawl := p.ops.CrawlPage(ctx, in.String("url"))
				if crawl.OK() {
					emit.Emit(stream.Chunk(fmt.Sprintf("Reading [%s](%s)\n\n", crawl.Title, crawl.URL)))
				} else {
					emit.Emit(stream.Chunk(fmt.Sprintf("Could not read %s\n\n", crawl.URL)))
				}
				return crawl, nil
			},
		}).
		Then(workflow.Step{
			ID: StepSummarize,
			When: func(r *workflow.Results) bool {
				return p.ops.CanSummarize() && workflow.Lookup[CrawlResult](r, StepCrawl).Content != ""
			},
			Bindings: map[string]workflow.Binding{
				"page":  workflow.Field(StepCrawl, func(c CrawlResult) CrawlResult { return c }),
				"query": query,
			},
			Run: func(ctx context.Context, in workflow.Input) (any, error) {
				return p.ops.SummarizePage(ctx, workflow.Value[CrawlResult](in, "page"), in.String("query")), nil
			},
		}).
		Then(workflow.Step{
			ID:   StepLinks,
			When: func(r *workflow.Results) bool { return workflow.Lookup[CrawlResult](r, StepCrawl).OK() },
			Bindings: map[string]workflow.Binding{
				"content": workflow.Field(StepCrawl, func(c CrawlResult) string { return c.Content }),
				"url":     workflow.Field(StepCrawl, func(c CrawlResult) string { return c.URL }),
				"links":   workflow.Field(StepCrawl, func(c CrawlResult) []string { return c.Links }),
			},
			Run: func(_ context.Context, in workflow.Input) (any, error) {
				return LinkSet{Links: ExtractLinks(in.String("content"), in.String("url"), in.Strings("links"))}, nil
			},
		})

	for round := 1; round <= req.Mode.Rounds(req.MaxDepth); round++ {
		filterID := FilterStepID(round)
		crawlID := CrawlRelatedStepID(round)
		candidates := relatedCandidates(round, req.Mode.SearchSeeds())
		b.Then(workflow.Step{
			ID:   filterID,
			When: func(r *workflow.Results) bool { return len(candidates(r)) > 0 },
			Bindings: map[string]workflow.Binding{
				"links":   func(r *workflow.Results) any { return candidates(r) },
				"context": func(r *workflow.Results) any { return knownContext(r) },
				"query":   query,
			},
			Run: func(ctx context.Context, in workflow.Input) (any, error) {
				return p.ops.FilterRelevantLinks(ctx, FilterRequest{
					Query:    in.String("query"),
					Context:  in.String("context"),
					Links:    in.Strings("links"),
					MaxLinks: req.Mode.MaxLinks(),
				}), nil
			},
		}).Then(workflow.Step{
			ID: crawlID,
			When: func(r *workflow.Results) bool {
				return len(workflow.Lookup[FilterResult](r, filterID).Links) > 0
			},
			Bindings: map[string]workflow.Binding{
				"links": workflow.Field(filterID, func(f FilterResult) []string { return f.Links }),
				"query": query,
			},
			Run: func(ctx context.Context, in workflow.Input) (any, error) {
				targets := in.Strings("links")
				emit.Emit(stream.Chunk(fmt.Sprintf("Following %d related link(s)…\n\n", len(targets))))
				return p.batcher.CrawlAndSummarize(ctx, targets, in.String("query"), func(item CrawlSummary) {
					touch()
					read++
					emit.Emit(stream.Chunk(fmt.Sprintf("%d. Read [%s](%s)\n", read, item.Crawl.Title, item.Crawl.URL)))
				}), nil
			},
		})
	}

	return b.Finally(func(ctx context.Context, r *workflow.Results) (any, error) {
		analysis := workflow.Lookup[Analysis](r, StepAnalyze)
		return p.ops.ComprehensiveSummary(ctx, analysis.Query, collectSources(r)), nil
	}).Commit()
}

// crawlTarget is the primary URL, or else the first search hit.
func crawlTarget(r *workflow.Results) string {
	if !r.Succeeded(StepAnalyze) {
		return ""
	}
	if primary := workflow.Lookup[Analysis](r, StepAnalyze).PrimaryURL; primary != "" {
		return primary
	}
	if hits := workflow.Lookup[SearchResult](r, StepSearch).URLs; len(hits) > 0 {
		return hits[0]
	}
	return ""
}

// relatedCandidates returns the binding for the links offered to the filter
// in round. Round one draws on the primary page (and, when seeds > 0, on
// further search hits); later rounds on what the previous round discovered.
// Anything already attempted is excluded.
func relatedCandidates(round int, seeds int) func(r *workflow.Results) []string {
	return func(r *workflow.Results) []string {
		visited := map[string]struct{}{}
		if crawled := workflow.Lookup[CrawlResult](r, StepCrawl); crawled.URL != "" {
			visited[crawled.URL] = struct{}{}
		}
		for prev := 1; prev < round; prev++ {
			for _, link := range workflow.Lookup[BatchResult](r, CrawlRelatedStepID(prev)).Attempted {
				visited[link] = struct{}{}
			}
		}

		var pool []string
		if round == 1 {
			if seeds > 0 {
				hits := workflow.Lookup[SearchResult](r, StepSearch).URLs
				if len(hits) > 1 {
					pool = append(pool, hits[1:min(len(hits), seeds+1)]...)
				}
			}
			pool = append(pool, workflow.Lookup[LinkSet](r, StepLinks).Links...)
		} else {
			pool = workflow.Lookup[BatchResult](r, CrawlRelatedStepID(round-1)).Discovered()
		}

		out := []string{}
		for _, link := range pool {
			if _, seen := visited[link]; seen {
				continue
			}
			visited[link] = struct{}{}
			out = append(out, link)
		}
		return out
	}
}

// knownContext joins every summary gathered so far.
func knownContext(r *workflow.Results) string {
	var parts []string
	for _, src := range collectSources(r) {
		body := src.Summary
		if body == "" {
			body = src.Excerpt
		}
		parts = append(parts, fmt.Sprintf("%s: %s", src.Title, body))
	}
	return strings.Join(parts, "\n")
}

// collectSources lists every page that produced content, primary first and
// then related pages in completion order.
func collectSources(r *workflow.Results) []Source {
	var sources []Source
	if crawl := workflow.Lookup[CrawlResult](r, StepCrawl); crawl.OK() {
		src := Source{URL: crawl.URL, Title: crawl.Title, Excerpt: excerpt(crawl.Content, defaultExcerptLength)}
		if summary := workflow.Lookup[SummaryResult](r, StepSummarize); summary.Error == "" {
			src.Summary = summary.Summary
		}
		sources = append(sources, src)
	}
	for _, batch := range workflow.Collect[BatchResult](r) {
		for _, item := range batch.Items {
			sources = append(sources, Source{
				URL:     item.Crawl.URL,
				Title:   item.Crawl.Title,
				Summary: item.Summary.Summary,
				Excerpt: excerpt(item.Crawl.Content, defaultExcerptLength),
			})
		}
	}
	return sources
}

func paragraphs(text string) []string {
	var out []string
	for _, part := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, part+"\n\n")
	}
	return out
}
