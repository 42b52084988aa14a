package research

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize   = 2
	DefaultItemTimeout = 30 * time.Second
)

// Item outcomes reported to the batch hook.
const (
	OutcomeCompleted       = "completed"
	OutcomeCrawlFailed     = "crawl_failed"
	OutcomeSummarizeFailed = "summarize_failed"
	OutcomeTimedOut        = "timed_out"
)

// Batcher crawls and summarizes links in fixed-size batches. Items within a
// batch run concurrently; the next batch starts only after the whole batch
// has finished or timed out.
type Batcher struct {
	ops         *Operations
	size        int
	itemTimeout time.Duration
	hook        func(outcome string)
	logger      *zap.Logger
}

type BatcherOption func(*Batcher)

func WithBatchSize(size int) BatcherOption {
	return func(b *Batcher) {
		if size > 0 {
			b.size = size
		}
	}
}

func WithItemTimeout(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.itemTimeout = d
		}
	}
}

// WithOutcomeHook is called once per item with one of the Outcome values.
func WithOutcomeHook(fn func(outcome string)) BatcherOption {
	return func(b *Batcher) {
		b.hook = fn
	}
}

func WithBatcherLogger(logger *zap.Logger) BatcherOption {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBatcher(ops *Operations, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		ops:         ops,
		size:        DefaultBatchSize,
		itemTimeout: DefaultItemTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CrawlAndSummarize processes links and returns the items that completed,
// in completion order. onItem, when set, is called for each completed item
// as it completes; calls are serialized. Cancellation of ctx stops the run
// before the next batch.
func (b *Batcher) CrawlAndSummarize(ctx context.Context, links []string, query string, onItem func(CrawlSummary)) BatchResult {
	result := BatchResult{Items: []CrawlSummary{}, Attempted: []string{}}
	var mu sync.Mutex

	for start := 0; start < len(links); start += b.size {
		if ctx.Err() != nil {
			b.logger.Debug("batch run cancelled", zap.Int("remaining", len(links)-start))
			break
		}
		end := min(start+b.size, len(links))
		batch := links[start:end]
		result.Attempted = append(result.Attempted, batch...)

		var group errgroup.Group
		for _, link := range batch {
			group.Go(func() error {
				item, outcome := b.process(ctx, link, query)
				if b.hook != nil {
					b.hook(outcome)
				}
				if outcome != OutcomeCompleted {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				result.Items = append(result.Items, item)
				if onItem != nil {
					onItem(item)
				}
				return nil
			})
		}
		_ = group.Wait()
	}
	return result
}

type itemResult struct {
	item    CrawlSummary
	outcome string
}

// process runs one item under its own deadline. When the deadline passes the
// item is abandoned; the worker goroutine observes the cancelled context and
// its late result is dropped.
func (b *Batcher) process(parent context.Context, link string, query string) (CrawlSummary, string) {
	ctx, cancel := context.WithTimeout(parent, b.itemTimeout)
	defer cancel()

	done := make(chan itemResult, 1)
	go func() {
		done <- b.crawlAndSummarize(ctx, link, query)
	}()

	select {
	case res := <-done:
		if ctx.Err() != nil {
			return CrawlSummary{}, OutcomeTimedOut
		}
		return res.item, res.outcome
	case <-ctx.Done():
		b.logger.Info("crawl item abandoned", zap.String("url", link), zap.Error(context.Cause(ctx)))
		return CrawlSummary{}, OutcomeTimedOut
	}
}

func (b *Batcher) crawlAndSummarize(ctx context.Context, link string, query string) itemResult {
	crawl := b.ops.CrawlPage(ctx, link)
	if !crawl.OK() {
		return itemResult{outcome: OutcomeCrawlFailed}
	}
	if !b.ops.CanSummarize() {
		return itemResult{item: CrawlSummary{Crawl: crawl, Summary: SummaryResult{SourceURL: link}}, outcome: OutcomeCompleted}
	}
	// An abandoned item must not start a model call once its crawl returns.
	if ctx.Err() != nil {
		return itemResult{outcome: OutcomeTimedOut}
	}
	summary := b.ops.SummarizePage(ctx, crawl, query)
	if summary.Error != "" {
		return itemResult{outcome: OutcomeSummarizeFailed}
	}
	return itemResult{item: CrawlSummary{Crawl: crawl, Summary: summary}, outcome: OutcomeCompleted}
}
