// Package app wires configuration into the research pipeline and its
// backends. The binaries under cmd share it so the server, the job worker,
// and the CLI's MCP mode run the same pipeline.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/personality"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/reader"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store/postgres"
)

// ProviderNone runs the pipeline without a model: summaries are skipped and
// the answer is built from page excerpts.
const ProviderNone = "none"

var newPostgresStore = postgres.New

// NewGenerator returns nil when cfg selects no model.
func NewGenerator(ctx context.Context, cfg config.Config) (llm.Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if provider == "" || provider == ProviderNone {
		return nil, nil
	}
	p, err := llm.NewProvider(ctx, llm.Config{
		Provider:         provider,
		Model:            cfg.LLMModel,
		BaseURL:          cfg.LLMBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		GeminiAPIKey:     cfg.GeminiAPIKey,
		Timeout:          cfg.LLMTimeout,
	})
	if err != nil {
		return nil, err
	}
	system, err := personality.Load(cfg.SystemPromptFile)
	if err != nil {
		return nil, err
	}
	return llm.NewGenerator(p, system), nil
}

// NewReader builds the page reader named by cfg.ReaderMode behind a TTL
// cache. The returned close function releases the browser, if any.
func NewReader(cfg config.Config, logger *zap.Logger) (reader.Reader, func() error, error) {
	var (
		base    reader.Reader
		closeFn = func() error { return nil }
	)
	switch strings.ToLower(strings.TrimSpace(cfg.ReaderMode)) {
	case "", "http":
		base = reader.NewHTTPReader(reader.HTTPConfig{
			Prefix: cfg.ReaderBaseURL,
			Logger: logger,
		})
	case "browser":
		browser := reader.NewBrowserReader(reader.BrowserConfig{
			ControlURL: cfg.BrowserControlURL,
			Logger:     logger,
		})
		base = browser
		closeFn = browser.Close
	default:
		return nil, nil, fmt.Errorf("unsupported reader mode %q", cfg.ReaderMode)
	}
	if cfg.ReaderCacheSize <= 0 || cfg.ReaderCacheTTL <= 0 {
		return base, closeFn, nil
	}
	return reader.NewCache(base, cfg.ReaderCacheSize, cfg.ReaderCacheTTL), closeFn, nil
}

// NewPipeline assembles operations, the crawl batcher, and the pipeline.
// m may be nil.
func NewPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*research.Pipeline, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gen, err := NewGenerator(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if gen == nil {
		logger.Warn("no LLM provider configured, answers will be built from page excerpts")
	}
	rd, closeReader, err := NewReader(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	ops := research.NewOperations(gen, rd, research.WithLogger(logger))
	batcherOpts := []research.BatcherOption{
		research.WithBatchSize(cfg.CrawlBatchSize),
		research.WithItemTimeout(cfg.CrawlItemTimeout),
		research.WithBatcherLogger(logger),
	}
	pipelineOpts := []research.PipelineOption{research.WithPipelineLogger(logger)}
	if m != nil {
		batcherOpts = append(batcherOpts, research.WithOutcomeHook(m.CrawlOutcome))
		pipelineOpts = append(pipelineOpts, research.WithStepObserver(m.Observer()))
	}
	batcher := research.NewBatcher(ops, batcherOpts...)
	return research.NewPipeline(ops, batcher, pipelineOpts...), closeReader, nil
}

// NewStore opens Postgres when cfg.PostgresURL is set and falls back to the
// in-memory store otherwise. ping is nil for the memory store.
func NewStore(cfg config.Config) (st store.Store, closeFn func() error, ping func(context.Context) error, err error) {
	if strings.TrimSpace(cfg.PostgresURL) == "" {
		return memory.New(), func() error { return nil }, nil, nil
	}
	pg, err := newPostgresStore(cfg.PostgresURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return pg, pg.Close, pg.Ping, nil
}

// NewRegistry returns the session registry. When cfg.RedisURL is set the
// registry also takes a Redis lease per fingerprint so duplicate suppression
// spans replicas; ping is nil otherwise.
func NewRegistry(cfg config.Config, logger *zap.Logger) (registry *session.Registry, closeFn func() error, ping func(context.Context) error, err error) {
	opts := []session.Option{
		session.WithStaleAfter(cfg.SessionStaleAfter),
		session.WithLogger(logger),
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return session.NewRegistry(opts...), func() error { return nil }, nil, nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	opts = append(opts, session.WithGuard(session.NewRedisGuard(client, cfg.RedisPrefix)))
	ping = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return session.NewRegistry(opts...), client.Close, ping, nil
}
