// Package research implements the individual research operations and
// assembles them into the per-request pipeline.
package research

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/links"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/reader"
)

var (
	ErrEmptyInput   = errors.New("prompt or url is required")
	ErrInvalidURL   = errors.New("url must be an absolute http(s) url")
	ErrEmptyContent = errors.New("empty content")
	ErrNoModel      = errors.New("no language model configured")
)

const (
	maxSearchResults     = 10
	maxPromptContent     = 12000
	maxTitleRunes        = 120
	headingScanLines     = 12
	defaultExcerptLength = 600
)

// Operations holds the capabilities every research step draws on. A nil
// Generator is allowed; model-backed operations then take their fallbacks.
type Operations struct {
	gen    llm.Generator
	reader reader.Reader
	logger *zap.Logger
}

type Option func(*Operations)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Operations) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func NewOperations(gen llm.Generator, rd reader.Reader, opts ...Option) *Operations {
	o := &Operations{gen: gen, reader: rd, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CanSummarize reports whether a model is available for summaries.
func (o *Operations) CanSummarize() bool {
	return o.gen != nil
}

// AnalyzeInput finds the URLs named in prompt. An explicit url takes
// precedence and becomes the primary URL.
func (o *Operations) AnalyzeInput(_ context.Context, prompt string, explicitURL string) (Analysis, error) {
	prompt = strings.TrimSpace(prompt)
	explicitURL = strings.TrimSpace(explicitURL)
	if prompt == "" && explicitURL == "" {
		return Analysis{}, ErrEmptyInput
	}
	if explicitURL != "" {
		if !links.IsAbsolute(explicitURL) {
			return Analysis{}, fmt.Errorf("%w: %q", ErrInvalidURL, explicitURL)
		}
		query := prompt
		if query == "" {
			query = explicitURL
		}
		return Analysis{Query: query, ExtractedURLs: []string{explicitURL}, PrimaryURL: explicitURL}, nil
	}

	extracted := links.Extract(prompt, "")
	analysis := Analysis{Query: prompt, ExtractedURLs: extracted}
	if len(extracted) == 1 {
		analysis.PrimaryURL = extracted[0]
	}
	return analysis, nil
}

// WebSearch asks the model for source URLs. Failures are reported in the
// result, never returned.
func (o *Operations) WebSearch(ctx context.Context, query string) SearchResult {
	result := SearchResult{Query: query, URLs: []string{}}
	if o.gen == nil {
		result.Error = ErrNoModel.Error()
		return result
	}
	text, err := o.gen.GenerateText(ctx, searchPrompt(query))
	if err != nil {
		o.logger.Info("web search failed", zap.String("query", truncate(query, 80)), zap.Error(err))
		result.Error = err.Error()
		return result
	}
	urls, err := parseURLList(text)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if len(urls) > maxSearchResults {
		urls = urls[:maxSearchResults]
	}
	result.URLs = urls
	return result
}

// CrawlPage reads one URL. Empty pages and read failures are reported in
// the result with empty content.
func (o *Operations) CrawlPage(ctx context.Context, target string) CrawlResult {
	result := CrawlResult{URL: target, Title: titleFromURL(target), Links: []string{}}
	page, err := o.reader.ReadURL(ctx, target)
	if err != nil {
		o.logger.Info("crawl failed", zap.String("url", target), zap.Error(err))
		result.Error = fmt.Sprintf("Failed to crawl %s: %v", target, err)
		return result
	}
	content := strings.TrimSpace(page.Content)
	if content == "" {
		result.Error = fmt.Sprintf("Empty content returned from %s", target)
		return result
	}
	result.Content = content
	result.Title = deriveTitle(content, page.Title, target)
	result.Links = ExtractLinks(content, target, page.Links)
	return result
}

// SummarizePage produces a short summary of one page's content.
func (o *Operations) SummarizePage(ctx context.Context, page CrawlResult, query string) SummaryResult {
	result := SummaryResult{SourceURL: page.URL}
	if strings.TrimSpace(page.Content) == "" {
		result.Error = ErrEmptyContent.Error()
		return result
	}
	if o.gen == nil {
		result.Error = ErrNoModel.Error()
		return result
	}
	text, err := o.gen.GenerateText(ctx, summaryPrompt(page, query))
	if err != nil {
		o.logger.Info("summarize failed", zap.String("url", page.URL), zap.Error(err))
		result.Error = err.Error()
		return result
	}
	summary := stripWrappers(text)
	if summary == "" {
		result.Error = "model returned an empty summary"
		return result
	}
	result.Summary = summary
	return result
}

// ExtractLinks returns the union of known and the links found in content,
// keeping only absolute http(s) URLs.
func ExtractLinks(content string, sourceURL string, known []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if !links.IsAbsolute(raw) {
			return
		}
		if _, dup := seen[raw]; dup {
			return
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	for _, link := range known {
		add(link)
	}
	for _, link := range links.Extract(content, sourceURL) {
		add(link)
	}
	return out
}

// deriveTitle prefers a markdown heading near the top of content, then the
// document title, then the last path segment of the URL.
func deriveTitle(content string, documentTitle string, target string) string {
	lines := strings.Split(content, "\n")
	if len(lines) > headingScanLines {
		lines = lines[:headingScanLines]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if heading := strings.TrimSpace(strings.TrimLeft(line, "#")); heading != "" {
				return truncate(heading, maxTitleRunes)
			}
		}
		if rest, ok := strings.CutPrefix(line, "Title:"); ok && strings.TrimSpace(rest) != "" {
			return truncate(strings.TrimSpace(rest), maxTitleRunes)
		}
	}
	if title := strings.TrimSpace(documentTitle); title != "" {
		return truncate(title, maxTitleRunes)
	}
	return titleFromURL(target)
}

func titleFromURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	segment := path.Base(strings.TrimRight(parsed.Path, "/"))
	if segment == "." || segment == "/" || segment == "" {
		if parsed.Host != "" {
			return parsed.Host
		}
		return raw
	}
	if decoded, err := url.PathUnescape(segment); err == nil {
		return decoded
	}
	return segment
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
