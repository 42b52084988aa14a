package research

import (
	"fmt"
	"strings"
)

// Analysis is the output of AnalyzeInput.
type Analysis struct {
	Query         string   `json:"query"`
	ExtractedURLs []string `json:"extractedUrls"`
	// PrimaryURL is set only when the input named exactly one URL.
	PrimaryURL string `json:"primaryUrl,omitempty"`
}

// Ambiguous reports whether the input named several URLs.
func (a Analysis) Ambiguous() bool {
	return len(a.ExtractedURLs) > 1
}

type SearchResult struct {
	Query string   `json:"query"`
	URLs  []string `json:"urls"`
	Error string   `json:"error,omitempty"`
}

// CrawlResult holds either content or an error, never both.
type CrawlResult struct {
	URL     string   `json:"url"`
	Content string   `json:"content"`
	Title   string   `json:"title"`
	Links   []string `json:"links"`
	Error   string   `json:"error,omitempty"`
}

func (c CrawlResult) OK() bool {
	return c.Error == "" && c.Content != ""
}

type SummaryResult struct {
	Summary   string `json:"summary"`
	SourceURL string `json:"sourceUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

type LinkSet struct {
	Links []string `json:"links"`
}

type FilterResult struct {
	Links []string `json:"links"`
	// Fallback is true when the model selection failed and the first
	// surviving candidates were used instead.
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CrawlSummary is one item that completed both crawl and summarize.
type CrawlSummary struct {
	Crawl   CrawlResult   `json:"crawl"`
	Summary SummaryResult `json:"summary"`
}

type BatchResult struct {
	Items     []CrawlSummary `json:"items"`
	Attempted []string       `json:"attempted"`
}

// Discovered returns the links found on every completed page, deduplicated.
func (b BatchResult) Discovered() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, item := range b.Items {
		for _, link := range item.Crawl.Links {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			out = append(out, link)
		}
	}
	return out
}

// Source is one page's contribution to the final synthesis.
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Answer is the synthesized result of a research run.
type Answer struct {
	Query    string   `json:"query"`
	Text     string   `json:"text"`
	Sources  []Source `json:"sources"`
	Fallback bool     `json:"fallback,omitempty"`
}

// Markdown renders the answer followed by a numbered source list.
func (a Answer) Markdown() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(a.Text))
	if len(a.Sources) > 0 {
		sb.WriteString("\n\n**Sources**\n")
		for i, src := range a.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			fmt.Fprintf(&sb, "\n%d. [%s](%s)", i+1, title, src.URL)
		}
	}
	return sb.String()
}
