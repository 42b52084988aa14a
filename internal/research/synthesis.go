package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const noContentMessage = "I could not find any readable sources for this request, so there is no content available to summarize."

// ComprehensiveSummary asks the model to merge every source into one answer.
// It never fails: without sources it returns a fixed message, and when the
// model call fails it returns a deterministic digest of the sources.
func (o *Operations) ComprehensiveSummary(ctx context.Context, query string, sources []Source) Answer {
	answer := Answer{Query: query, Sources: sources}
	if len(sources) == 0 {
		answer.Text = noContentMessage
		answer.Fallback = true
		return answer
	}
	if o.gen != nil {
		text, err := o.gen.GenerateText(ctx, synthesisPrompt(query, contextBlock(sources)))
		if err == nil {
			if cleaned := stripWrappers(text); cleaned != "" {
				answer.Text = cleaned
				return answer
			}
		} else {
			o.logger.Info("synthesis failed, using fallback", zap.Error(err))
		}
	}
	answer.Text = fallbackSynthesis(query, sources)
	answer.Fallback = true
	return answer
}

func contextBlock(sources []Source) string {
	var sb strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n", i+1, src.Title, src.URL)
		if src.Summary != "" {
			sb.WriteString(src.Summary)
		} else {
			sb.WriteString(src.Excerpt)
		}
		sb.WriteString("\n\n")
	}
	return truncate(strings.TrimSpace(sb.String()), maxPromptContent)
}

func fallbackSynthesis(query string, sources []Source) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Here is what I found about %q, based on %d source(s).", query, len(sources))
	for i, src := range sources {
		body := src.Summary
		if body == "" {
			body = src.Excerpt
		}
		title := src.Title
		if title == "" {
			title = src.URL
		}
		fmt.Fprintf(&sb, "\n\n[%d] **%s**: %s", i+1, title, strings.TrimSpace(body))
	}
	return sb.String()
}

// excerpt returns the first n runes of content, cut at a word boundary.
func excerpt(content string, n int) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	cut := string(runes[:n])
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
