package research

import (
	"fmt"
	"strings"
)

func searchPrompt(query string) string {
	return fmt.Sprintf(`You are a research assistant with web knowledge.
List up to %d web pages that are most useful for answering the question below.
Respond with a JSON array of absolute URLs and nothing else.

Question: %s`, maxSearchResults, query)
}

func summaryPrompt(page CrawlResult, query string) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following page in 2-3 sentences")
	if query != "" {
		fmt.Fprintf(&sb, ", focusing on what is relevant to: %s", query)
	}
	sb.WriteString(".\nReply with the summary only.\n\n")
	fmt.Fprintf(&sb, "Title: %s\nURL: %s\n\n", page.Title, page.URL)
	sb.WriteString(truncate(page.Content, maxPromptContent))
	return sb.String()
}

func filterPrompt(query string, context string, candidates []string, maxLinks int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research question: %s\n\n", query)
	if context != "" {
		fmt.Fprintf(&sb, "What we know so far:\n%s\n\n", truncate(context, maxPromptContent/2))
	}
	fmt.Fprintf(&sb, "Pick at most %d of the following links that are worth reading next to answer the question.\n", maxLinks)
	sb.WriteString("Respond with a JSON array containing the chosen URLs exactly as written, and nothing else.\n\n")
	for i, link := range candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, link)
	}
	return sb.String()
}

func synthesisPrompt(query string, contextBlock string) string {
	return fmt.Sprintf(`Using only the research notes below, write a thorough, well organised answer to the question.
Cite sources inline as [n] using the note numbers. Use markdown paragraphs.

Question: %s

Research notes:
%s`, query, contextBlock)
}
