package research

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/links"
)

var (
	errNoURLs = errors.New("no urls found in model response")

	bracketedArrayPattern = regexp.MustCompile(`(?s)\[[^\[\]]*\]`)
	wrapperTagPattern     = regexp.MustCompile(`(?is)^\s*<(summary|answer|output|response)>\s*(.*?)\s*</(summary|answer|output|response)>\s*$`)
	codeFencePattern      = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*\n?(.*?)\\s*```\\s*$")
	summaryLabelPattern   = regexp.MustCompile(`(?i)^\s*(summary|answer)\s*:\s*`)
)

// parseURLList reads a list of URLs from a model reply. A bracketed JSON
// array is tried first, then any URLs that appear in the text.
func parseURLList(text string) ([]string, error) {
	for _, candidate := range bracketedArrayPattern.FindAllString(text, -1) {
		var raw []any
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		var urls []string
		for _, item := range raw {
			switch v := item.(type) {
			case string:
				urls = append(urls, v)
			case map[string]any:
				if u, ok := v["url"].(string); ok {
					urls = append(urls, u)
				}
			}
		}
		if cleaned := absoluteUnique(urls); len(cleaned) > 0 {
			return cleaned, nil
		}
	}
	if found := links.Extract(text, ""); len(found) > 0 {
		return found, nil
	}
	return []string{}, errNoURLs
}

func absoluteUnique(urls []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if !links.IsAbsolute(u) {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// stripWrappers removes delimiter tokens models sometimes put around their
// answer: code fences, wrapper tags, labels, and surrounding quotes.
func stripWrappers(text string) string {
	text = strings.TrimSpace(text)
	for {
		before := text
		if m := codeFencePattern.FindStringSubmatch(text); m != nil {
			text = strings.TrimSpace(m[1])
		}
		if m := wrapperTagPattern.FindStringSubmatch(text); m != nil && strings.EqualFold(m[1], m[3]) {
			text = strings.TrimSpace(m[2])
		}
		text = strings.TrimSpace(summaryLabelPattern.ReplaceAllString(text, ""))
		if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
			text = strings.TrimSpace(text[1 : len(text)-1])
		}
		if text == before {
			return text
		}
	}
}
