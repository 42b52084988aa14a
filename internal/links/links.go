// Package links pulls referenced URLs out of fetched documents.
package links

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	bareURLPattern     = regexp.MustCompile(`https?://[^\s<>"'\x60\]\)]+`)
	markdownLinkRegexp = regexp.MustCompile(`\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
	htmlHintPattern    = regexp.MustCompile(`(?i)<\s*(a|html|body|link|area)\b`)
)

const trailingPunctuation = ".,;:!?'\""

// Extract returns the absolute http(s) URLs referenced by text, in first-seen
// order and without duplicates. Relative references are resolved against
// sourceURL; when sourceURL is not absolute they are dropped.
func Extract(text string, sourceURL string) []string {
	base := parseBase(sourceURL)
	seen := map[string]struct{}{}
	out := []string{}
	add := func(raw string) {
		resolved, ok := Resolve(raw, base)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	}

	if htmlHintPattern.MatchString(text) {
		for _, href := range htmlReferences(text) {
			add(href)
		}
	}
	for _, match := range markdownLinkRegexp.FindAllStringSubmatch(text, -1) {
		add(match[1])
	}
	for _, match := range bareURLPattern.FindAllString(text, -1) {
		add(match)
	}
	return out
}

// Resolve turns raw into an absolute http(s) URL without fragment.
func Resolve(raw string, base *url.URL) (string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimRight(raw, trailingPunctuation)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	lower := strings.ToLower(raw)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if !ref.IsAbs() {
		if base == nil {
			return "", false
		}
		ref = base.ResolveReference(ref)
	}
	if !IsHTTP(ref) {
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

// IsAbsolute reports whether raw parses as an absolute http(s) URL with a host.
func IsAbsolute(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return IsHTTP(parsed)
}

func IsHTTP(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func parseBase(sourceURL string) *url.URL {
	parsed, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || !IsHTTP(parsed) {
		return nil
	}
	return parsed
}

func htmlReferences(text string) []string {
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil
	}
	refs := []string{}
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if depth > 200 {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a", "area":
				if href := attr(n, "href"); href != "" {
					refs = append(refs, href)
				}
			case "link":
				rel := strings.ToLower(attr(n, "rel"))
				if rel == "canonical" || rel == "alternate" {
					if href := attr(n, "href"); href != "" {
						refs = append(refs, href)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(doc, 0)
	return refs
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
