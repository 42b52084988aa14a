package reader

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/links"
)

const maxNodeDepth = 64

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]+`)
)

// document is an HTML page rendered to markdown-flavoured text.
type document struct {
	title string
	text  string
	links []string
}

func parseHTML(raw string, baseURL string) (document, error) {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return document{}, err
	}
	var sb strings.Builder
	var title string
	render(root, &sb, &title, 0)
	return document{
		title: strings.TrimSpace(title),
		text:  cleanText(sb.String()),
		links: links.Extract(raw, baseURL),
	}, nil
}

func render(n *html.Node, sb *strings.Builder, title *string, depth int) {
	if depth > maxNodeDepth {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "form", "template":
			return
		case "title":
			if *title == "" {
				*title = textContent(n)
			}
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(n.Data[1] - '0')
			sb.WriteString("\n\n" + strings.Repeat("#", level) + " ")
		case "p", "div", "section", "article", "main", "table", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		case "pre":
			sb.WriteString("\n\n```\n")
		case "img":
			if alt := attr(n, "alt"); alt != "" {
				sb.WriteString(fmt.Sprintf("[Image: %s] ", alt))
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(c, sb, title, depth+1)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n")
		case "pre":
			sb.WriteString("\n```\n\n")
		}
	}
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
