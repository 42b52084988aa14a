package reader

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/links"
)

const (
	defaultMaxBytes  = 2 << 20
	defaultUserAgent = "Mozilla/5.0 (compatible; research-plane/1.0)"
)

type HTTPConfig struct {
	// Prefix, when set, is prepended to every URL so fetches go through a
	// remote reader service that returns text (for example "https://r.jina.ai/").
	Prefix    string
	UserAgent string
	MaxBytes  int64
	Timeout   time.Duration
	Client    *http.Client
	Logger    *zap.Logger
}

// HTTPReader fetches pages with a plain GET and converts HTML to text.
type HTTPReader struct {
	prefix    string
	userAgent string
	maxBytes  int64
	client    *http.Client
	logger    *zap.Logger
}

func NewHTTPReader(cfg HTTPConfig) *HTTPReader {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	r := &HTTPReader{
		prefix:    cfg.Prefix,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
		client:    client,
		logger:    cfg.Logger,
	}
	if r.userAgent == "" {
		r.userAgent = defaultUserAgent
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxBytes
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

func (r *HTTPReader) ReadURL(ctx context.Context, target string) (Page, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Page{}, ErrEmptyURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.prefix+target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := r.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes))
	if err != nil {
		return Page{}, fmt.Errorf("failed to read response: %w", err)
	}

	page := Page{URL: target}
	if isHTML(resp.Header.Get("Content-Type"), body) {
		doc, err := parseHTML(string(body), target)
		if err != nil {
			return Page{}, fmt.Errorf("failed to parse html: %w", err)
		}
		page.Content = doc.text
		page.Title = doc.title
		page.Links = doc.links
	} else {
		page.Content = strings.TrimSpace(string(body))
		page.Links = links.Extract(page.Content, target)
	}
	r.logger.Debug("page fetched", zap.String("url", target), zap.Int("chars", len(page.Content)), zap.Int("links", len(page.Links)))
	return page, nil
}

func isHTML(contentType string, body []byte) bool {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			return mediaType == "text/html" || mediaType == "application/xhtml+xml"
		}
	}
	return strings.HasPrefix(http.DetectContentType(body), "text/html")
}
