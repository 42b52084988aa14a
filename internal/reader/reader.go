// Package reader fetches a URL and returns its readable text, title, and
// outbound links.
package reader

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyURL is returned when ReadURL is called without a URL.
var ErrEmptyURL = errors.New("url is required")

// Page is the readable form of one fetched document.
type Page struct {
	URL     string
	Content string
	Title   string
	Links   []string
}

type Reader interface {
	ReadURL(ctx context.Context, url string) (Page, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, url string) (Page, error)

func (f ReaderFunc) ReadURL(ctx context.Context, url string) (Page, error) {
	return f(ctx, url)
}

// StatusError reports a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
}
