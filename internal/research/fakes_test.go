package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/reader"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

// scriptedModel answers by prompt kind.
type scriptedModel struct {
	mu        sync.Mutex
	search    func(prompt string) (string, error)
	summarize func(prompt string) (string, error)
	filter    func(prompt string) (string, error)
	synth     func(prompt string) (string, error)
	prompts   []string
}

func (m *scriptedModel) GenerateText(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	var fn func(string) (string, error)
	switch {
	case strings.Contains(prompt, "Respond with a JSON array of absolute URLs"):
		fn = m.search
	case strings.HasPrefix(prompt, "Summarize the following page"):
		fn = m.summarize
	case strings.Contains(prompt, "worth reading next"):
		fn = m.filter
	case strings.HasPrefix(prompt, "Using only the research notes"):
		fn = m.synth
	}
	if fn == nil {
		return "", errors.New("unscripted prompt")
	}
	return fn(prompt)
}

func (m *scriptedModel) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.prompts {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func reply(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

var _ llm.Generator = (*scriptedModel)(nil)

// siteReader serves pages from a map, optionally delaying each read and
// tracking how many reads are in flight.
type siteReader struct {
	pages    map[string]reader.Page
	delay    map[string]time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (s *siteReader) ReadURL(ctx context.Context, url string) (reader.Page, error) {
	s.calls.Add(1)
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if current <= peak || s.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if d, ok := s.delay[url]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return reader.Page{}, ctx.Err()
		}
	}
	page, ok := s.pages[url]
	if !ok {
		return reader.Page{}, &reader.StatusError{URL: url, StatusCode: 404}
	}
	page.URL = url
	return page, nil
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Emit(event stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) byType(t stream.EventType) []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) text() string {
	var sb strings.Builder
	for _, e := range r.byType(stream.EventChunk) {
		sb.WriteString(e.Text)
	}
	return sb.String()
}
