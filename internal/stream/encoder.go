package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrClosed       = errors.New("stream already terminated")
	ErrNotStarted   = errors.New("stream not initialised")
	ErrAlreadyInit  = errors.New("stream already initialised")
	ErrTransport    = errors.New("stream transport failed")
	frameDataPrefix = []byte("data: ")
	frameDelimiter  = []byte("\n\n")
)

const chunkKeyLength = 20

// Encoder writes events to one client stream and enforces the event ordering:
// a single init first, then content and tool events, then exactly one
// terminal event. Consecutive chunks whose first 20 characters match are
// dropped as re-emissions.
type Encoder struct {
	mu           sync.Mutex
	w            io.Writer
	flush        func()
	observe      func(Event)
	started      bool
	closed       bool
	broken       bool
	lastChunkKey string
	hasLastChunk bool
	dropped      int
}

type EncoderOption func(*Encoder)

// WithFlush runs fn after each frame, typically http.Flusher.Flush.
func WithFlush(fn func()) EncoderOption {
	return func(e *Encoder) {
		e.flush = fn
	}
}

// WithObserver is called with every event actually written.
func WithObserver(fn func(Event)) EncoderOption {
	return func(e *Encoder) {
		e.observe = fn
	}
}

func NewEncoder(w io.Writer, opts ...EncoderOption) *Encoder {
	e := &Encoder{w: w}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send writes one event. Duplicate chunks are silently skipped and return nil.
func (e *Encoder) Send(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if event.Type == EventInit {
		if e.started {
			return ErrAlreadyInit
		}
	} else if !e.started {
		return ErrNotStarted
	}

	if event.Type == EventChunk {
		if event.Text == "" {
			return nil
		}
		key := chunkKey(event.Text)
		if e.hasLastChunk && key == e.lastChunkKey {
			e.dropped++
			return nil
		}
		e.lastChunkKey = key
		e.hasLastChunk = true
	}

	switch {
	case event.Type == EventInit:
		e.started = true
	case event.Terminal():
		e.closed = true
	}

	if e.observe != nil {
		e.observe(event)
	}
	if e.broken {
		return ErrTransport
	}
	if err := WriteFrame(e.w, event); err != nil {
		e.broken = true
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// Emit implements Emitter, discarding write errors. Use Send to observe them.
func (e *Encoder) Emit(event Event) {
	_ = e.Send(event)
}

// Closed reports whether a terminal event has been accepted.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Broken reports whether a write to the transport has failed.
func (e *Encoder) Broken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

// Dropped returns the number of chunks skipped by the prefix dedup.
func (e *Encoder) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// WriteFrame writes a single `data: <json>\n\n` frame.
func WriteFrame(w io.Writer, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(frameDataPrefix)+len(payload)+len(frameDelimiter))
	frame = append(frame, frameDataPrefix...)
	frame = append(frame, payload...)
	frame = append(frame, frameDelimiter...)
	_, err = w.Write(frame)
	return err
}

func chunkKey(text string) string {
	runes := []rune(text)
	if len(runes) > chunkKeyLength {
		runes = runes[:chunkKeyLength]
	}
	return string(runes)
}
