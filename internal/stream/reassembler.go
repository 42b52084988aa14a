package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type ToolState struct {
	Name      string         `json:"name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Result    any            `json:"result,omitempty"`
	HasArgs   bool           `json:"hasArgs"`
	HasResult bool           `json:"hasResult"`
}

// State is the client view of one stream.
type State struct {
	RequestID          string               `json:"requestId,omitempty"`
	AccumulatedContent string               `json:"accumulatedContent"`
	IsDone             bool                 `json:"isDone"`
	IsError            bool                 `json:"isError"`
	ErrorMessage       string               `json:"errorMessage,omitempty"`
	ToolState          map[string]ToolState `json:"toolState"`
}

// Terminated reports whether a done or error event was applied.
func (s State) Terminated() bool {
	return s.IsDone || s.IsError
}

// Degenerate reports a terminated stream that never produced content. This
// is a valid outcome and not an error.
func (s State) Degenerate() bool {
	return s.Terminated() && s.AccumulatedContent == ""
}

// Reassembler consumes raw transport bytes via Write and applies complete
// frames to its State. Partial frames are buffered until the delimiter
// arrives.
type Reassembler struct {
	mu        sync.Mutex
	buf       []byte
	state     State
	content   strings.Builder
	malformed int
	onEvent   func(Event)
	logger    *zap.Logger
}

type ReassemblerOption func(*Reassembler)

// OnEvent registers a callback invoked for every applied event.
func OnEvent(fn func(Event)) ReassemblerOption {
	return func(r *Reassembler) {
		r.onEvent = fn
	}
}

func WithReassemblerLogger(logger *zap.Logger) ReassemblerOption {
	return func(r *Reassembler) {
		r.logger = logger
	}
}

func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		state:  State{ToolState: map[string]ToolState{}},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write buffers p and applies every complete frame. It never fails; malformed
// frames are counted and skipped.
func (r *Reassembler) Write(p []byte) (int, error) {
	r.mu.Lock()
	applied := r.consume(p)
	r.mu.Unlock()
	r.notify(applied)
	return len(p), nil
}

func (r *Reassembler) consume(p []byte) []Event {
	var applied []Event
	for _, b := range p {
		if b != '\r' {
			r.buf = append(r.buf, b)
		}
	}
	for {
		idx := bytes.Index(r.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		frame := string(r.buf[:idx])
		r.buf = r.buf[idx+len(frameDelimiter):]
		if event, ok := r.applyFrame(frame); ok {
			applied = append(applied, event)
		}
	}
	return applied
}

func (r *Reassembler) notify(events []Event) {
	if r.onEvent == nil {
		return
	}
	for _, event := range events {
		r.onEvent(event)
	}
}

// Flush applies a trailing frame that arrived without its delimiter, which
// happens when the server closes the connection right after the last event.
func (r *Reassembler) Flush() {
	r.mu.Lock()
	if len(bytes.TrimSpace(r.buf)) == 0 {
		r.buf = r.buf[:0]
		r.mu.Unlock()
		return
	}
	frame := string(r.buf)
	r.buf = r.buf[:0]
	event, ok := r.applyFrame(frame)
	r.mu.Unlock()
	if ok {
		r.notify([]Event{event})
	}
}

// ReadFrom drains rd into the reassembler, flushing at EOF.
func (r *Reassembler) ReadFrom(rd io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			total += int64(n)
			_, _ = r.Write(buf[:n])
		}
		if err != nil {
			r.Flush()
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

// Apply transitions the state machine with an already-decoded event.
func (r *Reassembler) Apply(event Event) {
	r.mu.Lock()
	ok := r.apply(event)
	r.mu.Unlock()
	if ok {
		r.notify([]Event{event})
	}
}

// State returns a copy of the current state.
func (r *Reassembler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.state
	out.AccumulatedContent = r.content.String()
	out.ToolState = make(map[string]ToolState, len(r.state.ToolState))
	for id, tool := range r.state.ToolState {
		out.ToolState[id] = tool
	}
	return out
}

// Malformed returns the number of frames that could not be decoded.
func (r *Reassembler) Malformed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.malformed
}

func (r *Reassembler) applyFrame(frame string) (Event, bool) {
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		switch {
		case line == "", strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(data) == 0 {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &event); err != nil {
		r.malformed++
		r.logger.Warn("skipping malformed stream frame", zap.Error(err))
		return Event{}, false
	}
	return event, r.apply(event)
}

func (r *Reassembler) apply(event Event) bool {
	if r.state.Terminated() {
		r.logger.Debug("ignoring event after terminal", zap.String("type", string(event.Type)))
		return false
	}
	switch event.Type {
	case EventInit:
		if event.RequestID != "" {
			r.state.RequestID = event.RequestID
		}
	case EventChunk:
		r.content.WriteString(event.Text)
	case EventToolCall:
		tool := r.state.ToolState[event.ID]
		tool.Name = event.Name
		tool.Args = event.Args
		tool.HasArgs = true
		r.state.ToolState[event.ID] = tool
	case EventToolResult:
		tool := r.state.ToolState[event.ID]
		tool.Result = event.Result
		tool.HasResult = true
		r.state.ToolState[event.ID] = tool
	case EventError:
		r.state.IsError = true
		r.state.ErrorMessage = event.Message
	case EventDone:
		r.state.IsDone = true
		if r.content.Len() == 0 {
			r.logger.Info("stream finished without content")
		}
	default:
		r.logger.Debug("ignoring unknown event type", zap.String("type", string(event.Type)))
		return false
	}
	return true
}
