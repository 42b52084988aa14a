// Package stream implements the chunked research progress protocol: the server
// side Encoder frames events as `data: <json>` lines separated by a blank line,
// and the client side Reassembler rebuilds content and tool state from frames
// regardless of how the transport fragments them.
package stream

type EventType string

const (
	EventInit       EventType = "init"
	EventChunk      EventType = "chunk"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is the tagged union carried by one frame. Only the fields relevant to
// Type are populated.
type Event struct {
	Type      EventType      `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Result    any            `json:"result,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func Init(requestID string) Event {
	return Event{Type: EventInit, RequestID: requestID}
}

func Chunk(text string) Event {
	return Event{Type: EventChunk, Text: text}
}

func ToolCall(id string, name string, args map[string]any) Event {
	return Event{Type: EventToolCall, ID: id, Name: name, Args: args}
}

func ToolResult(id string, result any) Event {
	return Event{Type: EventToolResult, ID: id, Result: result}
}

func Error(message string) Event {
	return Event{Type: EventError, Message: message}
}

func Done() Event {
	return Event{Type: EventDone}
}

// Emitter receives pipeline events. Implementations must be safe for
// concurrent use because batched crawl items report from worker goroutines.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(event Event) { f(event) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
