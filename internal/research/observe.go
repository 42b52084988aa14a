package research

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/workflow"
)

const maxToolStringLength = 200

func progressObserver(touch func()) workflow.Observer {
	return workflow.ObserverFuncs{
		Started:  func(context.Context, workflow.StepEvent) { touch() },
		Finished: func(context.Context, workflow.StepEvent) { touch() },
	}
}

// toolObserver reports each executed step as a tool call and its result,
// sharing one correlation id per step.
type toolObserver struct {
	emit stream.Emitter
	mu   sync.Mutex
	ids  map[string]string
}

func newToolObserver(emit stream.Emitter) *toolObserver {
	return &toolObserver{emit: emit, ids: map[string]string{}}
}

func (o *toolObserver) StepStarted(_ context.Context, event workflow.StepEvent) {
	id := uuid.NewString()
	o.mu.Lock()
	o.ids[event.StepID] = id
	o.mu.Unlock()
	args := make(map[string]any, len(event.Input))
	for key, value := range event.Input {
		args[key] = compactArg(value)
	}
	o.emit.Emit(stream.ToolCall(id, event.StepID, args))
}

func (o *toolObserver) StepSkipped(context.Context, workflow.StepEvent) {}

func (o *toolObserver) StepFinished(_ context.Context, event workflow.StepEvent) {
	o.mu.Lock()
	id, ok := o.ids[event.StepID]
	delete(o.ids, event.StepID)
	o.mu.Unlock()
	if !ok {
		return
	}
	if event.Err != nil {
		o.emit.Emit(stream.ToolResult(id, map[string]any{"error": event.Err.Error()}))
		return
	}
	o.emit.Emit(stream.ToolResult(id, ToolSummary(event.Output)))
}

func compactArg(value any) any {
	switch v := value.(type) {
	case string:
		return truncate(v, maxToolStringLength)
	case []string:
		if len(v) > 10 {
			return map[string]any{"first": v[:10], "count": len(v)}
		}
		return v
	case CrawlResult:
		return map[string]any{"url": v.URL, "title": v.Title}
	default:
		return v
	}
}

// ToolSummary reduces a step output to the fields worth showing a client.
func ToolSummary(output any) map[string]any {
	switch v := output.(type) {
	case Analysis:
		return map[string]any{"query": truncate(v.Query, maxToolStringLength), "extractedUrls": v.ExtractedURLs, "primaryUrl": v.PrimaryURL}
	case SearchResult:
		return withError(map[string]any{"urls": v.URLs}, v.Error)
	case CrawlResult:
		return withError(map[string]any{"url": v.URL, "title": v.Title, "chars": len(v.Content), "links": len(v.Links)}, v.Error)
	case SummaryResult:
		return withError(map[string]any{"summary": v.Summary, "sourceUrl": v.SourceURL}, v.Error)
	case LinkSet:
		return map[string]any{"count": len(v.Links)}
	case FilterResult:
		return withError(map[string]any{"links": v.Links, "fallback": v.Fallback}, v.Error)
	case BatchResult:
		urls := make([]string, 0, len(v.Items))
		for _, item := range v.Items {
			urls = append(urls, item.Crawl.URL)
		}
		return map[string]any{"completed": urls, "attempted": len(v.Attempted)}
	case workflow.StepError:
		return map[string]any{"error": v.Error}
	default:
		return map[string]any{"value": v}
	}
}

func withError(m map[string]any, errText string) map[string]any {
	if errText != "" {
		m["error"] = errText
	}
	return m
}
