package store

import (
	"fmt"
	"strings"
)

// Stream event types that carry step lifecycle.
const (
	EventToolCall   = "tool-call"
	EventToolResult = "tool-result"
)

// BuildRunStepFromEvent maps a tool-call or tool-result event onto the step it
// describes. A result whose call was never recorded still yields a step.
func BuildRunStepFromEvent(event RunEvent) (RunStep, bool) {
	switch normalizeEventType(event.Type) {
	case EventToolCall:
		stepID := firstString(event.Payload, "id")
		if stepID == "" {
			stepID = fmt.Sprintf("step-%d", event.Seq)
		}
		name := firstString(event.Payload, "name")
		if name == "" {
			name = stepID
		}
		return RunStep{
			RunID:     event.RunID,
			ID:        stepID,
			Name:      name,
			Status:    StatusRunning,
			Seq:       event.Seq,
			StartedAt: event.Timestamp,
			Args:      readMap(event.Payload, "args"),
		}, true
	case EventToolResult:
		stepID := firstString(event.Payload, "id")
		if stepID == "" {
			stepID = fmt.Sprintf("step-%d", event.Seq)
		}
		result := readMap(event.Payload, "result")
		step := RunStep{
			RunID:       event.RunID,
			ID:          stepID,
			Status:      StatusCompleted,
			Seq:         event.Seq,
			CompletedAt: event.Timestamp,
			Result:      result,
		}
		if errText := firstString(result, "error"); errText != "" {
			step.Status = StatusFailed
			step.Error = errText
		}
		return step, true
	default:
		return RunStep{}, false
	}
}

func MergeRunStep(existing RunStep, incoming RunStep) RunStep {
	merged := existing

	if merged.RunID == "" {
		merged.RunID = incoming.RunID
	}
	if merged.ID == "" {
		merged.ID = incoming.ID
	}
	if merged.Name == "" || merged.Name == merged.ID {
		if incoming.Name != "" {
			merged.Name = incoming.Name
		}
	}
	if incoming.Status != "" && merged.Status != StatusCompleted && merged.Status != StatusFailed {
		merged.Status = incoming.Status
	}
	if merged.Seq == 0 || (incoming.Seq > 0 && incoming.Seq < merged.Seq) {
		merged.Seq = incoming.Seq
	}
	if merged.StartedAt == "" && incoming.StartedAt != "" {
		merged.StartedAt = incoming.StartedAt
	}
	if incoming.CompletedAt != "" {
		merged.CompletedAt = incoming.CompletedAt
	}
	if incoming.Error != "" {
		merged.Error = incoming.Error
	}
	if len(merged.Args) == 0 && len(incoming.Args) > 0 {
		merged.Args = cloneMap(incoming.Args)
	}
	if len(incoming.Result) > 0 {
		merged.Result = cloneMap(incoming.Result)
	}
	if merged.Name == "" {
		merged.Name = merged.ID
	}
	if merged.Status == "" {
		merged.Status = StatusRunning
	}
	return merged
}

// StatusForTerminal maps a terminal stream event to the run status it implies.
func StatusForTerminal(eventType string) string {
	switch normalizeEventType(eventType) {
	case "done":
		return StatusCompleted
	case "error":
		return StatusFailed
	}
	return ""
}

func normalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	return strings.ReplaceAll(normalized, "_", "-")
}

func firstString(payload map[string]any, keys ...string) string {
	if payload == nil {
		return ""
	}
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if typed, ok := value.(string); ok {
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func readMap(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}
	switch typed := payload[key].(type) {
	case map[string]any:
		return cloneMap(typed)
	case nil:
		return nil
	default:
		return map[string]any{"value": typed}
	}
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
