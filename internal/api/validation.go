package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/links"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/research"
)

const (
	MaxPromptLength = 10000
	maxBodyBytes    = 1 << 20
)

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in a trigger body so the
// client sees them all at once.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, detail := range e.Details {
		parts = append(parts, detail.Field+" "+detail.Message)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field string, message string) {
	e.Details = append(e.Details, FieldError{Field: field, Message: message})
}

type triggerBody struct {
	Mode            *string `json:"mode"`
	Prompt          *string `json:"prompt"`
	MaxDepth        *int    `json:"maxDepth"`
	FeedbackEnabled *bool   `json:"feedbackEnabled"`
	ThreadID        string  `json:"threadId"`
	ResourceID      string  `json:"resourceId"`
	Stream          *bool   `json:"stream"`
	URL             *string `json:"url"`
	Query           *string `json:"query"`
}

// Trigger is a validated research request.
type Trigger struct {
	Request    research.Request
	ThreadID   string
	ResourceID string
	Stream     bool
	Legacy     bool
}

// ParseTrigger decodes and validates a trigger body. Both the prompt shape
// and the legacy {url|query} shape are accepted.
func ParseTrigger(r io.Reader) (Trigger, error) {
	var body triggerBody
	verr := &ValidationError{}
	decoder := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		verr.add(decodeErrorField(err), decodeErrorMessage(err))
		return Trigger{}, verr
	}

	trigger := Trigger{
		ThreadID:   strings.TrimSpace(body.ThreadID),
		ResourceID: strings.TrimSpace(body.ResourceID),
		Stream:     true,
		Request: research.Request{
			MaxDepth:        research.DefaultMaxDepth,
			FeedbackEnabled: true,
		},
	}

	mode := research.ModeMain
	if body.Mode != nil {
		parsed, ok := research.ParseMode(*body.Mode)
		if !ok {
			verr.add("mode", "must be one of main, spin, think")
		}
		mode = parsed
	}
	trigger.Request.Mode = mode

	if body.MaxDepth != nil {
		if *body.MaxDepth < research.MinDepth || *body.MaxDepth > research.MaxDepth {
			verr.add("maxDepth", fmt.Sprintf("must be between %d and %d", research.MinDepth, research.MaxDepth))
		}
		trigger.Request.MaxDepth = *body.MaxDepth
	}
	if body.FeedbackEnabled != nil {
		trigger.Request.FeedbackEnabled = *body.FeedbackEnabled
	}
	if body.Stream != nil {
		trigger.Stream = *body.Stream
	}

	url := trimmed(body.URL)
	query := trimmed(body.Query)
	switch {
	case body.Prompt != nil:
		prompt := strings.TrimSpace(*body.Prompt)
		switch {
		case prompt == "":
			verr.add("prompt", "must not be empty")
		case utf8.RuneCountInString(prompt) > MaxPromptLength:
			verr.add("prompt", fmt.Sprintf("must be at most %d characters", MaxPromptLength))
		}
		if url != "" || query != "" {
			verr.add("prompt", "cannot be combined with url or query")
		}
		trigger.Request.Prompt = prompt
	case url != "" && query != "":
		verr.add("url", "url and query are mutually exclusive")
	case url != "":
		if !links.IsAbsolute(url) {
			verr.add("url", "must be an absolute http(s) URL")
		}
		trigger.Request.URL = url
		trigger.Legacy = true
	case query != "":
		if utf8.RuneCountInString(query) > MaxPromptLength {
			verr.add("query", fmt.Sprintf("must be at most %d characters", MaxPromptLength))
		}
		trigger.Request.Prompt = query
		trigger.Legacy = true
	default:
		verr.add("prompt", "is required")
	}

	if len(verr.Details) > 0 {
		return Trigger{}, verr
	}
	return trigger, nil
}

func trimmed(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func decodeErrorField(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return typeErr.Field
	}
	return "body"
}

func decodeErrorMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, io.EOF):
		return "is required"
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return "must be of type " + typeErr.Type.String()
	default:
		return "must be a JSON object"
	}
}
