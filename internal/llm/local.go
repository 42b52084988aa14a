package llm

import (
	"context"
	"errors"
)

// ErrLocalUnavailable is returned by LocalProvider for every call. Research
// operations degrade to their non-model fallbacks in this mode.
var ErrLocalUnavailable = errors.New("local LLM mode is not implemented")

type LocalProvider struct{}

func (LocalProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	return "", ErrLocalUnavailable
}
