package workflow

// Input holds the resolved bindings handed to a step.
type Input map[string]any

// Value returns in[key] as T, or the zero value.
func Value[T any](in Input, key string) T {
	var zero T
	raw, ok := in[key]
	if !ok {
		return zero
	}
	typed, ok := raw.(T)
	if !ok {
		return zero
	}
	return typed
}

func (in Input) String(key string) string {
	return Value[string](in, key)
}

func (in Input) Strings(key string) []string {
	return Value[[]string](in, key)
}

func (in Input) Bool(key string) bool {
	return Value[bool](in, key)
}

// Int returns in[key] as an int, accepting the numeric types JSON decoding
// and callers commonly produce.
func (in Input) Int(key string, fallback int) int {
	switch v := in[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
