package workflow

import (
	"sync"
)

// TriggerID is the reserved id under which the initial input is stored.
const TriggerID = "trigger"

// StepError is stored in Results in place of the output of a step that failed.
type StepError struct {
	Error string `json:"error"`
}

// Results maps step ids to their outputs. Entries are only ever added; a
// value is never replaced once written, so readers never observe a change.
type Results struct {
	mu     sync.RWMutex
	values map[string]any
	order  []string
}

func newResults(input Input) *Results {
	r := &Results{values: map[string]any{}}
	r.set(TriggerID, input)
	return r
}

// set records value for id. It returns false if id already has a value.
func (r *Results) set(id string, value any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[id]; exists {
		return false
	}
	r.values[id] = value
	r.order = append(r.order, id)
	return true
}

// Get returns the raw value stored for id.
func (r *Results) Get(id string) (any, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.values[id]
	return value, ok
}

// Has reports whether id ran, successfully or not.
func (r *Results) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Succeeded reports whether id ran without error.
func (r *Results) Succeeded(id string) bool {
	value, ok := r.Get(id)
	if !ok {
		return false
	}
	_, failed := value.(StepError)
	return !failed
}

// Err returns the recorded error message for a failed step.
func (r *Results) Err(id string) (string, bool) {
	value, ok := r.Get(id)
	if !ok {
		return "", false
	}
	stepErr, failed := value.(StepError)
	return stepErr.Error, failed
}

// Trigger returns the initial input of the run.
func (r *Results) Trigger() Input {
	return Lookup[Input](r, TriggerID)
}

// IDs returns the ids in the order they were recorded, trigger first.
func (r *Results) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the output of step id as T. Missing, skipped, failed, or
// differently typed entries all yield the zero value.
func Lookup[T any](r *Results, id string) T {
	var zero T
	value, ok := r.Get(id)
	if !ok {
		return zero
	}
	typed, ok := value.(T)
	if !ok {
		return zero
	}
	return typed
}

// Collect returns every output of type T in recorded order.
func Collect[T any](r *Results) []T {
	var out []T
	for _, id := range r.IDs() {
		value, _ := r.Get(id)
		if typed, ok := value.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
