package workflow

import (
	"context"
)

// RunFunc performs the work of one step.
type RunFunc func(ctx context.Context, in Input) (any, error)

// Predicate decides whether a step runs.
type Predicate func(r *Results) bool

// Binding computes one input field from earlier results.
type Binding func(r *Results) any

// FinalFunc turns the accumulated results into the output of the run.
type FinalFunc func(ctx context.Context, r *Results) (any, error)

// Step is one unit of pipeline work. When nil, the step always runs. Fatal
// steps abort the run on error instead of recording a StepError.
type Step struct {
	ID       string
	Run      RunFunc
	When     Predicate
	Bindings map[string]Binding
	Fatal    bool
}

// Field binds to a projection of step id's output. A missing or failed step
// yields get applied to the zero value of T.
func Field[T any, V any](id string, get func(T) V) Binding {
	return func(r *Results) any {
		return get(Lookup[T](r, id))
	}
}

// TriggerField binds to a key of the initial input.
func TriggerField(key string) Binding {
	return func(r *Results) any {
		return r.Trigger()[key]
	}
}

// Const binds a fixed value.
func Const(value any) Binding {
	return func(*Results) any {
		return value
	}
}

// Ran is true once step id has an entry, failed or not.
func Ran(id string) Predicate {
	return func(r *Results) bool {
		return r.Has(id)
	}
}

// Succeeded is true when step id ran without error.
func Succeeded(id string) Predicate {
	return func(r *Results) bool {
		return r.Succeeded(id)
	}
}

func All(preds ...Predicate) Predicate {
	return func(r *Results) bool {
		for _, p := range preds {
			if p != nil && !p(r) {
				return false
			}
		}
		return true
	}
}

func Not(p Predicate) Predicate {
	return func(r *Results) bool {
		return !p(r)
	}
}
