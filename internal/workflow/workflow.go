package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrCancelled wraps the context error when a run stops between steps.
	ErrCancelled = errors.New("workflow cancelled")
	// ErrInvalidWorkflow is returned by Commit for malformed step lists.
	ErrInvalidWorkflow = errors.New("invalid workflow")
)

// StepFailedError is returned by Run when a Fatal step fails.
type StepFailedError struct {
	StepID string
	Err    error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepFailedError) Unwrap() error {
	return e.Err
}

// Builder accumulates steps before Commit.
type Builder struct {
	id    string
	steps []Step
	final FinalFunc
}

func New(id string) *Builder {
	return &Builder{id: id}
}

// Then appends a step. Steps run in the order they are added.
func (b *Builder) Then(step Step) *Builder {
	b.steps = append(b.steps, step)
	return b
}

// Finally sets the synthesis function that produces the run output.
func (b *Builder) Finally(fn FinalFunc) *Builder {
	b.final = fn
	return b
}

// Commit validates and freezes the workflow. Later changes to the builder do
// not affect the returned Workflow.
func (b *Builder) Commit() (*Workflow, error) {
	seen := map[string]struct{}{}
	steps := make([]Step, 0, len(b.steps))
	for i, step := range b.steps {
		if step.ID == "" {
			return nil, fmt.Errorf("%w: step %d has no id", ErrInvalidWorkflow, i)
		}
		if step.ID == TriggerID {
			return nil, fmt.Errorf("%w: step id %q is reserved", ErrInvalidWorkflow, TriggerID)
		}
		if _, dup := seen[step.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, step.ID)
		}
		if step.Run == nil {
			return nil, fmt.Errorf("%w: step %q has no run function", ErrInvalidWorkflow, step.ID)
		}
		seen[step.ID] = struct{}{}
		bindings := make(map[string]Binding, len(step.Bindings))
		for field, binding := range step.Bindings {
			bindings[field] = binding
		}
		step.Bindings = bindings
		steps = append(steps, step)
	}
	return &Workflow{id: b.id, steps: steps, final: b.final}, nil
}

// Workflow is an immutable, committed step list.
type Workflow struct {
	id    string
	steps []Step
	final FinalFunc
}

func (w *Workflow) ID() string { return w.id }

// StepIDs lists the step ids in execution order.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.steps))
	for i, step := range w.steps {
		ids[i] = step.ID
	}
	return ids
}

type runConfig struct {
	observers []Observer
	logger    *zap.Logger
}

type RunOption func(*runConfig)

func WithObserver(observer Observer) RunOption {
	return func(c *runConfig) {
		if observer != nil {
			c.observers = append(c.observers, observer)
		}
	}
}

func WithLogger(logger *zap.Logger) RunOption {
	return func(c *runConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Run executes the workflow once. The returned Results belong to this run
// only. On cancellation or a fatal step failure the partial Results are
// still returned alongside the error.
func (w *Workflow) Run(ctx context.Context, input Input, opts ...RunOption) (any, *Results, error) {
	cfg := runConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With(zap.String("workflow", w.id))
	if input == nil {
		input = Input{}
	}
	results := newResults(input)

	for index, step := range w.steps {
		if err := ctx.Err(); err != nil {
			return nil, results, cancelled(ctx)
		}
		event := StepEvent{WorkflowID: w.id, StepID: step.ID, Index: index}
		if step.When != nil && !step.When(results) {
			logger.Debug("step skipped", zap.String("step", step.ID))
			notify(cfg.observers, func(o Observer) { o.StepSkipped(ctx, event) })
			continue
		}

		event.Input = resolve(step.Bindings, results)
		notify(cfg.observers, func(o Observer) { o.StepStarted(ctx, event) })
		started := time.Now()
		output, err := invoke(ctx, step, event.Input)
		event.Duration = time.Since(started)

		if ctx.Err() != nil {
			logger.Debug("discarding step result after cancellation", zap.String("step", step.ID))
			return nil, results, cancelled(ctx)
		}
		event.Output = output
		event.Err = err
		if err != nil {
			if step.Fatal {
				logger.Warn("fatal step failed", zap.String("step", step.ID), zap.Error(err))
				notify(cfg.observers, func(o Observer) { o.StepFinished(ctx, event) })
				return nil, results, &StepFailedError{StepID: step.ID, Err: err}
			}
			logger.Info("step failed, continuing", zap.String("step", step.ID), zap.Error(err))
			output = StepError{Error: err.Error()}
			event.Output = output
		}
		results.set(step.ID, output)
		notify(cfg.observers, func(o Observer) { o.StepFinished(ctx, event) })
	}

	if err := ctx.Err(); err != nil {
		return nil, results, cancelled(ctx)
	}
	if w.final == nil {
		return nil, results, nil
	}
	final, err := w.final(ctx, results)
	if err != nil {
		return nil, results, err
	}
	return final, results, nil
}

func resolve(bindings map[string]Binding, results *Results) Input {
	in := make(Input, len(bindings))
	for field, binding := range bindings {
		in[field] = binding(results)
	}
	return in
}

func invoke(ctx context.Context, step Step, in Input) (output any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			output = nil
			err = fmt.Errorf("step %s panicked: %v", step.ID, recovered)
		}
	}()
	return step.Run(ctx, in)
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
