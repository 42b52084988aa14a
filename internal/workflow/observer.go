package workflow

import (
	"context"
	"time"
)

// StepEvent describes one lifecycle transition of a step.
type StepEvent struct {
	WorkflowID string
	StepID     string
	Index      int
	Input      Input
	Output     any
	Err        error
	Duration   time.Duration
}

// Observer is notified synchronously as steps progress.
type Observer interface {
	StepStarted(ctx context.Context, event StepEvent)
	StepSkipped(ctx context.Context, event StepEvent)
	StepFinished(ctx context.Context, event StepEvent)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	Started  func(ctx context.Context, event StepEvent)
	Skipped  func(ctx context.Context, event StepEvent)
	Finished func(ctx context.Context, event StepEvent)
}

func (o ObserverFuncs) StepStarted(ctx context.Context, event StepEvent) {
	if o.Started != nil {
		o.Started(ctx, event)
	}
}

func (o ObserverFuncs) StepSkipped(ctx context.Context, event StepEvent) {
	if o.Skipped != nil {
		o.Skipped(ctx, event)
	}
}

func (o ObserverFuncs) StepFinished(ctx context.Context, event StepEvent) {
	if o.Finished != nil {
		o.Finished(ctx, event)
	}
}

func notify(observers []Observer, fn func(Observer)) {
	for _, o := range observers {
		fn(o)
	}
}
