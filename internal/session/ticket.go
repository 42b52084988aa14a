package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Ticket is the handle returned by a successful admission.
type Ticket struct {
	id          string
	fingerprint string
	startedAt   time.Time
	ctx         context.Context
	registry    *Registry
	lease       Lease
}

func (t *Ticket) ID() string { return t.id }
func (t *Ticket) Fingerprint() string { return t.fingerprint }
func (t *Ticket) StartedAt() time.Time { return t.startedAt }

// Context is cancelled when the request is cancelled, swept as stale, or
// released. context.Cause reports which.
func (t *Ticket) Context() context.Context {
	return t.ctx
}

// Touch records progress for the active-request listing. It does not extend
// the stale window, which always runs from StartedAt.
func (t *Ticket) Touch() {
	t.registry.touch(t.id, t.fingerprint)
}

// Release frees the fingerprint if this ticket still owns it. A ticket whose
// entry was swept or cancelled leaves a newer owner untouched. Safe to call
// more than once.
func (t *Ticket) Release() {
	t.registry.releaseOwned(t.id, t.fingerprint)
	if t.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.lease.Release(ctx); err != nil {
		t.registry.logger.Warn("failed to release shared admission", zap.String("fingerprint", t.fingerprint), zap.Error(err))
	}
}
