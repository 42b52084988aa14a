// Package session tracks in-flight research requests by fingerprint so that
// duplicate submissions are rejected while the first one is still running.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultStaleAfter = 30 * time.Second

var (
	// ErrCancelled is the cancellation cause for an explicit Cancel.
	ErrCancelled = errors.New("request cancelled")
	// ErrStale is the cancellation cause for entries removed by the sweep.
	ErrStale = errors.New("request exceeded staleness window")
	// ErrReleased is the cancellation cause once a request has completed.
	ErrReleased = errors.New("request released")
)

// ActiveRequest is a snapshot of one registry entry.
type ActiveRequest struct {
	ID          string
	Fingerprint string
	StartedAt   time.Time
	LastSeen    time.Time
}

type entry struct {
	ActiveRequest
	cancel context.CancelCauseFunc
}

// Registry is the single structure shared by concurrent requests. Every
// mutation happens under mu so admission and insertion are atomic.
type Registry struct {
	mu         sync.Mutex
	active     map[string]*entry
	byID       map[string]string
	now        func() time.Time
	staleAfter time.Duration
	guard      Guard
	logger     *zap.Logger
}

type Option func(*Registry)

// WithClock injects the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithGuard adds a cross-process admission check used by AdmitShared.
func WithGuard(guard Guard) Option {
	return func(r *Registry) {
		r.guard = guard
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		active:     map[string]*entry{},
		byID:       map[string]string{},
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit registers fingerprint unless it is already active. The returned
// ticket carries a context derived from parent that is cancelled when the
// request is cancelled, swept, or released. When alreadyActive is true the
// ticket is nil and the caller must reject the request.
func (r *Registry) Admit(parent context.Context, fingerprint string) (*Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()
	if _, exists := r.active[fingerprint]; exists {
		return nil, true
	}
	ctx, cancel := context.WithCancelCause(parent)
	now := r.now()
	e := &entry{
		ActiveRequest: ActiveRequest{
			ID:          uuid.New().String(),
			Fingerprint: fingerprint,
			StartedAt:   now,
			LastSeen:    now,
		},
		cancel: cancel,
	}
	r.active[fingerprint] = e
	r.byID[e.ID] = fingerprint
	return &Ticket{
		id:          e.ID,
		fingerprint: fingerprint,
		startedAt:   now,
		ctx:         ctx,
		registry:    r,
	}, false
}

// AdmitShared performs Admit and then, when a guard is configured, acquires
// the fingerprint across processes. Guard errors fail open: the request is
// admitted locally and the error is returned for logging.
func (r *Registry) AdmitShared(ctx context.Context, parent context.Context, fingerprint string) (*Ticket, bool, error) {
	ticket, alreadyActive := r.Admit(parent, fingerprint)
	if alreadyActive || r.guard == nil {
		return ticket, alreadyActive, nil
	}
	lease, acquired, err := r.guard.Acquire(ctx, fingerprint, r.staleAfter)
	if err != nil {
		r.logger.Warn("shared admission unavailable, admitting locally", zap.String("fingerprint", fingerprint), zap.Error(err))
		return ticket, false, err
	}
	if !acquired {
		ticket.Release()
		return nil, true, nil
	}
	ticket.lease = lease
	return ticket, false, nil
}

// Release removes fingerprint regardless of which request owns it. It is
// idempotent.
func (r *Registry) Release(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[fingerprint]; ok {
		r.removeLocked(e, ErrReleased)
	}
}

// Cancel signals the owning run and removes the entry. It reports whether an
// entry was found.
func (r *Registry) Cancel(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[fingerprint]
	if !ok {
		return false
	}
	r.removeLocked(e, ErrCancelled)
	return true
}

// CancelRequest cancels by request id instead of fingerprint.
func (r *Registry) CancelRequest(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fingerprint, ok := r.byID[id]
	if !ok {
		return false
	}
	r.removeLocked(r.active[fingerprint], ErrCancelled)
	return true
}

// Sweep removes entries started longer ago than the stale window.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked()
}

// Active returns the current entries ordered by start time.
func (r *Registry) Active() []ActiveRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveRequest, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.ActiveRequest)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Registry) touch(id string, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[fingerprint]; ok && e.ID == id {
		e.LastSeen = r.now()
	}
}

func (r *Registry) releaseOwned(id string, fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[fingerprint]
	if !ok || e.ID != id {
		return false
	}
	r.removeLocked(e, ErrReleased)
	return true
}

func (r *Registry) sweepLocked() int {
	now := r.now()
	removed := 0
	for _, e := range r.active {
		if now.Sub(e.StartedAt) > r.staleAfter {
			r.logger.Info("sweeping stale request",
				zap.String("fingerprint", e.Fingerprint),
				zap.String("request_id", e.ID),
				zap.Duration("age", now.Sub(e.StartedAt)),
			)
			r.removeLocked(e, ErrStale)
			removed++
		}
	}
	return removed
}

func (r *Registry) removeLocked(e *entry, cause error) {
	e.cancel(cause)
	delete(r.active, e.Fingerprint)
	delete(r.byID, e.ID)
}
