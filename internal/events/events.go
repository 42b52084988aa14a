// Package events fans out persisted research stream events to live
// subscribers, keyed by run id.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

const subscriberBuffer = 64

// RunEvent is one stream event as recorded for a run.
type RunEvent struct {
	RunID string       `json:"run_id"`
	Seq   int64        `json:"seq"`
	Ts    time.Time    `json:"ts"`
	Event stream.Event `json:"event"`
}

func (e RunEvent) Terminal() bool {
	return e.Event.Terminal()
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan RunEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan RunEvent]struct{}{},
	}
}

// Subscribe returns a channel receiving events published for runID until ctx
// is done, at which point the channel is closed.
func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan RunEvent {
	ch := make(chan RunEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers event to current subscribers without blocking. Slow
// subscribers miss events; they can replay from the store.
func (b *Broker) Publish(event RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers reports how many live subscribers runID has.
func (b *Broker) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[runID])
}
