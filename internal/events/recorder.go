package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
)

// Recorder persists stream events for a run and publishes them to live
// subscribers.
type Recorder struct {
	store  store.Store
	broker *Broker
	logger *zap.Logger
	mu     sync.Mutex
	runs   map[string]*sync.Mutex
}

func NewRecorder(st store.Store, broker *Broker, logger *zap.Logger) *Recorder {
	if broker == nil {
		broker = NewBroker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: st, broker: broker, logger: logger, runs: map[string]*sync.Mutex{}}
}

func (r *Recorder) Broker() *Broker {
	return r.broker
}

// Record assigns the next sequence number, stores the event, and publishes
// it. Events for one run are recorded one at a time so sequence order
// matches publish order.
func (r *Recorder) Record(ctx context.Context, runID string, event stream.Event) (RunEvent, error) {
	lock := r.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := r.store.NextSeq(ctx, runID)
	if err != nil {
		return RunEvent{}, fmt.Errorf("next seq: %w", err)
	}
	recorded := RunEvent{RunID: runID, Seq: seq, Ts: time.Now().UTC(), Event: event}
	stored, err := ToStore(recorded)
	if err != nil {
		return RunEvent{}, err
	}
	if err := r.store.AppendEvent(ctx, stored); err != nil {
		return RunEvent{}, fmt.Errorf("append event: %w", err)
	}
	r.broker.Publish(recorded)
	if event.Terminal() {
		r.forget(runID)
	}
	return recorded, nil
}

// Emitter adapts Record to stream.Emitter. Store failures are logged and do
// not interrupt the run.
func (r *Recorder) Emitter(ctx context.Context, runID string) stream.Emitter {
	return stream.EmitterFunc(func(event stream.Event) {
		if _, err := r.Record(context.WithoutCancel(ctx), runID, event); err != nil {
			r.logger.Warn("failed to record run event",
				zap.String("run_id", runID),
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
		}
	})
}

func (r *Recorder) runLock(runID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.runs[runID]
	if !ok {
		lock = &sync.Mutex{}
		r.runs[runID] = lock
	}
	return lock
}

func (r *Recorder) forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// ToStore flattens a run event into the store's type plus JSON payload form.
func ToStore(event RunEvent) (store.RunEvent, error) {
	encoded, err := json.Marshal(event.Event)
	if err != nil {
		return store.RunEvent{}, fmt.Errorf("encode event: %w", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return store.RunEvent{}, fmt.Errorf("decode event: %w", err)
	}
	delete(payload, "type")
	return store.RunEvent{
		RunID:     event.RunID,
		Seq:       event.Seq,
		Type:      string(event.Event.Type),
		Timestamp: event.Ts.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}, nil
}

// FromStore rebuilds a run event from its stored form.
func FromStore(stored store.RunEvent) (RunEvent, error) {
	payload := make(map[string]any, len(stored.Payload)+1)
	for key, value := range stored.Payload {
		payload[key] = value
	}
	payload["type"] = stored.Type
	encoded, err := json.Marshal(payload)
	if err != nil {
		return RunEvent{}, fmt.Errorf("encode stored event: %w", err)
	}
	var event stream.Event
	if err := json.Unmarshal(encoded, &event); err != nil {
		return RunEvent{}, fmt.Errorf("decode stored event: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, stored.Timestamp)
	return RunEvent{RunID: stored.RunID, Seq: stored.Seq, Ts: ts, Event: event}, nil
}
