package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]store.Run
	events   map[string][]store.RunEvent
	runSteps map[string]map[string]store.RunStep
	seq      map[string]int64
	now      func() time.Time
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:     map[string]store.Run{},
		events:   map[string][]store.RunEvent{},
		runSteps: map[string]map[string]store.RunStep{},
		seq:      map[string]int64{},
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(run.Status) == "" {
		run.Status = store.StatusRunning
	}
	stamp := m.timestamp()
	if run.CreatedAt == "" {
		run.CreatedAt = stamp
	}
	if run.UpdatedAt == "" {
		run.UpdatedAt = run.CreatedAt
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &run, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[update.ID]
	if !ok {
		return store.ErrNotFound
	}
	if update.Status != "" {
		run.Status = update.Status
	}
	if update.Response != "" {
		run.Response = update.Response
	}
	if update.Warning != "" {
		run.Warning = update.Warning
	}
	if update.Error != "" {
		run.Error = update.Error
	}
	run.UpdatedAt = m.timestamp()
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]store.Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		left, right := parseTime(runs[i].CreatedAt), parseTime(runs[j].CreatedAt)
		if left.Equal(right) {
			return runs[i].ID < runs[j].ID
		}
		return left.After(right)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	delete(m.events, runID)
	delete(m.runSteps, runID)
	delete(m.seq, runID)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Timestamp == "" {
		event.Timestamp = m.timestamp()
	}
	event.Payload = cloneMap(event.Payload)
	m.events[event.RunID] = append(m.events[event.RunID], event)
	m.applyRunStepLocked(event)
	m.applyRunStateLocked(event)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	filtered := make([]store.RunEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Seq < filtered[j].Seq
	})
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID] += 1
	return m.seq[runID], nil
}

func (m *MemoryStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stepsByID := m.runSteps[runID]
	if len(stepsByID) == 0 {
		return []store.RunStep{}, nil
	}

	steps := make([]store.RunStep, 0, len(stepsByID))
	for _, step := range stepsByID {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Seq == steps[j].Seq {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].Seq < steps[j].Seq
	})
	return steps, nil
}

func (m *MemoryStore) timestamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (m *MemoryStore) applyRunStepLocked(event store.RunEvent) {
	step, ok := store.BuildRunStepFromEvent(event)
	if !ok {
		return
	}
	if m.runSteps[event.RunID] == nil {
		m.runSteps[event.RunID] = map[string]store.RunStep{}
	}
	existing := m.runSteps[event.RunID][step.ID]
	m.runSteps[event.RunID][step.ID] = store.MergeRunStep(existing, step)
}

// applyRunStateLocked moves a running run to the status implied by a terminal
// event. Explicit UpdateRun calls win over this.
func (m *MemoryStore) applyRunStateLocked(event store.RunEvent) {
	run, ok := m.runs[event.RunID]
	if !ok || run.Terminal() {
		return
	}
	if status := store.StatusForTerminal(event.Type); status != "" {
		run.Status = status
		if status == store.StatusFailed && run.Error == "" {
			if message, ok := event.Payload["message"].(string); ok {
				run.Error = message
			}
		}
	}
	if strings.TrimSpace(event.Timestamp) != "" {
		run.UpdatedAt = event.Timestamp
	}
	m.runs[event.RunID] = run
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
