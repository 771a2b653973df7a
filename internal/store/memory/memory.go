// Package memory is the in-process Store used when Postgres is not
// configured, and the behavioral reference for the store tests.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trendlab/trendlab/internal/store"
)

type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]store.Run
	events     map[string][]store.RunEvent
	seq        map[string]int64
	strategies map[string]store.Strategy
	images     []store.Image
	nextImage  int64
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:       map[string]store.Run{},
		events:     map[string][]store.RunEvent{},
		seq:        map[string]int64{},
		strategies: map[string]store.Strategy{},
		nextImage:  1,
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.Status == "" {
		run.Status = store.RunStatusRunning
	}
	if run.CreatedAt == "" {
		run.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) FinishRun(ctx context.Context, runID, status, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.Error = errMessage
	run.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]store.Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt == runs[j].CreatedAt {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt > runs[j].CreatedAt
	})
	return runs, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (store.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID]++
	event := store.RunEvent{
		RunID:   runID,
		Seq:     m.seq[runID],
		Type:    eventType,
		Ts:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	}
	m.events[runID] = append(m.events[runID], event)
	return event, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []store.RunEvent
	for _, event := range m.events[runID] {
		if event.Seq > afterSeq {
			events = append(events, event)
		}
	}
	return events, nil
}

func (m *MemoryStore) SaveStrategy(ctx context.Context, strategy store.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strategy.CreatedAt == "" {
		strategy.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.strategies[strategy.RunID] = strategy
	return nil
}

func (m *MemoryStore) GetStrategy(ctx context.Context, runID string) (store.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	strategy, ok := m.strategies[runID]
	if !ok {
		return store.Strategy{}, store.ErrNotFound
	}
	return strategy, nil
}

func (m *MemoryStore) SaveImage(ctx context.Context, image store.Image) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	image.ID = m.nextImage
	m.nextImage++
	if image.CreatedAt == "" {
		image.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.images = append(m.images, image)
	return image.ID, nil
}

func (m *MemoryStore) SearchImages(ctx context.Context, embedding []float64, limit int) ([]store.ImageMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]store.ImageMatch, 0, len(m.images))
	for _, image := range m.images {
		matches = append(matches, store.ImageMatch{
			ID:       image.ID,
			ImageURL: image.ImageURL,
			Distance: 1 - cosineSimilarity(embedding, image.Embedding),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
