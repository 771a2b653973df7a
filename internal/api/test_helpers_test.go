package api

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/trendlab/trendlab/internal/config"
	"github.com/trendlab/trendlab/internal/events"
	"github.com/trendlab/trendlab/internal/exa"
	"github.com/trendlab/trendlab/internal/orchestrator"
	"github.com/trendlab/trendlab/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateRun(ctx context.Context, run store.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockStore) FinishRun(ctx context.Context, runID, status, errMessage string) error {
	args := m.Called(ctx, runID, status, errMessage)
	return args.Error(0)
}

func (m *MockStore) GetRun(ctx context.Context, runID string) (store.Run, error) {
	args := m.Called(ctx, runID)
	var result store.Run
	if value := args.Get(0); value != nil {
		result = value.(store.Run)
	}
	return result, args.Error(1)
}

func (m *MockStore) ListRuns(ctx context.Context) ([]store.Run, error) {
	args := m.Called(ctx)
	var result []store.Run
	if value := args.Get(0); value != nil {
		result = value.([]store.Run)
	}
	return result, args.Error(1)
}

func (m *MockStore) AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (store.RunEvent, error) {
	args := m.Called(ctx, runID, eventType, payload)
	var result store.RunEvent
	if value := args.Get(0); value != nil {
		result = value.(store.RunEvent)
	}
	return result, args.Error(1)
}

func (m *MockStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	args := m.Called(ctx, runID, afterSeq)
	var result []store.RunEvent
	if value := args.Get(0); value != nil {
		result = value.([]store.RunEvent)
	}
	return result, args.Error(1)
}

func (m *MockStore) SaveStrategy(ctx context.Context, strategy store.Strategy) error {
	args := m.Called(ctx, strategy)
	return args.Error(0)
}

func (m *MockStore) GetStrategy(ctx context.Context, runID string) (store.Strategy, error) {
	args := m.Called(ctx, runID)
	var result store.Strategy
	if value := args.Get(0); value != nil {
		result = value.(store.Strategy)
	}
	return result, args.Error(1)
}

func (m *MockStore) SaveImage(ctx context.Context, image store.Image) (int64, error) {
	args := m.Called(ctx, image)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) SearchImages(ctx context.Context, embedding []float64, limit int) ([]store.ImageMatch, error) {
	args := m.Called(ctx, embedding, limit)
	var result []store.ImageMatch
	if value := args.Get(0); value != nil {
		result = value.([]store.ImageMatch)
	}
	return result, args.Error(1)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(event events.RunEvent) {
	m.Called(event)
}

func (m *MockBroker) Subscribe(ctx context.Context, runID string) <-chan events.RunEvent {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.RunEvent); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.RunEvent); ok {
			return ch
		}
	}
	return nil
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Orchestrate(ctx context.Context, input orchestrator.Input, onStep orchestrator.StepObserver) (orchestrator.TrendStrategy, error) {
	args := m.Called(ctx, input, onStep)
	var result orchestrator.TrendStrategy
	if value := args.Get(0); value != nil {
		result = value.(orchestrator.TrendStrategy)
	}
	return result, args.Error(1)
}

func (m *MockEngine) Refine(ctx context.Context, feedback string, current orchestrator.TrendStrategy, imageURL string) (orchestrator.TrendStrategy, error) {
	args := m.Called(ctx, feedback, current, imageURL)
	var result orchestrator.TrendStrategy
	if value := args.Get(0); value != nil {
		result = value.(orchestrator.TrendStrategy)
	}
	return result, args.Error(1)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	args := m.Called(ctx, text)
	var result []float64
	if value := args.Get(0); value != nil {
		result = value.([]float64)
	}
	return result, args.Error(1)
}

type MockLinkSearcher struct {
	mock.Mock
}

func (m *MockLinkSearcher) SearchTikTokVideoLinks(ctx context.Context, query string) ([]exa.VideoLink, error) {
	args := m.Called(ctx, query)
	var result []exa.VideoLink
	if value := args.Get(0); value != nil {
		result = value.([]exa.VideoLink)
	}
	return result, args.Error(1)
}

func newTestServer(t *testing.T, st store.Store, broker Broker, engine Engine, cfg config.Config) *httptest.Server {
	t.Helper()
	server := NewServer(st, broker, engine, nil, nil, cfg, nil)
	return httptest.NewServer(server.Router())
}
