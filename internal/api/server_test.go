package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trendlab/trendlab/internal/config"
	"github.com/trendlab/trendlab/internal/events"
	"github.com/trendlab/trendlab/internal/exa"
	"github.com/trendlab/trendlab/internal/orchestrator"
	"github.com/trendlab/trendlab/internal/store"
	"github.com/trendlab/trendlab/internal/store/memory"
)

func validStrategy() orchestrator.TrendStrategy {
	idea := func(title string) orchestrator.ContentIdea {
		return orchestrator.ContentIdea{
			Title:           title,
			TikTokScript:    orchestrator.TikTokScript{Hook: "h", VisualDirection: "v", AudioSpec: "a"},
			SourceEvidence:  "evidence",
			CulturalContext: "context",
		}
	}
	return orchestrator.TrendStrategy{
		StrategicBrief: "The Test Strategy",
		ContentIdeas:   []orchestrator.ContentIdea{idea("a"), idea("b"), idea("c")},
		TikTokLinks:    []orchestrator.TikTokLink{{URL: "https://www.tiktok.com/@u/video/1", TrendContext: "ctx"}},
		Reasoning:      "because",
	}
}

func generateBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"image": map[string]any{
			"data":      "aGVsbG8=",
			"mediaType": "image/png",
			"imageUrl":  "https://cdn.example/img.png",
		},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func decodeFrames(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var frames []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &frame), "line: %s", line)
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []map[string]any) []string {
	types := make([]string, 0, len(frames))
	for _, frame := range frames {
		types = append(types, frame["type"].(string))
	}
	return types
}

func TestNewServer(t *testing.T) {
	server := NewServer(memory.New(), events.NewBroker(), &MockEngine{}, nil, nil, config.Config{}, nil)
	require.NotNil(t, server)
	require.NotNil(t, server.Router())
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, memory.New(), events.NewBroker(), &MockEngine{}, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "ok", payload["status"])
}

func TestReady(t *testing.T) {
	t.Run("ready when store healthy", func(t *testing.T) {
		server := newTestServer(t, memory.New(), events.NewBroker(), &MockEngine{}, config.Config{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("degraded when store unavailable", func(t *testing.T) {
		storeMock := &MockStore{}
		storeMock.On("ListRuns", mock.Anything).Return(nil, errors.New("db unavailable")).Once()

		server := newTestServer(t, storeMock, events.NewBroker(), &MockEngine{}, config.Config{})
		defer server.Close()

		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var payload struct {
			Status     string                     `json:"status"`
			Subsystems map[string]subsystemStatus `json:"subsystems"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "degraded", payload.Status)
		require.Equal(t, "error", payload.Subsystems["store"].Status)
		storeMock.AssertExpectations(t)
	})
}

func TestGenerateStrategy_StreamsFrames(t *testing.T) {
	st := memory.New()
	engine := &MockEngine{}
	engine.On("Orchestrate", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onStep := args.Get(2).(orchestrator.StepObserver)
			onStep(orchestrator.OrchestrationStep{StepNumber: 1, Text: "analyzing"})
			onStep(orchestrator.OrchestrationStep{StepNumber: 2, Text: "researching"})
		}).
		Return(validStrategy(), nil).Once()

	server := newTestServer(t, st, events.NewBroker(), engine, config.Config{})
	defer server.Close()

	resp, err := http.Post(server.URL+"/strategies", "application/json", generateBody(t))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/x-ndjson")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := decodeFrames(t, body)
	require.Equal(t, []string{"status", "uploaded", "step", "step", "image-complete", "complete"}, frameTypes(frames))

	uploaded := frames[1]
	require.Equal(t, "https://cdn.example/img.png", uploaded["imageUrl"])

	firstStep := frames[2]
	require.Equal(t, float64(1), firstStep["stepNumber"])
	require.Equal(t, "analyzing", firstStep["text"])

	imageComplete := frames[4]
	strategy := imageComplete["strategy"].(map[string]any)
	require.Equal(t, "The Test Strategy", strategy["strategicBrief"])

	// Persisted side effects: run completed, events stored, strategy saved.
	runs, err := st.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunStatusCompleted, runs[0].Status)
	require.Equal(t, store.RunKindOrchestrate, runs[0].Kind)

	stored, err := st.ListEvents(context.Background(), runs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 6)

	saved, err := st.GetStrategy(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Contains(t, string(saved.Document), "The Test Strategy")

	engine.AssertExpectations(t)
}

func TestGenerateStrategy_EngineErrorEmitsErrorFrame(t *testing.T) {
	st := memory.New()
	engine := &MockEngine{}
	engine.On("Orchestrate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, orchestrator.NoEvidenceError{}).Once()

	server := newTestServer(t, st, events.NewBroker(), engine, config.Config{})
	defer server.Close()

	resp, err := http.Post(server.URL+"/strategies", "application/json", generateBody(t))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := decodeFrames(t, body)

	last := frames[len(frames)-1]
	require.Equal(t, "error", last["type"])
	require.Contains(t, last["message"], "no fresh trend evidence")

	runs, _ := st.ListRuns(context.Background())
	require.Len(t, runs, 1)
	require.Equal(t, store.RunStatusFailed, runs[0].Status)
	require.NotEmpty(t, runs[0].Error)
}

func TestGenerateStrategy_BadRequest(t *testing.T) {
	server := newTestServer(t, memory.New(), events.NewBroker(), &MockEngine{}, config.Config{})
	defer server.Close()

	cases := []string{
		`not json`,
		`{"image":{"mediaType":"image/png"}}`,
		`{"image":{"data":"abc"}}`,
	}
	for _, body := range cases {
		resp, err := http.Post(server.URL+"/strategies", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
	}
}

func TestRefineStrategy(t *testing.T) {
	st := memory.New()
	engine := &MockEngine{}
	refined := validStrategy()
	refined.StrategicBrief = "The Refined Strategy"
	engine.On("Refine", mock.Anything, "make it louder", mock.Anything, "").
		Return(refined, nil).Once()

	server := newTestServer(t, st, events.NewBroker(), engine, config.Config{})
	defer server.Close()

	body, err := json.Marshal(map[string]any{
		"mode":            "refine",
		"feedback":        "make it louder",
		"currentStrategy": validStrategy(),
	})
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/strategies/refine", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := decodeFrames(t, raw)
	require.Equal(t, []string{"status", "refine-complete"}, frameTypes(frames))

	strategy := frames[1]["strategy"].(map[string]any)
	require.Equal(t, "The Refined Strategy", strategy["strategicBrief"])

	runs, _ := st.ListRuns(context.Background())
	require.Len(t, runs, 1)
	require.Equal(t, store.RunKindRefine, runs[0].Kind)
	require.Equal(t, store.RunStatusCompleted, runs[0].Status)

	engine.AssertExpectations(t)
}

func TestRefineStrategy_BadRequest(t *testing.T) {
	server := newTestServer(t, memory.New(), events.NewBroker(), &MockEngine{}, config.Config{})
	defer server.Close()

	current, err := json.Marshal(validStrategy())
	require.NoError(t, err)

	cases := []string{
		`{"mode":"refine","feedback":"x"}`,
		`{"mode":"refine","currentStrategy":` + string(current) + `}`,
		`{"mode":"regenerate","feedback":"x","currentStrategy":` + string(current) + `}`,
	}
	for _, body := range cases {
		resp, err := http.Post(server.URL+"/strategies/refine", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
	}
}

func TestStreamEvents_Replay(t *testing.T) {
	st := memory.New()
	for i := 0; i < 3; i++ {
		_, err := st.AppendEvent(context.Background(), "run-1", "step", map[string]any{"n": i})
		require.NoError(t, err)
	}

	server := newTestServer(t, st, events.NewBroker(), &MockEngine{}, config.Config{})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/runs/run-1/events?after=1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var dataLines []string
	for len(dataLines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data: ")))
		}
	}
	cancel()

	var first events.RunEvent
	require.NoError(t, json.Unmarshal([]byte(dataLines[0]), &first))
	require.Equal(t, int64(2), first.Seq)
	require.Equal(t, "run-1", first.RunID)

	var second events.RunEvent
	require.NoError(t, json.Unmarshal([]byte(dataLines[1]), &second))
	require.Equal(t, int64(3), second.Seq)
}

func TestListRunsAndGetRun(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.CreateRun(context.Background(), store.Run{ID: "run-1", Kind: store.RunKindOrchestrate}))

	server := newTestServer(t, st, events.NewBroker(), &MockEngine{}, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		Runs []runView `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Runs, 1)
	require.Equal(t, "run-1", listed.Runs[0].ID)

	single, err := http.Get(server.URL + "/runs/run-1")
	require.NoError(t, err)
	single.Body.Close()
	require.Equal(t, http.StatusOK, single.StatusCode)

	missing, err := http.Get(server.URL + "/runs/nope")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestGetStrategy(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.SaveStrategy(context.Background(), store.Strategy{
		RunID:    "run-1",
		Document: json.RawMessage(`{"strategicBrief":"x"}`),
	}))

	server := newTestServer(t, st, events.NewBroker(), &MockEngine{}, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs/run-1/strategy")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		RunID    string         `json:"runId"`
		Strategy map[string]any `json:"strategy"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "run-1", payload.RunID)
	require.Equal(t, "x", payload.Strategy["strategicBrief"])

	missing, err := http.Get(server.URL + "/runs/nope/strategy")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestSearchStrategies(t *testing.T) {
	st := memory.New()
	_, err := st.SaveImage(context.Background(), store.Image{ImageURL: "https://img/one", Embedding: []float64{1, 0}})
	require.NoError(t, err)
	_, err = st.SaveImage(context.Background(), store.Image{ImageURL: "https://img/two", Embedding: []float64{0, 1}})
	require.NoError(t, err)

	embedder := &MockEmbedder{}
	embedder.On("Embed", mock.Anything, "chrome look").Return([]float64{1, 0}, nil).Once()

	srv := NewServer(st, events.NewBroker(), &MockEngine{}, embedder, nil, config.Config{}, nil)
	server := httptest.NewServer(srv.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/strategies/search?prompt=chrome+look&limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Matches []matchView `json:"matches"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Matches, 1)
	require.Equal(t, "https://img/one", payload.Matches[0].ImageURL)

	embedder.AssertExpectations(t)
}

func TestSearchStrategies_RequiresPrompt(t *testing.T) {
	server := newTestServer(t, memory.New(), events.NewBroker(), &MockEngine{}, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/strategies/search")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchTikTokLinks(t *testing.T) {
	links := &MockLinkSearcher{}
	links.On("SearchTikTokVideoLinks", mock.Anything, "chrome haul").
		Return([]exa.VideoLink{{URL: "https://www.tiktok.com/@u/video/1", TrendContext: "ctx"}}, nil).Once()

	srv := NewServer(memory.New(), events.NewBroker(), &MockEngine{}, nil, links, config.Config{}, nil)
	server := httptest.NewServer(srv.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/tiktok-links?query=chrome+haul")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Links []exa.VideoLink `json:"links"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Links, 1)
	require.Equal(t, "https://www.tiktok.com/@u/video/1", payload.Links[0].URL)

	links.AssertExpectations(t)
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(t, memory.New(), events.NewBroker(), &MockEngine{}, config.Config{CORSAllowedOrigins: "https://app.example"})
	defer server.Close()

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/strategies", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
