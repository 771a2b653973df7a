// Package api exposes the orchestration engine over HTTP: strategy
// generation and refinement as NDJSON streams, run event replay over SSE,
// and prompt search across stored image embeddings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trendlab/trendlab/internal/config"
	"github.com/trendlab/trendlab/internal/events"
	"github.com/trendlab/trendlab/internal/exa"
	"github.com/trendlab/trendlab/internal/llm"
	"github.com/trendlab/trendlab/internal/orchestrator"
	"github.com/trendlab/trendlab/internal/store"
)

type Broker interface {
	Publish(event events.RunEvent)
	Subscribe(ctx context.Context, runID string) <-chan events.RunEvent
}

// Engine is the orchestration boundary the server drives.
type Engine interface {
	Orchestrate(ctx context.Context, input orchestrator.Input, onStep orchestrator.StepObserver) (orchestrator.TrendStrategy, error)
	Refine(ctx context.Context, feedback string, current orchestrator.TrendStrategy, imageURL string) (orchestrator.TrendStrategy, error)
}

// LinkSearcher finds TikTok video evidence for a query.
type LinkSearcher interface {
	SearchTikTokVideoLinks(ctx context.Context, query string) ([]exa.VideoLink, error)
}

type Server struct {
	store    store.Store
	broker   Broker
	engine   Engine
	embedder llm.Embedder
	links    LinkSearcher
	cfg      config.Config
	log      *logrus.Logger
}

func NewServer(st store.Store, broker Broker, engine Engine, embedder llm.Embedder, links LinkSearcher, cfg config.Config, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		store:    st,
		broker:   broker,
		engine:   engine,
		embedder: embedder,
		links:    links,
		cfg:      cfg,
		log:      log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Post("/strategies", s.generateStrategy)
	r.Post("/strategies/refine", s.refineStrategy)
	r.Get("/strategies/search", s.searchStrategies)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Get("/runs/{id}/events", s.streamEvents)
	r.Get("/runs/{id}/strategy", s.getStrategy)
	r.Get("/tiktok-links", s.searchTikTokLinks)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

const ndjsonContentType = "application/x-ndjson; charset=utf-8"

type imageInput struct {
	Data      string `json:"data"`
	MediaType string `json:"mediaType"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

type generateRequest struct {
	Prompt string     `json:"prompt,omitempty"`
	Image  imageInput `json:"image"`
}

type refineRequest struct {
	Mode            string                     `json:"mode"`
	Feedback        string                     `json:"feedback"`
	CurrentStrategy *orchestrator.TrendStrategy `json:"currentStrategy"`
	ImageURL        string                     `json:"imageUrl,omitempty"`
	ParentRunID     string                     `json:"parentRunId,omitempty"`
}

// normalizeImageInput turns raw base64 into a data URL; data URLs and HTTP
// URLs pass through untouched.
func normalizeImageInput(image imageInput) string {
	if strings.HasPrefix(image.Data, "data:") || hasHTTPScheme(image.Data) {
		return image.Data
	}
	return fmt.Sprintf("data:%s;base64,%s", image.MediaType, image.Data)
}

// resolveImageURL returns the public reference URL for the image, when one
// exists. Upload persistence is outside this service's boundary.
func resolveImageURL(image imageInput) string {
	if url := strings.TrimSpace(image.ImageURL); url != "" {
		return url
	}
	if hasHTTPScheme(image.Data) {
		return image.Data
	}
	return ""
}

func hasHTTPScheme(value string) bool {
	lower := strings.ToLower(value)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (s *Server) generateStrategy(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body, expected { prompt?, image: { data, mediaType, imageUrl? } }", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Image.Data) == "" || strings.TrimSpace(req.Image.MediaType) == "" {
		http.Error(w, "image.data and image.mediaType are required", http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	imageURL := resolveImageURL(req.Image)
	if err := s.store.CreateRun(r.Context(), store.Run{
		ID:       runID,
		Kind:     store.RunKindOrchestrate,
		Status:   store.RunStatusRunning,
		ImageURL: imageURL,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stream, ok := s.startStream(w, runID)
	if !ok {
		return
	}

	stream.send("status", map[string]any{"message": "Request accepted. Starting trend orchestration."})
	if imageURL != "" {
		stream.send("uploaded", map[string]any{"imageUrl": imageURL})
	}

	input := orchestrator.Input{
		Image:     normalizeImageInput(req.Image),
		MediaType: req.Image.MediaType,
		ImageURL:  imageURL,
		Prompt:    req.Prompt,
	}
	strategy, err := s.engine.Orchestrate(r.Context(), input, func(step orchestrator.OrchestrationStep) {
		stream.send("step", toPayload(step))
	})
	if err != nil {
		s.failRun(r.Context(), stream, runID, err)
		return
	}

	s.persistStrategy(r.Context(), runID, "", imageURL, strategy)
	stream.send("image-complete", map[string]any{
		"imageUrl": imageURL,
		"strategy": toPayload(strategy),
	})
	stream.send("complete", map[string]any{"count": 1, "runId": runID})
	s.finishRun(r.Context(), runID, store.RunStatusCompleted, "")
}

func (s *Server) refineStrategy(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body, expected { mode: 'refine', feedback, currentStrategy, imageUrl? }", http.StatusBadRequest)
		return
	}
	if req.Mode != "refine" || strings.TrimSpace(req.Feedback) == "" || req.CurrentStrategy == nil {
		http.Error(w, "mode must be 'refine' with non-empty feedback and a currentStrategy", http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	if err := s.store.CreateRun(r.Context(), store.Run{
		ID:       runID,
		Kind:     store.RunKindRefine,
		Status:   store.RunStatusRunning,
		ImageURL: req.ImageURL,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stream, ok := s.startStream(w, runID)
	if !ok {
		return
	}

	stream.send("status", map[string]any{"message": "Refinement started."})
	strategy, err := s.engine.Refine(r.Context(), req.Feedback, *req.CurrentStrategy, req.ImageURL)
	if err != nil {
		s.failRun(r.Context(), stream, runID, err)
		return
	}

	s.persistStrategy(r.Context(), runID, req.ParentRunID, req.ImageURL, strategy)
	stream.send("refine-complete", map[string]any{
		"runId":    runID,
		"strategy": toPayload(strategy),
	})
	s.finishRun(r.Context(), runID, store.RunStatusCompleted, "")
}

// ndjsonStream writes one JSON object per line, flushing after each so the
// observer callback provides natural backpressure.
type ndjsonStream struct {
	server  *Server
	writer  http.ResponseWriter
	flusher http.Flusher
	runID   string
}

func (s *Server) startStream(w http.ResponseWriter, runID string) (*ndjsonStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	return &ndjsonStream{server: s, writer: w, flusher: flusher, runID: runID}, true
}

func (st *ndjsonStream) send(eventType string, payload map[string]any) {
	frame := map[string]any{"type": eventType}
	for key, value := range payload {
		frame[key] = value
	}
	if err := json.NewEncoder(st.writer).Encode(frame); err == nil {
		st.flusher.Flush()
	}

	stored, err := st.server.store.AppendEvent(context.Background(), st.runID, eventType, payload)
	if err != nil {
		st.server.log.Warnf("failed to persist event for run %s: %v", st.runID, err)
		return
	}
	if st.server.broker != nil {
		st.server.broker.Publish(events.RunEvent{
			RunID:   stored.RunID,
			Seq:     stored.Seq,
			Type:    stored.Type,
			Ts:      stored.Ts,
			Payload: stored.Payload,
		})
	}
}

func (s *Server) failRun(ctx context.Context, stream *ndjsonStream, runID string, err error) {
	s.log.Errorf("run %s failed: %v", runID, err)
	stream.send("error", map[string]any{"message": err.Error()})
	s.finishRun(ctx, runID, store.RunStatusFailed, err.Error())
}

func (s *Server) finishRun(ctx context.Context, runID, status, errMessage string) {
	if err := s.store.FinishRun(ctx, runID, status, errMessage); err != nil {
		s.log.Warnf("failed to finish run %s: %v", runID, err)
	}
}

// persistStrategy stores the artifact and, when an embedder is wired,
// indexes the strategic brief for prompt search. Persistence failures are
// logged, never surfaced into the stream.
func (s *Server) persistStrategy(ctx context.Context, runID, parentRunID, imageURL string, strategy orchestrator.TrendStrategy) {
	document, err := json.Marshal(strategy)
	if err != nil {
		s.log.Warnf("failed to encode strategy for run %s: %v", runID, err)
		return
	}
	if err := s.store.SaveStrategy(ctx, store.Strategy{
		RunID:       runID,
		ParentRunID: parentRunID,
		Document:    document,
	}); err != nil {
		s.log.Warnf("failed to persist strategy for run %s: %v", runID, err)
	}

	if s.embedder == nil {
		return
	}
	embedding, err := s.embedder.Embed(ctx, strategy.StrategicBrief)
	if err != nil {
		s.log.Warnf("failed to embed brief for run %s: %v", runID, err)
		return
	}
	if _, err := s.store.SaveImage(ctx, store.Image{
		ImageURL:  imageURL,
		Brief:     strategy.StrategicBrief,
		Embedding: embedding,
	}); err != nil {
		s.log.Warnf("failed to index image for run %s: %v", runID, err)
	}
}

func (s *Server) searchStrategies(w http.ResponseWriter, r *http.Request) {
	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		http.Error(w, "prompt query parameter is required", http.StatusBadRequest)
		return
	}
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if s.embedder == nil {
		http.Error(w, "embedding provider not configured", http.StatusServiceUnavailable)
		return
	}

	embedding, err := s.embedder.Embed(r.Context(), prompt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	matches, err := s.store.SearchImages(r.Context(), embedding, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]matchView, 0, len(matches))
	for _, match := range matches {
		views = append(views, matchView{ID: match.ID, ImageURL: match.ImageURL, Distance: match.Distance})
	}
	writeJSON(w, map[string]any{"matches": views})
}

type matchView struct {
	ID       int64   `json:"id"`
	ImageURL string  `json:"imageUrl"`
	Distance float64 `json:"distance"`
}

func (s *Server) searchTikTokLinks(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		http.Error(w, "query parameter is required", http.StatusBadRequest)
		return
	}
	if s.links == nil {
		http.Error(w, "link search not configured", http.StatusServiceUnavailable)
		return
	}
	links, err := s.links.SearchTikTokVideoLinks(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"links": links})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"runs": toRunViews(runs)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, toRunView(run))
}

func (s *Server) getStrategy(w http.ResponseWriter, r *http.Request) {
	strategy, err := s.store.GetStrategy(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "strategy not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"runId":       strategy.RunID,
		"parentRunId": strategy.ParentRunID,
		"strategy":    json.RawMessage(strategy.Document),
		"createdAt":   strategy.CreatedAt,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	afterSeq := parseAfterSeq(r)
	stored, err := s.store.ListEvents(ctx, runID, afterSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, event := range stored {
		sendSSE(w, toEvent(event))
		flusher.Flush()
	}

	eventsChan := s.broker.Subscribe(ctx, runID)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			sendSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, event events.RunEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.RunID, event.Seq)
	fmt.Fprint(w, "event: run_event\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func toEvent(event store.RunEvent) events.RunEvent {
	return events.RunEvent{
		RunID:   event.RunID,
		Seq:     event.Seq,
		Type:    events.NormalizeType(event.Type),
		Ts:      event.Ts,
		Payload: event.Payload,
	}
}

func parseAfterSeq(r *http.Request) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		if header := strings.TrimSpace(r.Header.Get("Last-Event-ID")); header != "" {
			if idx := strings.LastIndex(header, ":"); idx >= 0 {
				raw = header[idx+1:]
			}
		}
	}
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK
	if _, err := s.store.ListRuns(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, map[string]any{"status": status, "subsystems": subsystems}, overall)
}

type runView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	ImageURL   string `json:"imageUrl,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"createdAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

func toRunView(run store.Run) runView {
	return runView{
		ID:         run.ID,
		Kind:       run.Kind,
		Status:     run.Status,
		ImageURL:   run.ImageURL,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
}

func toRunViews(runs []store.Run) []runView {
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toRunView(run))
	}
	return views
}

// toPayload flattens any JSON-marshalable value into a generic map for
// stream frames and event persistence.
func toPayload(value any) map[string]any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return map[string]any{}
	}
	payload := map[string]any{}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) quietRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Infof("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := strings.TrimSpace(s.cfg.CORSAllowedOrigins)
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
