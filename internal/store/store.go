package store

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Run is one orchestration or refinement request.
type Run struct {
	ID         string
	Kind       string
	Status     string
	ImageURL   string
	Error      string
	CreatedAt  string
	FinishedAt string
}

const (
	RunKindOrchestrate = "orchestrate"
	RunKindRefine      = "refine"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunEvent is one persisted stream frame, replayable after the fact.
type RunEvent struct {
	RunID   string
	Seq     int64
	Type    string
	Ts      string
	Payload map[string]any
}

// Strategy is the final artifact of a run. ParentRunID links a refinement
// to the run it refined.
type Strategy struct {
	RunID       string
	ParentRunID string
	Document    json.RawMessage
	CreatedAt   string
}

// Image is one analyzed image with its strategic-brief embedding.
type Image struct {
	ID        int64
	ImageURL  string
	Brief     string
	Embedding []float64
	CreatedAt string
}

// ImageMatch is one vector-search hit; Distance is cosine distance
// (0 = identical direction).
type ImageMatch struct {
	ID       int64
	ImageURL string
	Distance float64
}

type Store interface {
	CreateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID, status, errMessage string) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context) ([]Run, error)

	AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (RunEvent, error)
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)

	SaveStrategy(ctx context.Context, strategy Strategy) error
	GetStrategy(ctx context.Context, runID string) (Strategy, error)

	SaveImage(ctx context.Context, image Image) (int64, error)
	SearchImages(ctx context.Context, embedding []float64, limit int) ([]ImageMatch, error)
}
