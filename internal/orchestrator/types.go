package orchestrator

import (
	"encoding/json"

	"github.com/trendlab/trendlab/internal/research"
	"github.com/trendlab/trendlab/internal/vision"
)

// Tool names bound into the research loop.
const (
	ToolAnalyzeImage   = "analyzeImage"
	ToolResearchTrends = "researchTrends"
)

// ToolInvocation is one tool call requested by the model in a loop turn.
type ToolInvocation struct {
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input"`
}

// AnalysisOutput is the analyzeImage tool's result shape.
type AnalysisOutput struct {
	Analysis       vision.ImageAnalysis `json:"analysis"`
	StrategicBrief string               `json:"strategicBrief"`
}

// ToolOutput is a tagged union keyed by tool name: exactly one of Analysis
// or Research is set, matching ToolName.
type ToolOutput struct {
	ToolName string
	Analysis *AnalysisOutput
	Research *research.Result
}

func (o ToolOutput) MarshalJSON() ([]byte, error) {
	var output any
	switch {
	case o.Analysis != nil:
		output = o.Analysis
	case o.Research != nil:
		output = o.Research
	}
	return json.Marshal(struct {
		ToolName string `json:"toolName"`
		Output   any    `json:"output"`
	}{ToolName: o.ToolName, Output: output})
}

// FlattenText renders the output as a text blob for embedding. Each tag has
// its own conversion; there is no silent generic fallback.
func (o ToolOutput) FlattenText() string {
	switch {
	case o.Analysis != nil:
		return o.Analysis.StrategicBrief
	case o.Research != nil:
		encoded, err := json.Marshal(o.Research)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
	return ""
}

// OrchestrationStep is one observable unit of agent progress. Step numbers
// are monotonic and 1-based within a run; a step is never revised after it
// is emitted.
type OrchestrationStep struct {
	StepNumber    int              `json:"stepNumber"`
	Text          string           `json:"text,omitempty"`
	ReasoningText string           `json:"reasoningText,omitempty"`
	ToolCalls     []ToolInvocation `json:"toolCalls"`
	ToolResults   []ToolOutput     `json:"toolResults"`
}

// StepObserver receives each step synchronously, in order, before the loop
// proceeds. A slow observer delays the next turn; that is the intended
// backpressure for streaming transports.
type StepObserver func(OrchestrationStep)

// TikTokLink is one URL-attributed piece of trend evidence.
type TikTokLink struct {
	URL          string `json:"url"`
	TrendContext string `json:"trendContext"`
}

type TikTokScript struct {
	Hook            string `json:"hook"`
	VisualDirection string `json:"visual_direction"`
	AudioSpec       string `json:"audio_spec"`
}

// ContentIdea is one of exactly three ideas inside a TrendStrategy.
type ContentIdea struct {
	Title           string       `json:"title"`
	TikTokScript    TikTokScript `json:"tiktok_script"`
	SourceEvidence  string       `json:"source_evidence"`
	SourceLinks     []TikTokLink `json:"sourceLinks"`
	CulturalContext string       `json:"cultural_context"`
}

// TrendStrategy is the final artifact. Never mutated after return;
// refinement produces a new value.
type TrendStrategy struct {
	StrategicBrief string       `json:"strategicBrief"`
	ContentIdeas   []ContentIdea `json:"contentIdeas"`
	TikTokLinks    []TikTokLink `json:"tiktokLinks"`
	Reasoning      string       `json:"reasoning"`
}

// Input is one orchestration request. Image is a data URL or HTTP(S) URL;
// ImageURL, when set, is the public reference URL used in prompts. Prompt is
// an optional user steering hint for the research loop.
type Input struct {
	Image     string
	MediaType string
	ImageURL  string
	Prompt    string
}
