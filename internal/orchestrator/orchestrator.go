// Package orchestrator drives the trend pipeline: a bounded tool-calling
// research loop, fallback escalation when the loop finds no fresh evidence,
// embedding-based re-ranking of that evidence, and schema-constrained
// strategy synthesis with a deterministic link-diversity repair pass.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trendlab/trendlab/internal/llm"
	"github.com/trendlab/trendlab/internal/research"
	"github.com/trendlab/trendlab/internal/vision"
)

// ImageAnalyzer is the image-analysis capability boundary.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, image, mediaType, prompt string) (vision.ImageAnalysis, error)
}

// TrendResearcher is the trend research tool boundary.
type TrendResearcher interface {
	Research(ctx context.Context, searchQuery string) (research.Result, error)
}

type Config struct {
	// MaxTurns bounds the research loop.
	MaxTurns int
	// TopK is how many ranked evidence blobs reach synthesis.
	TopK int
}

// Orchestrator holds one set of injected capabilities. It keeps no per-run
// state; concurrent orchestrations are isolated.
type Orchestrator struct {
	chat       llm.ChatProvider
	structured llm.StructuredProvider
	refiner    llm.StructuredProvider
	embedder   llm.Embedder
	vision     ImageAnalyzer
	research   TrendResearcher
	cfg        Config
	log        *logrus.Logger
}

func New(
	chat llm.ChatProvider,
	structured llm.StructuredProvider,
	refiner llm.StructuredProvider,
	embedder llm.Embedder,
	visionAdapter ImageAnalyzer,
	researchTool TrendResearcher,
	cfg Config,
	log *logrus.Logger,
) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 6
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		chat:       chat,
		structured: structured,
		refiner:    refiner,
		embedder:   embedder,
		vision:     visionAdapter,
		research:   researchTool,
		cfg:        cfg,
		log:        log,
	}
}

// Orchestrate runs the full pipeline for one image and returns the final
// strategy. Steps are delivered synchronously through onStep as they
// complete. Errors with no documented fallback (malformed analysis, no
// evidence at all, malformed final synthesis) abort the run.
func (o *Orchestrator) Orchestrate(ctx context.Context, input Input, onStep StepObserver) (TrendStrategy, error) {
	loop, err := o.runResearchLoop(ctx, input, onStep)
	if err != nil {
		return TrendStrategy{}, err
	}

	outputs := loop.ResearchOutputs
	if countTrends(outputs) == 0 {
		escalated, err := o.escalate(ctx, input, &loop, onStep)
		if err != nil {
			return TrendStrategy{}, err
		}
		outputs = append(outputs, escalated...)
		if countTrends(outputs) == 0 {
			return TrendStrategy{}, NoEvidenceError{}
		}
	}

	brief, err := o.ensureBrief(ctx, input, &loop)
	if err != nil {
		return TrendStrategy{}, err
	}

	blobs := make([]string, 0, len(outputs))
	for i := range outputs {
		blob := (ToolOutput{ToolName: ToolResearchTrends, Research: &outputs[i]}).FlattenText()
		if blob != "" {
			blobs = append(blobs, blob)
		}
	}
	ranked, err := rankTrendEvidence(ctx, o.embedder, brief, blobs, o.cfg.TopK)
	if err != nil {
		return TrendStrategy{}, err
	}

	strategy, err := o.synthesize(ctx, brief, loop.TranscriptText, ranked)
	if err != nil {
		return TrendStrategy{}, err
	}
	return EnsureDiverseIdeaLinks(strategy), nil
}

// escalate is the fallback when the loop produced zero fresh trend items:
// one informational step, then broadened queries straight against the
// research tool. Individual query failures are tolerated.
func (o *Orchestrator) escalate(ctx context.Context, input Input, loop *loopResult, onStep StepObserver) ([]research.Result, error) {
	step := OrchestrationStep{
		StepNumber: loop.NextStepNumber,
		Text:       expandingSearchStepText,
	}
	loop.NextStepNumber++
	loop.Steps = append(loop.Steps, step)
	if onStep != nil {
		onStep(step)
	}

	if loop.Analysis == nil {
		analysis, err := o.vision.Analyze(ctx, input.Image, input.MediaType, "")
		if err != nil {
			return nil, err
		}
		loop.Analysis = &analysis
		loop.StrategicBrief = vision.ToStrategicBrief(analysis)
	}

	queries := BuildFallbackResearchQueries(*loop.Analysis)
	results := make([]research.Result, 0, len(queries))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, query := range queries {
		query := query
		group.Go(func() error {
			researched, err := o.research.Research(groupCtx, query)
			if err != nil {
				o.log.Warnf("fallback research failed for %q: %v", query, err)
				return nil
			}
			if len(researched.Trends) == 0 {
				return nil
			}
			mu.Lock()
			results = append(results, researched)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results, nil
}

func (o *Orchestrator) ensureBrief(ctx context.Context, input Input, loop *loopResult) (string, error) {
	if loop.StrategicBrief != "" {
		return loop.StrategicBrief, nil
	}
	analysis, err := o.vision.Analyze(ctx, input.Image, input.MediaType, "")
	if err != nil {
		return "", err
	}
	loop.Analysis = &analysis
	loop.StrategicBrief = vision.ToStrategicBrief(analysis)
	return loop.StrategicBrief, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, brief, transcript string, rankedEvidence []string) (TrendStrategy, error) {
	var prompt strings.Builder
	prompt.WriteString("FINAL TASK: Combine the Creative Discussion with the Real TikTok evidence.\n\n")
	fmt.Fprintf(&prompt, "STRATEGIC BRIEF:\n%s\n\n", brief)
	fmt.Fprintf(&prompt, "RESEARCH LOG:\n%s\n\n", transcript)
	prompt.WriteString("TOP-RANKED TREND EVIDENCE:\n")
	for i, evidence := range rankedEvidence {
		fmt.Fprintf(&prompt, "[%d] %s\n", i+1, evidence)
	}
	prompt.WriteString(`
INSTRUCTION:
1. The 'strategicBrief' must be a high-level creative direction (e.g., "The 'Uncanny Bakery' Strategy").
2. Each 'tiktok_script' must be professional:
   - Hook: Must be a specific visual or auditory pattern.
   - Visual Direction: Describe camera movement, lighting (e.g. 'harsh flash', 'handheld jitter'), and pace.
   - Audio Spec: Name a specific sound or style (e.g. 'sped-up synth pop' or 'heavy bass ASMR').
3. 'cultural_context': Explain WHY this works for the brand DNA and the current internet mood.
`)

	var strategy TrendStrategy
	err := o.structured.GenerateObject(ctx, formatterSystemPrompt,
		[]llm.Message{llm.TextMessage("user", prompt.String())},
		llm.Schema{Name: "TrendStrategy", Definition: trendStrategySchema},
		&strategy,
	)
	if err != nil {
		return TrendStrategy{}, SynthesisError{Stage: "strategy", Err: err}
	}
	if err := validateStrategy(strategy); err != nil {
		return TrendStrategy{}, SynthesisError{Stage: "strategy", Err: err}
	}
	return strategy, nil
}

// Refine applies free-text feedback to an existing strategy in one
// structured-generation call. No tool loop, no re-research. A refinement
// that drops every top-level link gets the original links restored.
func (o *Orchestrator) Refine(ctx context.Context, feedback string, current TrendStrategy, imageURL string) (TrendStrategy, error) {
	serialized, err := json.Marshal(current)
	if err != nil {
		return TrendStrategy{}, err
	}
	reference := imageURL
	if strings.TrimSpace(reference) == "" {
		reference = "n/a"
	}
	prompt := fmt.Sprintf("CURRENT_STRATEGY:\n%s\n\nUSER_FEEDBACK:\n%s\n\nREFERENCE_IMAGE_URL:\n%s\n",
		serialized, feedback, reference)

	var refined TrendStrategy
	err = o.refiner.GenerateObject(ctx, refinerSystemPrompt,
		[]llm.Message{llm.TextMessage("user", prompt)},
		llm.Schema{Name: "TrendStrategy", Definition: trendStrategySchema},
		&refined,
	)
	if err != nil {
		return TrendStrategy{}, SynthesisError{Stage: "refinement", Err: err}
	}

	if len(refined.TikTokLinks) == 0 {
		refined.TikTokLinks = current.TikTokLinks
	}
	if err := validateStrategy(refined); err != nil {
		return TrendStrategy{}, SynthesisError{Stage: "refinement", Err: err}
	}
	return EnsureDiverseIdeaLinks(refined), nil
}

func validateStrategy(strategy TrendStrategy) error {
	if len(strategy.ContentIdeas) != 3 {
		return fmt.Errorf("expected exactly 3 content ideas, got %d", len(strategy.ContentIdeas))
	}
	if len(strategy.TikTokLinks) == 0 {
		return fmt.Errorf("strategy has no tiktok links")
	}
	return nil
}

func countTrends(outputs []research.Result) int {
	total := 0
	for _, output := range outputs {
		total += len(output.Trends)
	}
	return total
}
