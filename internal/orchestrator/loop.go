package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trendlab/trendlab/internal/llm"
	"github.com/trendlab/trendlab/internal/research"
	"github.com/trendlab/trendlab/internal/vision"
)

// loopState is the explicit state of the bounded research agent.
type loopState int

const (
	stateRunning loopState = iota
	stateAwaitingToolResults
	stateDone
	stateStepLimitReached
)

// loopResult carries everything the downstream stages need out of the loop.
// The step counter is threaded through here rather than captured by the
// observer, so concurrent orchestrations stay isolated.
type loopResult struct {
	TranscriptText  string
	Steps           []OrchestrationStep
	Analysis        *vision.ImageAnalysis
	StrategicBrief  string
	ResearchOutputs []research.Result
	NextStepNumber  int
}

func toolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        ToolAnalyzeImage,
			Description: "Extract the visual DNA and market segment of the image.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name: ToolResearchTrends,
			Description: "Search specifically for TikTok-native newsletters, Substack culture-reports, and niche " +
				"fashion forums (like Highsnobiety, Hypebeast, or substacks like 'Blackbird Spyplane'). Avoid " +
				"generic e-commerce blogs. Look for 'visual cues' and 'sound IDs'.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"searchQuery": map[string]any{"type": "string"},
				},
				"required": []string{"searchQuery"},
			},
		},
	}
}

// runResearchLoop drives the bounded tool-calling agent: at most MaxTurns
// model turns, stopping early on a turn with no tool calls. Every completed
// turn is emitted through onStep, in order, before the next turn starts.
func (o *Orchestrator) runResearchLoop(ctx context.Context, input Input, onStep StepObserver) (loopResult, error) {
	reference := input.ImageURL
	if strings.TrimSpace(reference) == "" {
		reference = "Image provided in context"
	}

	request := fmt.Sprintf("Analyze this image and build a %d trend strategy: %s",
		time.Now().UTC().Year(), reference)
	if hint := strings.TrimSpace(input.Prompt); hint != "" {
		request += "\n\nUser steering hint: " + hint
	}
	messages := []llm.Message{llm.TextMessage("user", request)}
	tools := toolDefs()

	result := loopResult{}
	var transcript []string
	stepNumber := 0
	state := stateRunning

	for state == stateRunning {
		turn, err := o.chat.Generate(ctx, researchSystemPrompt, messages, tools)
		if err != nil {
			return loopResult{}, err
		}
		if turn.Text != "" {
			transcript = append(transcript, turn.Text)
		}

		step := OrchestrationStep{
			Text:          turn.Text,
			ReasoningText: turn.ReasoningText,
		}

		if len(turn.ToolCalls) == 0 {
			// No tool calls this turn is the stop signal, even when the
			// turn also carries tool-call-free commentary.
			state = stateDone
		} else {
			state = stateAwaitingToolResults
			messages = append(messages, llm.Message{
				Role:      "assistant",
				Content:   turn.Text,
				ToolCalls: turn.ToolCalls,
			})

			for _, call := range turn.ToolCalls {
				step.ToolCalls = append(step.ToolCalls, ToolInvocation{
					ToolName: call.Name,
					Input:    rawToolInput(call.Arguments),
				})
				output, wire, err := o.executeTool(ctx, call, input, &result)
				if err != nil {
					return loopResult{}, err
				}
				step.ToolResults = append(step.ToolResults, output)
				messages = append(messages, llm.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    wire,
				})
			}
		}

		stepNumber++
		step.StepNumber = stepNumber
		result.Steps = append(result.Steps, step)
		if onStep != nil {
			onStep(step)
		}

		switch state {
		case stateAwaitingToolResults:
			if stepNumber >= o.cfg.MaxTurns {
				state = stateStepLimitReached
			} else {
				state = stateRunning
			}
		}
	}

	result.TranscriptText = strings.Join(transcript, "\n")
	result.NextStepNumber = stepNumber + 1
	return result, nil
}

// executeTool dispatches one tool call. Analysis failures propagate (no
// local retry); research failures are swallowed into an empty result so a
// bad query never kills the run.
func (o *Orchestrator) executeTool(ctx context.Context, call llm.ToolCall, input Input, result *loopResult) (ToolOutput, string, error) {
	switch call.Name {
	case ToolAnalyzeImage:
		analysis, err := o.vision.Analyze(ctx, input.Image, input.MediaType, "")
		if err != nil {
			return ToolOutput{}, "", err
		}
		output := AnalysisOutput{
			Analysis:       analysis,
			StrategicBrief: vision.ToStrategicBrief(analysis),
		}
		if result.Analysis == nil {
			result.Analysis = &analysis
			result.StrategicBrief = output.StrategicBrief
		}
		toolOutput := ToolOutput{ToolName: call.Name, Analysis: &output}
		encoded, _ := json.Marshal(output)
		return toolOutput, string(encoded), nil

	case ToolResearchTrends:
		var args struct {
			SearchQuery string `json:"searchQuery"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			args.SearchQuery = strings.TrimSpace(call.Arguments)
		}
		researched, err := o.research.Research(ctx, args.SearchQuery)
		if err != nil {
			o.log.Warnf("research tool failed for %q: %v", args.SearchQuery, err)
			researched = research.Result{Trends: []research.TrendItem{}}
		}
		result.ResearchOutputs = append(result.ResearchOutputs, researched)
		toolOutput := ToolOutput{ToolName: call.Name, Research: &researched}
		encoded, _ := json.Marshal(researched)
		return toolOutput, string(encoded), nil

	default:
		toolOutput := ToolOutput{ToolName: call.Name}
		return toolOutput, fmt.Sprintf(`{"error":"unknown tool: %s"}`, call.Name), nil
	}
}

func rawToolInput(arguments string) json.RawMessage {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(trimmed)
	return json.RawMessage(encoded)
}
