// Package vision wraps the vision-analysis capability and flattens its
// output into the prompt-ready strategic brief.
package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/trendlab/trendlab/internal/llm"
)

const defaultInstruction = "Analyze the image and fill out the fields in the schema as precisely as possible."

// ImageAnalysis is the structured visual/brand read of one image. Immutable
// once produced.
type ImageAnalysis struct {
	Title            string   `json:"title"`
	ShortDescription string   `json:"shortDescription"`
	AestheticStyle   string   `json:"aestheticStyle"`
	ColorPalette     []string `json:"colorPalette"`
	BrandArchetype   string   `json:"brandArchetype"`
	VisualKeywords   []string `json:"visualKeywords"`
	TargetAudience   string   `json:"targetAudience"`
	MarketSegment    string   `json:"marketSegment"`
	Text             string   `json:"text"`
}

var marketSegments = map[string]bool{
	"Budget":    true,
	"Mid-range": true,
	"Premium":   true,
	"Luxury":    true,
}

// Adapter turns an image into an ImageAnalysis through an injected
// structured-generation provider.
type Adapter struct {
	provider llm.StructuredProvider
}

func NewAdapter(provider llm.StructuredProvider) *Adapter {
	return &Adapter{provider: provider}
}

// Analyze runs the vision capability. A response missing required fields or
// carrying an unknown market segment fails with a ValidationError; the
// failure is propagated, not retried here.
func (a *Adapter) Analyze(ctx context.Context, image, mediaType, prompt string) (ImageAnalysis, error) {
	instruction := prompt
	if strings.TrimSpace(instruction) == "" {
		instruction = defaultInstruction
	}

	var analysis ImageAnalysis
	err := a.provider.GenerateObject(ctx,
		"",
		[]llm.Message{llm.UserImageMessage(instruction, image)},
		llm.Schema{
			Name:        "ImageStyleAnalysis",
			Description: "Extract structured creative direction from the provided image.",
			Definition:  analysisSchema,
		},
		&analysis,
	)
	if err != nil {
		return ImageAnalysis{}, err
	}
	if err := validateAnalysis(analysis); err != nil {
		return ImageAnalysis{}, llm.ValidationError{Capability: "vision analysis", Reason: err.Error()}
	}
	return analysis, nil
}

func validateAnalysis(analysis ImageAnalysis) error {
	switch {
	case strings.TrimSpace(analysis.AestheticStyle) == "":
		return fmt.Errorf("missing aestheticStyle")
	case strings.TrimSpace(analysis.BrandArchetype) == "":
		return fmt.Errorf("missing brandArchetype")
	case strings.TrimSpace(analysis.ShortDescription) == "":
		return fmt.Errorf("missing shortDescription")
	case strings.TrimSpace(analysis.TargetAudience) == "":
		return fmt.Errorf("missing targetAudience")
	case len(analysis.VisualKeywords) == 0:
		return fmt.Errorf("missing visualKeywords")
	case !marketSegments[analysis.MarketSegment]:
		return fmt.Errorf("unknown market segment %q", analysis.MarketSegment)
	}
	return nil
}

// ToStrategicBrief flattens an analysis into one deterministic string. Pipe
// separators tend to work better for neural search than prose.
func ToStrategicBrief(analysis ImageAnalysis) string {
	return strings.Join([]string{
		"CORE AESTHETIC: " + analysis.AestheticStyle,
		"BRAND PERSONALITY: " + analysis.BrandArchetype,
		fmt.Sprintf("VISUAL LANGUAGE: %s with a %s palette.", analysis.ShortDescription, strings.Join(analysis.ColorPalette, ", ")),
		"STYLE MARKERS: " + strings.Join(analysis.VisualKeywords, ", "),
		fmt.Sprintf("MARKET POSITION: %s targeting %s", analysis.MarketSegment, analysis.TargetAudience),
		"TEXT / BRAND TEXT: " + analysis.Text,
	}, " | ")
}

var analysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":            map[string]any{"type": "string"},
		"shortDescription": map[string]any{"type": "string"},
		"aestheticStyle": map[string]any{
			"type":        "string",
			"description": "E.g. Minimalist, Maximalist, Y2K, Industrial, Cinematic",
		},
		"colorPalette": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"brandArchetype": map[string]any{
			"type":        "string",
			"description": "E.g. The Rebel, The Caregiver, The Explorer, The Luxury Minimalist",
		},
		"visualKeywords": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "5-10 tags describing the style, e.g. ['matte', 'grainy', 'symmetrical']",
		},
		"targetAudience": map[string]any{"type": "string"},
		"marketSegment": map[string]any{
			"type": "string",
			"enum": []string{"Budget", "Mid-range", "Premium", "Luxury"},
		},
		"text": map[string]any{
			"type":        "string",
			"description": "Any text visible on the image",
		},
	},
	"required": []string{
		"title", "shortDescription", "aestheticStyle", "colorPalette",
		"brandArchetype", "visualKeywords", "targetAudience", "marketSegment", "text",
	},
}
