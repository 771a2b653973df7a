package llm

import (
	"context"
)

// Message is one chat turn. Content carries plain text; Parts, when set,
// carries multimodal content and takes precedence on the wire.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
}

type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
}

// ToolCall is one tool invocation requested by the model. Arguments is the
// raw JSON string as returned by the provider.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef describes a tool bound into a chat call. Parameters is a JSON
// schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Turn is the model's output for one chat call: assistant text, optional
// reasoning text, and any tool calls it wants executed.
type Turn struct {
	Text          string
	ReasoningText string
	ToolCalls     []ToolCall
}

// Schema constrains a structured-generation call.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

// ChatProvider is the free-form generation capability. One call is one model
// turn; iteration, if any, belongs to the caller.
type ChatProvider interface {
	Generate(ctx context.Context, system string, messages []Message, tools []ToolDef) (Turn, error)
}

// StructuredProvider is the schema-constrained generation capability. The
// returned object is unmarshaled into out; a response that cannot be made to
// conform fails with a ValidationError.
type StructuredProvider interface {
	GenerateObject(ctx context.Context, system string, messages []Message, schema Schema, out any) error
}

// Embedder turns text into a fixed-length vector. Same text yields a stable
// vector for a given model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// UserImageMessage builds one user turn carrying an instruction plus an
// image, given as a data URL or a public HTTP(S) URL.
func UserImageMessage(text, imageURL string) Message {
	return Message{
		Role: "user",
		Parts: []ContentPart{
			{Type: "text", Text: text},
			{Type: "image_url", ImageURL: imageURL},
		},
	}
}
