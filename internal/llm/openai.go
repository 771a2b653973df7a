package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	APIKey  string
	BaseURL string
	// RPM caps requests per minute across every capability sharing the
	// client. Zero disables limiting.
	RPM int
}

// Client speaks the OpenAI-compatible HTTP API for chat, structured
// generation, and embeddings. Model names are bound per capability via
// NewChatModel / NewStructuredModel / NewEmbeddingModel.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	var limiter *rate.Limiter
	if cfg.RPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), cfg.RPM)
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
		limiter: limiter,
	}
}

type ChatModel struct {
	client *Client
	model  string
}

func NewChatModel(client *Client, model string) ChatModel {
	return ChatModel{client: client, model: model}
}

func (m ChatModel) Generate(ctx context.Context, system string, messages []Message, tools []ToolDef) (Turn, error) {
	return m.client.chat(ctx, m.model, system, messages, tools, nil)
}

type StructuredModel struct {
	client *Client
	model  string
}

func NewStructuredModel(client *Client, model string) StructuredModel {
	return StructuredModel{client: client, model: model}
}

func (m StructuredModel) GenerateObject(ctx context.Context, system string, messages []Message, schema Schema, out any) error {
	turn, err := m.client.chat(ctx, m.model, system, messages, nil, &schema)
	if err != nil {
		return err
	}

	if err := unmarshalModelJSON(turn.Text, out); err == nil {
		return nil
	}

	// One repair re-ask before giving up. The provider already enforces the
	// schema when it supports response_format; this covers providers that
	// only approximate it.
	retry := append(append([]Message{}, messages...),
		Message{Role: "assistant", Content: turn.Text},
		TextMessage("user", "The previous response was not valid JSON for the requested schema. Respond again with only the JSON object."),
	)
	turn, err = m.client.chat(ctx, m.model, system, retry, nil, &schema)
	if err != nil {
		return err
	}
	if err := unmarshalModelJSON(turn.Text, out); err != nil {
		return ValidationError{Capability: "structured generation", Reason: err.Error()}
	}
	return nil
}

type EmbeddingModel struct {
	client *Client
	model  string
}

func NewEmbeddingModel(client *Client, model string) EmbeddingModel {
	return EmbeddingModel{client: client, model: model}
}

func (m EmbeddingModel) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := m.client.wait(ctx); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"model": m.model,
		"input": text,
	}
	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := m.client.post(ctx, "/embeddings", payload, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, errors.New("embedding response had no data")
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) chat(ctx context.Context, model, system string, messages []Message, tools []ToolDef, schema *Schema) (Turn, error) {
	if c.apiKey == "" {
		return Turn{}, errors.New("missing API key for remote provider")
	}
	if model == "" {
		return Turn{}, errors.New("missing model for remote provider")
	}
	if err := c.wait(ctx); err != nil {
		return Turn{}, err
	}

	wireMessages := make([]map[string]any, 0, len(messages)+1)
	if system != "" {
		wireMessages = append(wireMessages, map[string]any{"role": "system", "content": system})
	}
	for _, msg := range messages {
		wireMessages = append(wireMessages, encodeMessage(msg))
	}

	payload := map[string]any{
		"model":    model,
		"messages": wireMessages,
	}
	if len(tools) > 0 {
		wireTools := make([]map[string]any, 0, len(tools))
		for _, tool := range tools {
			wireTools = append(wireTools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		payload["tools"] = wireTools
	}
	if schema != nil {
		payload["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":        schema.Name,
				"description": schema.Description,
				"schema":      schema.Definition,
				"strict":      false,
			},
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
				ToolCalls        []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", payload, &parsed); err != nil {
		return Turn{}, err
	}
	if len(parsed.Choices) == 0 {
		return Turn{}, errors.New("LLM response had no choices")
	}

	message := parsed.Choices[0].Message
	turn := Turn{
		Text:          strings.TrimSpace(message.Content),
		ReasoningText: strings.TrimSpace(message.ReasoningContent),
	}
	for _, call := range message.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if turn.Text == "" && len(turn.ToolCalls) == 0 {
		return Turn{}, errors.New("LLM response was empty")
	}
	return turn, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("LLM request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func encodeMessage(msg Message) map[string]any {
	wire := map[string]any{"role": msg.Role}
	if len(msg.Parts) > 0 {
		parts := make([]map[string]any, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case "image_url":
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": part.ImageURL},
				})
			default:
				parts = append(parts, map[string]any{"type": "text", "text": part.Text})
			}
		}
		wire["content"] = parts
	} else {
		wire["content"] = msg.Content
	}
	if len(msg.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   call.ID,
				"type": "function",
				"function": map[string]any{
					"name":      call.Name,
					"arguments": call.Arguments,
				},
			})
		}
		wire["tool_calls"] = calls
	}
	if msg.ToolCallID != "" {
		wire["tool_call_id"] = msg.ToolCallID
	}
	return wire
}

// unmarshalModelJSON strips markdown fences the model may wrap around its
// output, runs a JSON repair pass, and unmarshals into out.
func unmarshalModelJSON(content string, out any) error {
	clean := strings.TrimSpace(content)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return errors.New("empty response content")
	}

	if err := json.Unmarshal([]byte(clean), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(clean)
	if err != nil {
		return fmt.Errorf("unrepairable JSON: %w", err)
	}
	return json.Unmarshal([]byte(repaired), out)
}
