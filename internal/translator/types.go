// Package translator converts between the OpenAI-compatible chat-completion
// message model exposed to callers and the content-part model spoken by the
// Code Assist upstream.
//
// Request direction: ChatMessage values become upstream Content records
// (role + typed parts). Response direction: upstream parts become a flat,
// ordered sequence of Chunk values consumed by the streaming writer.
package translator

import (
	"encoding/json"
	"fmt"
)

type (
	// ChatRequest — the caller-facing chat-completion request body.
	ChatRequest struct {
		Model       string          `json:"model"`
		Messages    []ChatMessage   `json:"messages"`
		Stream      bool            `json:"stream,omitempty"`
		Tools       []Tool          `json:"tools,omitempty"`
		ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
		Temperature *float64        `json:"temperature,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
		MaxTokens   *int            `json:"max_tokens,omitempty"`

		// ReasoningEffort being set means the caller wants native reasoning
		// deltas; the gateway then skips any synthesized narrative.
		ReasoningEffort string `json:"reasoning_effort,omitempty"`
	}

	// ChatMessage is a single conversation turn. Content is either a plain
	// string or an ordered list of typed parts (see MessageContent).
	ChatMessage struct {
		Role       string         `json:"role"`
		Content    MessageContent `json:"content"`
		ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
		Name       string         `json:"name,omitempty"`
	}

	// ContentPart is one element of an array-form message content.
	ContentPart struct {
		Type     string    `json:"type"`
		Text     string    `json:"text,omitempty"`
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	// ImageURL carries an image reference: an http(s) URL or a data: URI.
	ImageURL struct {
		URL string `json:"url"`
	}

	// ToolCall — an assistant-issued function call, OpenAI shape.
	ToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	// FunctionCall holds the function name and its JSON-serialized arguments.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Tool — a caller-declared callable function.
	Tool struct {
		Type     string             `json:"type"`
		Function FunctionDefinition `json:"function"`
	}

	// FunctionDefinition describes one callable function and its parameter
	// schema. Parameters are passed through to the upstream untouched.
	FunctionDefinition struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}
)

// MessageContent accepts both content encodings the chat-completion protocol
// allows: a bare JSON string, or an array of typed parts. Exactly one of
// Text/Parts is meaningful; IsArray records which form arrived.
type MessageContent struct {
	Text    string
	Parts   []ContentPart
	IsArray bool
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Parts = parts
		c.IsArray = true
		return nil
	}

	// Anything else is kept as its raw JSON text so a single malformed
	// turn does not reject the whole request.
	c.Text = string(data)
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsArray {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// PlainText flattens the content to a single string. Array-form content
// concatenates its text parts; image parts are skipped.
func (c MessageContent) PlainText() string {
	if !c.IsArray {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// InvalidImageError reports a malformed or unsupported image reference.
// It fails the whole request; there is no partial recovery for bad input.
type InvalidImageError struct {
	URL    string
	Reason string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image %q: %s", truncateURL(e.URL), e.Reason)
}

// HTTPStatus implements the status-coder convention used by the error writer.
func (e *InvalidImageError) HTTPStatus() int { return 400 }

// truncateURL keeps error messages readable when the URL is a large data URI.
func truncateURL(u string) string {
	if len(u) > 64 {
		return u[:64] + "..."
	}
	return u
}
