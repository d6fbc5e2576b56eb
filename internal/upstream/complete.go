package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/relayforge/codeassist-gateway/internal/catalog"
	"github.com/relayforge/codeassist-gateway/internal/translator"
)

// Completion is the aggregate of one drained stream.
type Completion struct {
	// Model is the model that served the request, which differs from the
	// requested model after a fallback.
	Model string

	// Content is all content text concatenated, including any thinking
	// wrapper text in tag mode.
	Content string

	// Reasoning is the concatenated reasoning-channel text.
	Reasoning string

	// ToolCalls collects tool-call chunks in order with synthesized ids.
	ToolCalls []translator.ToolCall

	// Usage is the last usage chunk seen, if any.
	Usage *translator.Usage
}

// FinishReason reports why generation stopped in OpenAI terms.
func (c *Completion) FinishReason() string {
	if len(c.ToolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// Complete drains a full streaming call into one aggregate result. If the
// stream fails up-front with model-level rate limiting, it switches to the
// catalog fallback once and retries before giving up.
func (o *Orchestrator) Complete(ctx context.Context, req *translator.ChatRequest) (*Completion, error) {
	result, err := o.drain(ctx, req)
	if err == nil {
		return result, nil
	}

	var rle *RateLimitError
	if !errors.As(err, &rle) || !o.fallbackEnabled {
		return nil, err
	}
	fallback, ok := catalog.Fallback(req.Model)
	if !ok {
		return nil, err
	}

	o.log.Warn("completion rate limited, retrying with fallback",
		"model", req.Model, "fallback", fallback)

	retry := *req
	retry.Model = fallback
	return o.drain(ctx, &retry)
}

func (o *Orchestrator) drain(ctx context.Context, req *translator.ChatRequest) (*Completion, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
		result    = Completion{Model: req.Model}
	)

	err := o.Stream(ctx, req, func(c translator.Chunk) error {
		switch c.Kind {
		case translator.KindText:
			content.WriteString(c.Text)
		case translator.KindReasoning:
			reasoning.WriteString(c.Text)
		case translator.KindThinkingOpen:
			content.WriteString("<thinking>\n")
		case translator.KindThinkingClose:
			content.WriteString("\n</thinking>\n")
		case translator.KindNotice:
			// Notices are a streaming affordance; the aggregate result
			// reflects only what the serving model produced. A notice also
			// means the stream switched to the fallback model.
			if fb, ok := catalog.Fallback(req.Model); ok {
				result.Model = fb
			}
		case translator.KindToolCall:
			result.ToolCalls = append(result.ToolCalls, translator.ToolCall{
				ID:   "call_" + uuid.NewString(),
				Type: "function",
				Function: translator.FunctionCall{
					Name:      c.ToolName,
					Arguments: c.ToolArgs,
				},
			})
		case translator.KindUsage:
			result.Usage = c.Usage
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Content = content.String()
	result.Reasoning = reasoning.String()
	return &result, nil
}
