package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/relayforge/codeassist-gateway/internal/catalog"
	"github.com/relayforge/codeassist-gateway/internal/translator"
	"github.com/relayforge/codeassist-gateway/pkg/apierr"
)

// ── Streaming delta types (OpenAI chat.completion.chunk shape) ────────────────

type (
	streamToolCall struct {
		Index    int                     `json:"index"`
		ID       string                  `json:"id"`
		Type     string                  `json:"type"`
		Function translator.FunctionCall `json:"function"`
	}

	// streamDelta uses pointer strings so that an empty content delta still
	// serialises as "content": "" rather than vanishing.
	streamDelta struct {
		Role             string           `json:"role,omitempty"`
		Content          *string          `json:"content,omitempty"`
		ReasoningContent *string          `json:"reasoning_content,omitempty"`
		ToolCalls        []streamToolCall `json:"tool_calls,omitempty"`
	}

	streamChoice struct {
		Index        int         `json:"index"`
		Delta        streamDelta `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	}

	streamEvent struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []streamChoice `json:"choices"`
		Usage   *outboundUsage `json:"usage,omitempty"`
	}
)

// streamResult is what the stream writer reports back to the dispatcher once
// the stream drains, for metrics and request-log finalisation.
type streamResult struct {
	servedModel  string
	inputTokens  int
	outputTokens int
	err          error
}

// writeSSE runs the upstream stream inside the response body writer and
// translates normalized chunks into chat.completion.chunk SSE events.
// onComplete is called exactly once after the terminating [DONE] marker.
//
// The wire order is: role-bearing first delta, content/reasoning/tool-call
// deltas as they arrive, one finish chunk carrying usage, then [DONE].
// Errors after the headers are committed surface as a terminal error event.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, req *translator.ChatRequest, onComplete func(streamResult)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		// The request context is not valid once the handler has returned;
		// the stream is bounded by the server lifetime and aborted through
		// write failures when the client disconnects.
		streamCtx, cancel := context.WithCancel(g.baseCtx)
		defer cancel()

		res := streamResult{servedModel: req.Model}
		var (
			sentRole  bool
			toolIndex int
		)

		event := func() streamEvent {
			ev := streamEvent{
				ID:      completionID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   req.Model,
				Choices: []streamChoice{{Index: 0}},
			}
			if !sentRole {
				ev.Choices[0].Delta.Role = "assistant"
			}
			return ev
		}

		finish := "stop"
		var usage *translator.Usage

		err := g.orch.Stream(streamCtx, req, func(c translator.Chunk) error {
			ev := event()
			d := &ev.Choices[0].Delta
			switch c.Kind {
			case translator.KindText:
				d.Content = strPtr(c.Text)
			case translator.KindNotice:
				// A notice also means the stream switched to the fallback.
				if fb, ok := catalog.Fallback(req.Model); ok {
					res.servedModel = fb
				}
				d.Content = strPtr(c.Text)
			case translator.KindThinkingOpen:
				d.Content = strPtr("<thinking>\n")
			case translator.KindThinkingClose:
				d.Content = strPtr("\n</thinking>\n")
			case translator.KindReasoning:
				d.ReasoningContent = strPtr(c.Text)
			case translator.KindToolCall:
				d.ToolCalls = []streamToolCall{{
					Index: toolIndex,
					ID:    "call_" + uuid.NewString(),
					Type:  "function",
					Function: translator.FunctionCall{
						Name:      c.ToolName,
						Arguments: c.ToolArgs,
					},
				}}
				toolIndex++
				finish = "tool_calls"
			case translator.KindUsage:
				// Carried on the finish chunk, per stream_options semantics.
				usage = c.Usage
				return nil
			}
			sentRole = true
			return writeEvent(w, ev)
		})

		if err != nil {
			res.err = err
			writeErrorEvent(w, err)
		} else {
			final := event()
			final.Choices[0].FinishReason = &finish
			if usage != nil {
				res.inputTokens = usage.InputTokens
				res.outputTokens = usage.OutputTokens
				final.Usage = &outboundUsage{
					PromptTokens:     usage.InputTokens,
					CompletionTokens: usage.OutputTokens,
					TotalTokens:      usage.InputTokens + usage.OutputTokens,
				}
			}
			writeEvent(w, final) //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			onComplete(res)
		}
	})
}

func writeEvent(w *bufio.Writer, ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// writeErrorEvent surfaces an upstream failure to a client that already
// received a 200 and the SSE headers. The payload mirrors the non-streaming
// error envelope.
func writeErrorEvent(w *bufio.Writer, err error) {
	envelope := struct {
		Error apierr.APIError `json:"error"`
	}{
		Error: apierr.APIError{
			Message: err.Error(),
			Type:    apierr.TypeUpstreamError,
			Code:    apierr.CodeUpstreamError,
		},
	}
	data, _ := json.Marshal(envelope)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

func strPtr(s string) *string { return &s }
