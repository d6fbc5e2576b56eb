// Package proxy is the caller-facing HTTP surface of the gateway.
//
// The Gateway receives an OpenAI-compatible chat-completion request, validates
// it against the model catalog, applies rate limiting, and hands it to the
// upstream orchestrator — streaming the normalized chunks back as SSE deltas
// or aggregating them into a single completion envelope.
//
// Key design constraints:
//   - Rate limiter, request logger, and metrics are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are written incrementally; the HTTP handler returns
//     before the stream drains and metrics are finalised by the stream writer.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/relayforge/codeassist-gateway/internal/auth"
	"github.com/relayforge/codeassist-gateway/internal/catalog"
	"github.com/relayforge/codeassist-gateway/internal/logger"
	"github.com/relayforge/codeassist-gateway/internal/metrics"
	"github.com/relayforge/codeassist-gateway/internal/ratelimit"
	"github.com/relayforge/codeassist-gateway/internal/translator"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
	"github.com/relayforge/codeassist-gateway/pkg/apierr"
)

// GatewayOptions holds optional dependencies for a Gateway. All fields have
// sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failure
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// RPMLimiter enforces a per-gateway requests-per-minute budget.
	// When nil, no rate limiting is applied.
	RPMLimiter ratelimit.Limiter

	// RequestLogger is the async request log pipeline. When nil, no request
	// records are emitted.
	RequestLogger *logger.Logger

	// RequestTimeout bounds a non-streaming completion end to end.
	// Default: 5m. Streaming requests are bounded by the client connection.
	RequestTimeout time.Duration

	// CORSOrigins is the allowed-origins list. Empty means allow all.
	CORSOrigins []string

	// Version is reported by GET /health.
	Version string
}

// Gateway is the HTTP dispatcher — dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	orch     *upstream.Orchestrator
	accounts *auth.Manager
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	rpmLimiter ratelimit.Limiter
	reqLogger  *logger.Logger

	requestTimeout time.Duration
	corsOrigins    []string
	version        string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(baseCtx context.Context, orch *upstream.Orchestrator, accounts *auth.Manager, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		orch:           orch,
		accounts:       accounts,
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		rpmLimiter:     opts.RPMLimiter,
		reqLogger:      opts.RequestLogger,
		requestTimeout: requestTimeout,
		corsOrigins:    opts.CORSOrigins,
		version:        version,
	}
}

// ── Response envelope types (OpenAI shape) ────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role             string                `json:"role"`
		Content          string                `json:"content"`
		ReasoningContent string                `json:"reasoning_content,omitempty"`
		ToolCalls        []translator.ToolCall `json:"tool_calls,omitempty"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate the request body.
	var req translator.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if _, ok := catalog.Lookup(req.Model); !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("unknown model %q", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.Int("messages", len(req.Messages)),
		slog.Int("account", g.accounts.Current()),
	)

	// 2. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.Warn("rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	accountBefore := g.accounts.Current()

	// 3a. Streaming — written incrementally by the body stream writer.
	if req.Stream {
		streaming = true
		g.writeSSE(ctx, &req, func(res streamResult) {
			status := fasthttp.StatusOK
			if res.err != nil {
				status = upstreamStatus(res.err)
				g.log.Error("stream_error",
					slog.String("request_id", reqID),
					slog.String("model", req.Model),
					slog.String("error", res.err.Error()),
					slog.Duration("elapsed", time.Since(start)),
				)
			}
			dur := time.Since(start)
			if g.metrics != nil {
				// End-to-end duration is measured until stream drain.
				g.metrics.ObserveHTTP(route, status, dur)
				g.metrics.DecInFlight()
			}
			g.logRequest(reqID, req.Model, res.servedModel, accountBefore,
				res.inputTokens, res.outputTokens, dur, status, true)
		})
		return
	}

	// 3b. Non-streaming — drain the stream into one completion envelope.
	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	comp, err := g.orch.Complete(reqCtx, &req)
	if err != nil {
		g.log.Error("completion_error",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleUpstreamError(ctx, err)
		g.logRequest(reqID, req.Model, req.Model, accountBefore,
			0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}

	var usage outboundUsage
	if comp.Usage != nil {
		usage = outboundUsage{
			PromptTokens:     comp.Usage.InputTokens,
			CompletionTokens: comp.Usage.OutputTokens,
			TotalTokens:      comp.Usage.InputTokens + comp.Usage.OutputTokens,
		}
	}

	out := outboundResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   comp.Model,
		Choices: []outboundChoice{
			{
				Index: 0,
				Message: outboundMessage{
					Role:             "assistant",
					Content:          comp.Content,
					ReasoningContent: comp.Reasoning,
					ToolCalls:        comp.ToolCalls,
				},
				FinishReason: comp.FinishReason(),
			},
		},
		Usage: usage,
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.Debug("response_ok",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("served_model", comp.Model),
		slog.Int("input_tokens", usage.PromptTokens),
		slog.Int("output_tokens", usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	g.logRequest(reqID, req.Model, comp.Model, accountBefore,
		usage.PromptTokens, usage.CompletionTokens,
		time.Since(start), fasthttp.StatusOK, false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, model, servedModel string,
	accountBefore int,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	stream bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Rotation count is reconstructed from the account cursor movement.
	// Approximate under concurrent rotation, exact otherwise.
	rotations := 0
	if n := g.accounts.AccountCount(); n > 0 {
		rotations = (g.accounts.Current() - accountBefore + n) % n
	}

	latencyMs := latency.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Model:        model,
		ServedModel:  servedModel,
		Account:      uint8(accountBefore),
		Rotations:    uint8(rotations),
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latencyMs),
		Status:       uint16(status),
		Stream:       stream,
		CreatedAt:    time.Now(),
	})
}

// handleUpstreamError maps orchestrator errors to the appropriate HTTP
// response.
//
//	translator.InvalidImageError → 400 invalid_request
//	auth.ExhaustedError          → 429 quota_exhausted + Retry-After
//	upstream.RateLimitError      → 429 rate_limit_exceeded + Retry-After hint
//	context.DeadlineExceeded     → 504 Gateway Timeout
//	other statusCoder errors     → status passed through / remapped to 502
//	everything else              → 502 Bad Gateway
func handleUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var invalidImage *translator.InvalidImageError
	if errors.As(err, &invalidImage) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidImage)
		return
	}

	var exhausted *auth.ExhaustedError
	if errors.As(err, &exhausted) {
		apierr.WriteExhausted(ctx, err.Error())
		return
	}

	var rle *upstream.RateLimitError
	if errors.As(err, &rle) {
		if secs := retryAfterSeconds(rle.RetryAfter); secs > 0 {
			ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
		} else {
			ctx.Response.Header.Set("Retry-After", "60")
		}
		apierr.Write(ctx, fasthttp.StatusTooManyRequests,
			err.Error(), apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	type statusCoder interface{ HTTPStatus() int }
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status >= 400 && status < 500 {
			apierr.Write(ctx, status, err.Error(),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.WriteUpstreamError(ctx, status, err.Error())
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeUpstreamError, apierr.CodeUpstreamError)
}

// upstreamStatus returns the HTTP status handleUpstreamError would have
// written, for metrics and request-log finalisation in the streaming path
// where headers are already committed.
func upstreamStatus(err error) int {
	var invalidImage *translator.InvalidImageError
	if errors.As(err, &invalidImage) {
		return fasthttp.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fasthttp.StatusGatewayTimeout
	}
	type statusCoder interface{ HTTPStatus() int }
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return fasthttp.StatusBadGateway
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return secs
}
