// Package upstream drives the streaming call against the Code Assist API:
// request assembly, the retry/rotation/fallback loop, stream consumption and
// the optional synthesized reasoning narrative.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/relayforge/codeassist-gateway/internal/auth"
	"github.com/relayforge/codeassist-gateway/internal/catalog"
	"github.com/relayforge/codeassist-gateway/internal/metrics"
	"github.com/relayforge/codeassist-gateway/internal/sse"
	"github.com/relayforge/codeassist-gateway/internal/translator"
)

// EmitFunc receives chunks in order. Returning an error aborts the stream;
// the response body is closed and the error propagates to the caller.
type EmitFunc func(translator.Chunk) error

// ThinkingSettings controls the synthesized reasoning narrative.
type ThinkingSettings struct {
	Synthesize bool
	TagMode    bool
	ChunkSize  int
	ChunkDelay time.Duration
	Narrative  string
}

// Config wires an Orchestrator. HTTPClient, Logger and Metrics may be nil.
type Config struct {
	BaseURL         string
	APIVersion      string
	FallbackEnabled bool
	Thinking        ThinkingSettings
	HTTPClient      *http.Client
	Logger          *slog.Logger
	Metrics         *metrics.Registry
}

// Orchestrator coordinates one streaming request end to end. Stateless
// across requests; safe for concurrent use.
type Orchestrator struct {
	accounts *auth.Manager
	tr       *translator.Translator

	httpClient      *http.Client
	baseURL         string
	apiVersion      string
	fallbackEnabled bool
	thinking        ThinkingSettings
	log             *slog.Logger
	metrics         *metrics.Registry
}

func New(accounts *auth.Manager, tr *translator.Translator, cfg Config) *Orchestrator {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: a streaming response stays open as long as the
		// model generates. The caller's context bounds the call.
		httpClient = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		accounts:        accounts,
		tr:              tr,
		httpClient:      httpClient,
		baseURL:         cfg.BaseURL,
		apiVersion:      cfg.APIVersion,
		fallbackEnabled: cfg.FallbackEnabled,
		thinking:        cfg.Thinking,
		log:             log,
		metrics:         cfg.Metrics,
	}
}

// attempt outcomes of one upstream call.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryAuth
	outcomeRotate
	outcomeFallback
	outcomeFatal
)

// Stream issues the upstream streaming call for req and emits normalized
// chunks. It owns the full failure policy: a 401 retries the same account
// once after a forced refresh, quota failures rotate through all accounts,
// and model-level rate limiting falls back to the catalog's fallback model
// at most once.
func (o *Orchestrator) Stream(ctx context.Context, req *translator.ChatRequest, emit EmitFunc) error {
	info, _ := catalog.Lookup(req.Model)

	synthesize := info.Thinking && o.thinking.Synthesize && req.ReasoningEffort == ""
	nativeThinking := info.Thinking && req.ReasoningEffort != ""

	mapper := translator.NewPartMapper(synthesize && o.thinking.TagMode)

	inner, err := buildInner(o.tr, req, nativeThinking, synthesize)
	if err != nil {
		return err
	}
	env := &streamEnvelope{Model: req.Model, Request: inner}

	if synthesize {
		if err := o.synthesizeThinking(ctx, mapper, emit); err != nil {
			return err
		}
	}

	var (
		rotations   int
		authRetried bool
		isRetry     bool
		lastErr     error
		// refreshed carries a forcibly refreshed token into the retry
		// attempt so the rejected one cannot be re-served.
		refreshed string
	)

loop:
	for {
		// Re-resolve the project every attempt so an account switch is always
		// reflected in the outgoing request.
		project, err := o.accounts.ResolveProject(ctx)
		if err != nil {
			return err
		}
		env.Project = project

		token := refreshed
		refreshed = ""
		if token == "" {
			var err error
			if token, err = o.accounts.Token(ctx); err != nil {
				lastErr = err
				if !o.rotateOK(&rotations, "auth_error") {
					break loop
				}
				authRetried = false
				continue
			}
		}

		start := time.Now()
		result, status, body, err := o.attempt(ctx, token, env, mapper, emit, !isRetry)
		if err != nil && result == outcomeSuccess {
			// Stream was already being consumed: the request cannot be
			// retried, the error goes straight to the caller.
			return err
		}

		switch result {
		case outcomeSuccess:
			o.observe(env.Model, "success", start)
			return nil

		case outcomeRetryAuth:
			if authRetried || isRetry {
				// Second 401 on the refreshed token, or a 401 on the
				// fallback attempt, which gets no retry of its own: give up
				// on this account and let the rotation path take over.
				lastErr = fmt.Errorf("upstream: account %d: unauthorized", o.accounts.Current())
				o.observe(env.Model, "auth_failed", start)
				if !o.rotateOK(&rotations, "auth_retry_failed") {
					break loop
				}
				authRetried = false
				continue
			}
			authRetried = true
			tok, err := o.accounts.ForceRefreshToken(ctx)
			if err != nil {
				lastErr = err
				o.observe(env.Model, "auth_failed", start)
				if !o.rotateOK(&rotations, "auth_error") {
					break loop
				}
				authRetried = false
				continue
			}
			refreshed = tok
			o.observe(env.Model, "retry_auth", start)
			continue

		case outcomeRotate:
			if err != nil {
				lastErr = err
			} else {
				lastErr = fmt.Errorf("upstream: account %d: quota exhausted (status %d)", o.accounts.Current(), status)
			}
			o.observe(env.Model, "quota", start)
			if !o.rotateOK(&rotations, "quota") {
				break loop
			}
			authRetried = false
			continue

		case outcomeFallback:
			fallback, _ := catalog.Fallback(env.Model)
			o.log.Warn("model rate limited, switching to fallback",
				"model", env.Model, "fallback", fallback)
			if o.metrics != nil {
				o.metrics.RecordFallback(env.Model, fallback)
			}
			if err := emit(translator.NoticeChunk(
				fmt.Sprintf("Model %s is rate limited, switching to %s.", env.Model, fallback))); err != nil {
				return err
			}
			o.observe(env.Model, "fallback", start)
			env.Model = fallback
			isRetry = true
			continue

		case outcomeFatal:
			if isModelRateLimited(status, body) {
				o.observe(env.Model, "rate_limited", start)
				return &RateLimitError{Model: env.Model, RetryAfter: retryDelay(body)}
			}
			o.observe(env.Model, "fatal", start)
			return &FatalError{Status: status, Body: truncateBody(body)}
		}
	}

	if o.metrics != nil {
		o.metrics.RecordAccountsExhausted()
	}
	return &auth.ExhaustedError{Attempts: o.accounts.AccountCount(), Last: lastErr}
}

// attempt issues one upstream call and classifies its outcome. On success the
// body is fully consumed and chunks are emitted before returning.
// allowFallback is false once a fallback already happened, so a fallback
// attempt cannot trigger another.
func (o *Orchestrator) attempt(ctx context.Context, token string, env *streamEnvelope, mapper *translator.PartMapper, emit EmitFunc, allowFallback bool) (outcome, int, []byte, error) {
	resp, err := o.send(ctx, token, env)
	if err != nil {
		// Transport failure before any bytes arrived: safe to rotate.
		return outcomeRotate, 0, nil, err
	}

	if resp.StatusCode == http.StatusOK {
		err := o.consume(ctx, env.Model, resp.Body, mapper, emit)
		return outcomeSuccess, resp.StatusCode, nil, err
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return outcomeRetryAuth, resp.StatusCode, body, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		return outcomeRotate, resp.StatusCode, body, nil

	case allowFallback && o.canFallback(env.Model, resp.StatusCode, body):
		return outcomeFallback, resp.StatusCode, body, nil

	default:
		return outcomeFatal, resp.StatusCode, body, nil
	}
}

func (o *Orchestrator) canFallback(model string, status int, body []byte) bool {
	if !o.fallbackEnabled || !isModelRateLimited(status, body) {
		return false
	}
	_, ok := catalog.Fallback(model)
	return ok
}

func (o *Orchestrator) send(ctx context.Context, token string, env *streamEnvelope) (*http.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	url := o.baseURL + "/" + o.apiVersion + ":streamGenerateContent?alt=sse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	return o.httpClient.Do(req)
}

// streamRecord is the envelope of one decoded stream frame.
type streamRecord struct {
	Response *genai.GenerateContentResponse `json:"response"`
}

// consume drains the response body through the reassembler and emits chunks.
func (o *Orchestrator) consume(ctx context.Context, model string, body io.ReadCloser, mapper *translator.PartMapper, emit EmitFunc) error {
	defer body.Close()

	re := sse.New(body, o.log)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := re.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("upstream: stream read: %w", err)
		}

		var rec streamRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Response == nil {
			o.log.Warn("skipping undecodable stream record", "error", err)
			if o.metrics != nil {
				o.metrics.RecordStreamRecord(false)
			}
			continue
		}
		if o.metrics != nil {
			o.metrics.RecordStreamRecord(true)
		}

		for _, chunk := range mapper.MapRecord(rec.Response) {
			if chunk.Kind == translator.KindUsage && o.metrics != nil {
				o.metrics.AddTokens(model, chunk.Usage.InputTokens, chunk.Usage.OutputTokens)
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}

	// A stream that ended while the thinking wrapper was open still owes the
	// caller a close.
	if c, ok := mapper.CloseThinking(); ok {
		return emit(c)
	}
	return nil
}

// rotateOK advances the account pointer unless the rotation budget for this
// request is spent. One request tries each account at most once.
func (o *Orchestrator) rotateOK(rotations *int, reason string) bool {
	*rotations++
	if *rotations >= o.accounts.AccountCount() {
		return false
	}
	o.accounts.Rotate(reason)
	return true
}

func (o *Orchestrator) observe(model, outcome string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveUpstreamAttempt(model, outcome, time.Since(start))
	}
}

func truncateBody(b []byte) string {
	const max = 2048
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
