package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/relayforge/codeassist-gateway/internal/auth"
	"github.com/relayforge/codeassist-gateway/internal/ratelimit"
	"github.com/relayforge/codeassist-gateway/internal/translator"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
)

// --- helpers ----------------------------------------------------------------

// memStore is a minimal token cache for tests.
type memStore struct{ m map[string][]byte }

func newMemStore() *memStore { return &memStore{m: make(map[string][]byte)} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := s.m[key]
	return v, ok
}
func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.m[key] = value
	return nil
}
func (s *memStore) Delete(_ context.Context, key string) error {
	delete(s.m, key)
	return nil
}

type ssePart struct {
	Text         string          `json:"text,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
	FunctionCall json.RawMessage `json:"functionCall,omitempty"`
}

func sseRecord(parts ...ssePart) string {
	rec := map[string]any{
		"response": map[string]any{
			"candidates": []any{
				map[string]any{"content": map[string]any{"role": "model", "parts": parts}},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 5, "candidatesTokenCount": 2},
		},
	}
	raw, _ := json.Marshal(rec)
	return "data: " + string(raw) + "\n\n"
}

// newGateway wires a Gateway against stub OAuth and Code Assist servers.
func newGateway(t *testing.T, handler http.Handler, opts GatewayOptions) *Gateway {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	t.Cleanup(tokenSrv.Close)

	api := httptest.NewServer(handler)
	t.Cleanup(api.Close)

	creds := []auth.Credential{
		{RefreshToken: "r0", ProjectID: "proj-0"},
		{RefreshToken: "r1", ProjectID: "proj-1"},
	}

	mgr, err := auth.NewManager(creds, newMemStore(), auth.ManagerConfig{
		BaseURL:    api.URL,
		APIVersion: "v1internal",
		OAuth: auth.OAuthConfig{
			TokenURL:     tokenSrv.URL,
			ClientID:     "c",
			ClientSecret: "s",
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	orch := upstream.New(mgr, translator.New(nil), upstream.Config{
		BaseURL:         api.URL,
		APIVersion:      "v1internal",
		FallbackEnabled: true,
	})

	return NewGateway(context.Background(), orch, mgr, opts)
}

// serveGateway starts the gateway's full server on an in-memory listener.
// Returns an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	srv := gw.server(nil)
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func chatBody(t *testing.T, model string, stream bool) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":    model,
		"stream":   stream,
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

// sseEvents splits an SSE body into its decoded data payloads, excluding the
// [DONE] marker.
func sseEvents(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, block := range strings.Split(string(body), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || !strings.HasPrefix(block, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(block, "data: ")
		if payload == "[DONE]" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func delta(t *testing.T, ev map[string]any) map[string]any {
	t.Helper()
	choices, ok := ev["choices"].([]any)
	if !ok || len(choices) != 1 {
		t.Fatalf("event has no choices: %v", ev)
	}
	d, _ := choices[0].(map[string]any)["delta"].(map[string]any)
	return d
}

// --- construction -----------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, nil, GatewayOptions{})
}

// --- validation -------------------------------------------------------------

func TestChatCompletions_InvalidJSON(t *testing.T) {
	gw := newGateway(t, http.NotFoundHandler(), GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", []byte("{not json"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !bytes.Contains(readBody(t, resp), []byte("invalid_request_error")) {
		t.Error("expected invalid_request_error envelope")
	}
}

func TestChatCompletions_ModelRequired(t *testing.T) {
	gw := newGateway(t, http.NotFoundHandler(), GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	gw := newGateway(t, http.NotFoundHandler(), GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", chatBody(t, "gpt-4o", false))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !bytes.Contains(readBody(t, resp), []byte("unknown model")) {
		t.Error("expected unknown model message")
	}
}

// --- non-streaming ----------------------------------------------------------

func TestChatCompletions_NonStreaming(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseRecord(ssePart{Text: "hello "}, ssePart{Text: "world"}))
	})
	gw := newGateway(t, handler, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", chatBody(t, "gemini-2.0-flash-lite", false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if out.Model != "gemini-2.0-flash-lite" {
		t.Errorf("model = %q", out.Model)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello world" {
		t.Fatalf("choices = %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", out.Choices[0].FinishReason)
	}
	if out.Usage.PromptTokens != 5 || out.Usage.CompletionTokens != 2 || out.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestChatCompletions_ToolCalls(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fprint := sseRecord(ssePart{
			FunctionCall: json.RawMessage(`{"name":"get_weather","args":{"city":"Berlin"}}`),
		})
		fmt.Fprint(w, fprint)
	})
	gw := newGateway(t, handler, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", chatBody(t, "gemini-2.0-flash-lite", false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				ToolCalls []translator.ToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Choices) != 1 || len(out.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("choices = %+v", out.Choices)
	}
	tc := out.Choices[0].Message.ToolCalls[0]
	if !strings.HasPrefix(tc.ID, "call_") {
		t.Errorf("tool call id = %q", tc.ID)
	}
	if tc.Function.Name != "get_weather" {
		t.Errorf("function name = %q", tc.Function.Name)
	}
	if out.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", out.Choices[0].FinishReason)
	}
}

func TestChatCompletions_UpstreamExhausted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	gw := newGateway(t, handler, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", chatBody(t, "gemini-2.0-flash-lite", false))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if !bytes.Contains(readBody(t, resp), []byte("quota_exhausted")) {
		t.Error("expected quota_exhausted code")
	}
}

// --- streaming --------------------------------------------------------------

func TestChatCompletions_Streaming(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseRecord(ssePart{Text: "hello "}))
		fmt.Fprint(w, sseRecord(ssePart{Text: "world"}))
	})
	gw := newGateway(t, handler, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", chatBody(t, "gemini-2.0-flash-lite", true))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	body := readBody(t, resp)
	if !bytes.HasSuffix(bytes.TrimSpace(body), []byte("data: [DONE]")) {
		t.Error("stream must end with [DONE]")
	}

	events := sseEvents(t, body)
	if len(events) < 3 {
		t.Fatalf("expected content deltas plus finish chunk, got %d events", len(events))
	}

	first := delta(t, events[0])
	if first["role"] != "assistant" {
		t.Errorf("first delta role = %v", first["role"])
	}

	var content strings.Builder
	for _, ev := range events {
		if ev["object"] != "chat.completion.chunk" {
			t.Errorf("object = %v", ev["object"])
		}
		if s, ok := delta(t, ev)["content"].(string); ok {
			content.WriteString(s)
		}
	}
	if content.String() != "hello world" {
		t.Errorf("content = %q", content.String())
	}

	final := events[len(events)-1]
	choices := final["choices"].([]any)
	if fr := choices[0].(map[string]any)["finish_reason"]; fr != "stop" {
		t.Errorf("finish_reason = %v", fr)
	}
	usage, ok := final["usage"].(map[string]any)
	if !ok {
		t.Fatal("final chunk must carry usage")
	}
	if usage["prompt_tokens"].(float64) != 5 || usage["completion_tokens"].(float64) != 2 {
		t.Errorf("usage = %v", usage)
	}
}

func TestChatCompletions_StreamingReasoning(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseRecord(
			ssePart{Text: "pondering", Thought: true},
			ssePart{Text: "answer"},
		))
	})
	gw := newGateway(t, handler, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", true))
	events := sseEvents(t, readBody(t, resp))

	var reasoning, content strings.Builder
	for _, ev := range events {
		d := delta(t, ev)
		if s, ok := d["reasoning_content"].(string); ok {
			reasoning.WriteString(s)
		}
		if s, ok := d["content"].(string); ok {
			content.WriteString(s)
		}
	}
	if reasoning.String() != "pondering" {
		t.Errorf("reasoning = %q", reasoning.String())
	}
	if content.String() != "answer" {
		t.Errorf("content = %q", content.String())
	}
}

func TestChatCompletions_StreamingError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad generation config"}}`)
	})
	gw := newGateway(t, handler, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/chat/completions", chatBody(t, "gemini-2.0-flash-lite", true))
	// Headers are committed before the upstream call fails; the error arrives
	// as a terminal SSE event.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !bytes.Contains(body, []byte(`"error"`)) {
		t.Error("expected error event in stream")
	}
	if !bytes.Contains(body, []byte("data: [DONE]")) {
		t.Error("stream must still end with [DONE]")
	}
}

// --- rate limiting ----------------------------------------------------------

func TestChatCompletions_RateLimited(t *testing.T) {
	var calls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseRecord(ssePart{Text: "ok"}))
	})
	gw := newGateway(t, handler, GatewayOptions{
		RPMLimiter: ratelimit.NewMemoryLimiter(1),
	})
	client := serveGateway(t, gw)

	body := chatBody(t, "gemini-2.0-flash-lite", false)
	resp := doPost(t, client, "/v1/chat/completions", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}
	readBody(t, resp)

	resp = doPost(t, client, "/v1/chat/completions", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	readBody(t, resp)

	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

// --- management routes ------------------------------------------------------

func TestModelsEndpoint(t *testing.T) {
	gw := newGateway(t, http.NotFoundHandler(), GatewayOptions{})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://test/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) == 0 {
		t.Fatalf("unexpected list: %+v", out)
	}
	seen := false
	for _, m := range out.Data {
		if m.Object != "model" {
			t.Errorf("object = %q", m.Object)
		}
		if m.ID == "gemini-2.5-pro" {
			seen = true
		}
	}
	if !seen {
		t.Error("expected gemini-2.5-pro in model list")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newGateway(t, http.NotFoundHandler(), GatewayOptions{Version: "1.2.3"})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Accounts int    `json:"accounts"`
	}
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" || out.Version != "1.2.3" || out.Accounts != 2 {
		t.Errorf("health = %+v", out)
	}
}

// --- error mapping ----------------------------------------------------------

func TestHandleUpstreamError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid image", &translator.InvalidImageError{URL: "u", Reason: "bad"}, 400},
		{"exhausted", &auth.ExhaustedError{Attempts: 3}, 429},
		{"rate limited", &upstream.RateLimitError{Model: "m", RetryAfter: 7 * time.Second}, 429},
		{"deadline", context.DeadlineExceeded, 504},
		{"fatal 400", &upstream.FatalError{Status: 400, Body: "nope"}, 400},
		{"fatal 500", &upstream.FatalError{Status: 500, Body: "boom"}, 502},
		{"plain", fmt.Errorf("connection refused"), 502},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ctx fasthttp.RequestCtx
			handleUpstreamError(&ctx, tc.err)
			if ctx.Response.StatusCode() != tc.status {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), tc.status)
			}
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	if got := retryAfterSeconds(0); got != 0 {
		t.Errorf("retryAfterSeconds(0) = %d", got)
	}
	if got := retryAfterSeconds(1500 * time.Millisecond); got != 2 {
		t.Errorf("retryAfterSeconds(1.5s) = %d, want 2", got)
	}
}
