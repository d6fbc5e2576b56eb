package translator

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"google.golang.org/genai"
)

func textMsg(role, text string) ChatMessage {
	return ChatMessage{Role: role, Content: MessageContent{Text: text}}
}

func TestRoundTripText(t *testing.T) {
	tr := New(nil)

	const want = "hello, world — exact bytes matter"
	_, contents, err := tr.ToUpstreamContents([]ChatMessage{textMsg("user", want)})
	if err != nil {
		t.Fatalf("ToUpstreamContents: %v", err)
	}
	if len(contents) != 1 || len(contents[0].Parts) != 1 {
		t.Fatalf("expected 1 content with 1 part, got %+v", contents)
	}

	// Echo the same text back through the response direction.
	m := NewPartMapper(false)
	chunks := m.MapPart(&genai.Part{Text: contents[0].Parts[0].Text})
	if len(chunks) != 1 || chunks[0].Kind != KindText || chunks[0].Text != want {
		t.Fatalf("round trip mismatch: %+v", chunks)
	}
}

func TestSystemMessagesBecomeSystemInstruction(t *testing.T) {
	tr := New(nil)

	system, contents, err := tr.ToUpstreamContents([]ChatMessage{
		textMsg("system", "be brief"),
		textMsg("system", "be kind"),
		textMsg("user", "hi"),
	})
	if err != nil {
		t.Fatalf("ToUpstreamContents: %v", err)
	}
	if system == nil || system.Parts[0].Text != "be brief\nbe kind" {
		t.Fatalf("unexpected system instruction: %+v", system)
	}
	if len(contents) != 1 {
		t.Fatalf("system turns must not appear in contents, got %d", len(contents))
	}
}

func TestRoleMapping(t *testing.T) {
	tr := New(nil)

	cases := []struct {
		role string
		want string
	}{
		{"user", genai.RoleUser},
		{"assistant", genai.RoleModel},
		{"model", genai.RoleModel},
		{"weird", genai.RoleUser},
	}
	for _, tc := range cases {
		c, err := tr.ToUpstreamContent(textMsg(tc.role, "x"))
		if err != nil {
			t.Fatalf("role %q: %v", tc.role, err)
		}
		if c.Role != tc.want {
			t.Errorf("role %q: got %q, want %q", tc.role, c.Role, tc.want)
		}
	}
}

func TestToolResultTurn(t *testing.T) {
	tr := New(nil)

	c, err := tr.ToUpstreamContent(ChatMessage{
		Role:       "tool",
		ToolCallID: "call_abc",
		Content:    MessageContent{Text: `{"temp": 21}`},
	})
	if err != nil {
		t.Fatalf("ToUpstreamContent: %v", err)
	}
	if c.Role != genai.RoleUser {
		t.Fatalf("tool turn must map to user role, got %q", c.Role)
	}
	fr := c.Parts[0].FunctionResponse
	if fr == nil || fr.Name != "call_abc" {
		t.Fatalf("unexpected function response: %+v", c.Parts[0])
	}
	if fr.Response["result"] != `{"temp": 21}` {
		t.Fatalf("unexpected result payload: %+v", fr.Response)
	}
}

func TestToolResultWithoutIDUsesPlaceholder(t *testing.T) {
	tr := New(nil)

	c, err := tr.ToUpstreamContent(ChatMessage{Role: "tool", Content: MessageContent{Text: "ok"}})
	if err != nil {
		t.Fatalf("ToUpstreamContent: %v", err)
	}
	if got := c.Parts[0].FunctionResponse.Name; got != "tool" {
		t.Fatalf("expected placeholder name, got %q", got)
	}
}

func TestAssistantToolCalls(t *testing.T) {
	tr := New(nil)

	c, err := tr.ToUpstreamContent(ChatMessage{
		Role:    "assistant",
		Content: MessageContent{Text: "let me check"},
		ToolCalls: []ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: FunctionCall{
				Name:      "get_weather",
				Arguments: `{"city":"Oslo"}`,
			},
		}},
	})
	if err != nil {
		t.Fatalf("ToUpstreamContent: %v", err)
	}
	if c.Role != genai.RoleModel {
		t.Fatalf("expected model role, got %q", c.Role)
	}
	if len(c.Parts) != 2 {
		t.Fatalf("expected leading text + function call, got %d parts", len(c.Parts))
	}
	fc := c.Parts[1].FunctionCall
	if fc == nil || fc.Name != "get_weather" || fc.Args["city"] != "Oslo" {
		t.Fatalf("unexpected function call: %+v", c.Parts[1])
	}
}

func TestAssistantToolCallsBlankTextOmitted(t *testing.T) {
	tr := New(nil)

	c, err := tr.ToUpstreamContent(ChatMessage{
		Role:      "assistant",
		Content:   MessageContent{Text: "   "},
		ToolCalls: []ToolCall{{Function: FunctionCall{Name: "f", Arguments: "{}"}}},
	})
	if err != nil {
		t.Fatalf("ToUpstreamContent: %v", err)
	}
	if len(c.Parts) != 1 || c.Parts[0].FunctionCall == nil {
		t.Fatalf("blank text must not produce a part: %+v", c.Parts)
	}
}

func TestArrayContentWithDataURI(t *testing.T) {
	tr := New(nil)

	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

	c, err := tr.ToUpstreamContent(ChatMessage{
		Role: "user",
		Content: MessageContent{
			IsArray: true,
			Parts: []ContentPart{
				{Type: "text", Text: "what is this?"},
				{Type: "image_url", ImageURL: &ImageURL{URL: uri}},
			},
		},
	})
	if err != nil {
		t.Fatalf("ToUpstreamContent: %v", err)
	}
	if len(c.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(c.Parts))
	}
	blob := c.Parts[1].InlineData
	if blob == nil || blob.MIMEType != "image/png" {
		t.Fatalf("unexpected inline data: %+v", c.Parts[1])
	}
	if string(blob.Data) != string(raw) {
		t.Fatalf("base64 payload corrupted")
	}
}

func TestArrayContentWithHTTPImage(t *testing.T) {
	tr := New(nil)

	c, err := tr.ToUpstreamContent(ChatMessage{
		Role: "user",
		Content: MessageContent{
			IsArray: true,
			Parts: []ContentPart{
				{Type: "image_url", ImageURL: &ImageURL{URL: "https://example.com/cat.png"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("ToUpstreamContent: %v", err)
	}
	fd := c.Parts[0].FileData
	if fd == nil || fd.FileURI != "https://example.com/cat.png" || fd.MIMEType != "image/png" {
		t.Fatalf("unexpected file data: %+v", c.Parts[0])
	}
}

func TestInvalidImageFailsConversion(t *testing.T) {
	tr := New(nil)

	_, err := tr.ToUpstreamContent(ChatMessage{
		Role: "user",
		Content: MessageContent{
			IsArray: true,
			Parts: []ContentPart{
				{Type: "image_url", ImageURL: &ImageURL{URL: "data:text/html;base64,PGI+"}},
			},
		},
	})
	var imgErr *InvalidImageError
	if !errors.As(err, &imgErr) {
		t.Fatalf("expected InvalidImageError, got %v", err)
	}
	if imgErr.HTTPStatus() != 400 {
		t.Fatalf("expected status 400, got %d", imgErr.HTTPStatus())
	}
}

func TestMessageContentUnmarshalBothForms(t *testing.T) {
	var m ChatMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":"plain"}`), &m); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if m.Content.IsArray || m.Content.Text != "plain" {
		t.Fatalf("unexpected string-form content: %+v", m.Content)
	}

	if err := json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"}]}`), &m); err != nil {
		t.Fatalf("array form: %v", err)
	}
	if !m.Content.IsArray || m.Content.Parts[0].Text != "a" {
		t.Fatalf("unexpected array-form content: %+v", m.Content)
	}
}

func TestPartMapperReasoningMode(t *testing.T) {
	m := NewPartMapper(false)

	chunks := m.MapPart(&genai.Part{Thought: true, Text: "hmm"})
	if len(chunks) != 1 || chunks[0].Kind != KindReasoning {
		t.Fatalf("expected one reasoning chunk, got %+v", chunks)
	}

	chunks = m.MapPart(&genai.Part{Text: "answer"})
	if len(chunks) != 1 || chunks[0].Kind != KindText {
		t.Fatalf("reasoning mode must not emit wrapper chunks: %+v", chunks)
	}
}

func TestPartMapperWrapperInvariant(t *testing.T) {
	m := NewPartMapper(true)

	var all []Chunk
	all = append(all, m.MapPart(&genai.Part{Thought: true, Text: "step 1"})...)
	all = append(all, m.MapPart(&genai.Part{Thought: true, Text: "step 2"})...)
	all = append(all, m.MapPart(&genai.Part{Text: "final"})...)
	all = append(all, m.MapPart(&genai.Part{Text: "more"})...)

	var opens, closes int
	closeIdx, firstContentIdx := -1, -1
	for i, c := range all {
		switch c.Kind {
		case KindThinkingOpen:
			opens++
		case KindThinkingClose:
			closes++
			closeIdx = i
		case KindText:
			if firstContentIdx == -1 && c.Text == "final" {
				firstContentIdx = i
			}
		}
	}
	if opens != 1 || closes != 1 {
		t.Fatalf("wrapper open=%d close=%d, want exactly one each", opens, closes)
	}
	if closeIdx != firstContentIdx-1 {
		t.Fatalf("close at %d, first content at %d; close must immediately precede it", closeIdx, firstContentIdx)
	}
}

func TestPartMapperClosesBeforeToolCall(t *testing.T) {
	m := NewPartMapper(true)

	m.MapPart(&genai.Part{Thought: true, Text: "thinking"})
	chunks := m.MapPart(&genai.Part{
		FunctionCall: &genai.FunctionCall{Name: "f", Args: map[string]any{"a": float64(1)}},
	})
	if len(chunks) != 2 || chunks[0].Kind != KindThinkingClose || chunks[1].Kind != KindToolCall {
		t.Fatalf("expected close then tool call, got %+v", chunks)
	}
	if chunks[1].ToolArgs != `{"a":1}` {
		t.Fatalf("unexpected args: %s", chunks[1].ToolArgs)
	}
}

func TestMapRecordUsagePerRecord(t *testing.T) {
	m := NewPartMapper(false)

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: "hi"}},
			},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 3,
		},
	}

	chunks := m.MapRecord(resp)
	if len(chunks) != 2 {
		t.Fatalf("expected text + usage, got %+v", chunks)
	}
	u := chunks[1].Usage
	if chunks[1].Kind != KindUsage || u.InputTokens != 10 || u.OutputTokens != 3 {
		t.Fatalf("unexpected usage chunk: %+v", chunks[1])
	}

	// A record without usage metadata must not re-emit the previous usage.
	resp.UsageMetadata = nil
	chunks = m.MapRecord(resp)
	if len(chunks) != 1 || chunks[0].Kind != KindText {
		t.Fatalf("usage must be per-record: %+v", chunks)
	}
}
