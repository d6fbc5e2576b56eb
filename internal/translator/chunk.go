package translator

// ChunkKind discriminates the Chunk union. Exactly one payload field of a
// Chunk is meaningful for a given kind; consumers switch exhaustively.
type ChunkKind int

const (
	// KindText — final-answer content text.
	KindText ChunkKind = iota
	// KindReasoning — reasoning text delivered on the dedicated reasoning
	// channel (native upstream thinking, or a synthesized narrative when the
	// caller did not opt into content-mode).
	KindReasoning
	// KindThinkingOpen — opens the content-mode thinking wrapper. Emitted at
	// most once per request.
	KindThinkingOpen
	// KindThinkingClose — closes the content-mode thinking wrapper. Emitted
	// exactly once, immediately before the first KindText or KindToolCall
	// chunk, and only if the wrapper was opened.
	KindThinkingClose
	// KindToolCall — one complete upstream function call.
	KindToolCall
	// KindUsage — token usage for the record that carried it.
	KindUsage
	// KindNotice — a gateway-originated informational message, e.g. a model
	// fallback announcement.
	KindNotice
)

// Chunk is one normalized element of a response stream.
type Chunk struct {
	Kind ChunkKind

	// Text is set for KindText, KindReasoning and KindNotice.
	Text string

	// ToolName and ToolArgs are set for KindToolCall. ToolArgs is the
	// function arguments serialized as a JSON object.
	ToolName string
	ToolArgs string

	// Usage is set for KindUsage.
	Usage *Usage
}

func TextChunk(s string) Chunk      { return Chunk{Kind: KindText, Text: s} }
func ReasoningChunk(s string) Chunk { return Chunk{Kind: KindReasoning, Text: s} }
func ThinkingOpenChunk() Chunk      { return Chunk{Kind: KindThinkingOpen} }
func ThinkingCloseChunk() Chunk     { return Chunk{Kind: KindThinkingClose} }
func NoticeChunk(s string) Chunk    { return Chunk{Kind: KindNotice, Text: s} }

func ToolCallChunk(name, args string) Chunk {
	return Chunk{Kind: KindToolCall, ToolName: name, ToolArgs: args}
}

func UsageChunk(in, out int) Chunk {
	return Chunk{Kind: KindUsage, Usage: &Usage{InputTokens: in, OutputTokens: out}}
}
