package translator

import (
	"encoding/json"

	"google.golang.org/genai"
)

// PartMapper maps upstream response parts to normalized chunks, in arrival
// order. It carries the only piece of per-request translation state: whether
// the content-mode thinking wrapper is currently open.
//
// Wrapper invariant: the open chunk is emitted at most once per request and
// the close chunk exactly once, immediately before the first content or
// tool-call chunk. In non-content mode the mapper never opens a wrapper and
// thought parts flow on the reasoning channel instead.
type PartMapper struct {
	tagMode bool
	opened  bool
	closed  bool
}

// NewPartMapper returns a mapper. tagMode selects content-mode thinking:
// thought text is delivered inside a wrapper as ordinary content rather than
// as reasoning chunks.
func NewPartMapper(tagMode bool) *PartMapper {
	return &PartMapper{tagMode: tagMode}
}

// MapRecord maps one decoded upstream record: every part of the first
// candidate in order, then a single usage chunk if the record carries usage
// metadata. Records without candidates still yield their usage.
func (m *PartMapper) MapRecord(resp *genai.GenerateContentResponse) []Chunk {
	var chunks []Chunk

	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			chunks = append(chunks, m.MapPart(part)...)
		}
	}

	if u := resp.UsageMetadata; u != nil {
		chunks = append(chunks, UsageChunk(int(u.PromptTokenCount), int(u.CandidatesTokenCount)))
	}
	return chunks
}

// MapPart maps a single upstream part. One part can yield zero, one or two
// chunks (a wrapper transition plus the payload).
func (m *PartMapper) MapPart(p *genai.Part) []Chunk {
	if p == nil {
		return nil
	}

	switch {
	case p.Thought:
		if !m.tagMode {
			if p.Text == "" {
				return nil
			}
			return []Chunk{ReasoningChunk(p.Text)}
		}
		var chunks []Chunk
		if open, ok := m.OpenThinking(); ok {
			chunks = append(chunks, open)
		}
		if p.Text != "" {
			chunks = append(chunks, TextChunk(p.Text))
		}
		return chunks

	case p.FunctionCall != nil:
		chunks := m.closeIfOpen()
		args := "{}"
		if raw, err := json.Marshal(p.FunctionCall.Args); err == nil {
			args = string(raw)
		}
		return append(chunks, ToolCallChunk(p.FunctionCall.Name, args))

	case p.Text != "":
		return append(m.closeIfOpen(), TextChunk(p.Text))

	default:
		return nil
	}
}

// OpenThinking emits the wrapper-open chunk on first call in tag mode.
// The second return is false when no chunk should be emitted.
func (m *PartMapper) OpenThinking() (Chunk, bool) {
	if !m.tagMode || m.opened {
		return Chunk{}, false
	}
	m.opened = true
	return ThinkingOpenChunk(), true
}

// CloseThinking emits the wrapper-close chunk if the wrapper is open and not
// yet closed. Safe to call more than once.
func (m *PartMapper) CloseThinking() (Chunk, bool) {
	if !m.opened || m.closed {
		return Chunk{}, false
	}
	m.closed = true
	return ThinkingCloseChunk(), true
}

func (m *PartMapper) closeIfOpen() []Chunk {
	if c, ok := m.CloseThinking(); ok {
		return []Chunk{c}
	}
	return nil
}
