package upstream

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/relayforge/codeassist-gateway/internal/translator"
)

// defaultNarrativeSegments is the canned reasoning narrative emitted for
// thinking models when native thinking is disabled. One segment per discrete
// reasoning chunk; tag mode joins them and re-splits by size.
var defaultNarrativeSegments = []string{
	"Reading the request and identifying what is being asked.",
	"Recalling the relevant parts of the conversation so far.",
	"Outlining the structure of the answer before writing it.",
	"Composing the response.",
}

// synthesizeThinking emits the canned narrative before the upstream call.
// In tag mode it opens the content wrapper and streams size-bounded slices;
// otherwise it emits one reasoning chunk per segment. Each chunk is followed
// by a short, context-cancellable delay so clients render it progressively.
func (o *Orchestrator) synthesizeThinking(ctx context.Context, mapper *translator.PartMapper, emit EmitFunc) error {
	segments := defaultNarrativeSegments
	if o.thinking.Narrative != "" {
		segments = []string{o.thinking.Narrative}
	}

	if !o.thinking.TagMode {
		for _, seg := range segments {
			if err := emit(translator.ReasoningChunk(seg)); err != nil {
				return err
			}
			if err := o.pause(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	if open, ok := mapper.OpenThinking(); ok {
		if err := emit(open); err != nil {
			return err
		}
	}

	narrative := strings.Join(segments, " ")
	for _, piece := range splitNarrative(narrative, o.thinking.ChunkSize) {
		if err := emit(translator.TextChunk(piece)); err != nil {
			return err
		}
		if err := o.pause(ctx); err != nil {
			return err
		}
	}
	// The wrapper closes when the first real content chunk arrives.
	return nil
}

func (o *Orchestrator) pause(ctx context.Context) error {
	if o.thinking.ChunkDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.thinking.ChunkDelay):
		return nil
	}
}

// splitNarrative slices s into pieces of roughly target runes, preferring to
// break on whitespace or punctuation near the target rather than mid-word.
func splitNarrative(s string, target int) []string {
	if target < 1 {
		target = 1
	}
	runes := []rune(s)
	var out []string

	for len(runes) > 0 {
		if len(runes) <= target {
			out = append(out, string(runes))
			break
		}

		cut := target
		// Look a short distance around the target for a natural break; a
		// piece never exceeds target plus this slack.
		slack := max(1, target/10)
		lo := target / 2
		hi := min(len(runes)-1, target+slack-1)
		for i := hi; i >= lo; i-- {
			if isBreakRune(runes[i]) {
				cut = i + 1
				break
			}
		}

		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return out
}

func isBreakRune(r rune) bool {
	return unicode.IsSpace(r) || r == '.' || r == ',' || r == ';' || r == ':' || r == '!' || r == '?'
}
