// Package catalog is the static model capability lookup.
//
// The gateway does not discover models from the upstream; the set of models a
// Code Assist subscription serves is fixed and small, so we keep the catalog
// in source. Capability flags drive behavior elsewhere: Thinking gates the
// synthesized reasoning narrative, Vision gates image content, and Fallback
// names the model substituted when the upstream rate-limits the requested one.
package catalog

import "sort"

// ModelInfo describes one servable model.
type ModelInfo struct {
	// ID is the model identifier as sent to the upstream and exposed to
	// callers via /v1/models.
	ID string

	// Thinking reports whether the model has a native reasoning channel.
	Thinking bool

	// Vision reports whether the model accepts image content parts.
	Vision bool

	// Fallback is the model substituted on model-level rate limiting.
	// Empty means no fallback exists for this model.
	Fallback string
}

// models maps model identifier to its capability record.
// Used to route POST /v1/chat/completions requests and to gate features.
var models = map[string]ModelInfo{
	"gemini-2.5-pro": {
		ID:       "gemini-2.5-pro",
		Thinking: true,
		Vision:   true,
		Fallback: "gemini-2.5-flash",
	},
	"gemini-2.5-flash": {
		ID:       "gemini-2.5-flash",
		Thinking: true,
		Vision:   true,
		Fallback: "gemini-2.5-flash-lite",
	},
	"gemini-2.5-flash-lite": {
		ID:       "gemini-2.5-flash-lite",
		Thinking: false,
		Vision:   true,
	},
	"gemini-2.0-flash": {
		ID:       "gemini-2.0-flash",
		Thinking: false,
		Vision:   true,
		Fallback: "gemini-2.0-flash-lite",
	},
	"gemini-2.0-flash-lite": {
		ID:       "gemini-2.0-flash-lite",
		Thinking: false,
		Vision:   true,
	},
}

// Lookup returns the capability record for a model identifier.
func Lookup(model string) (ModelInfo, bool) {
	info, ok := models[model]
	return info, ok
}

// List returns all known models sorted by identifier.
func List() []ModelInfo {
	out := make([]ModelInfo, 0, len(models))
	for _, info := range models {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fallback returns the fallback model for the given model, if one exists.
func Fallback(model string) (string, bool) {
	info, ok := models[model]
	if !ok || info.Fallback == "" {
		return "", false
	}
	return info.Fallback, true
}
