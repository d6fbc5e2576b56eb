package upstream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"github.com/relayforge/codeassist-gateway/internal/translator"
)

type (
	// streamEnvelope is the wire body of a streaming call. The upstream wraps
	// the generate request in an outer envelope carrying model and project.
	streamEnvelope struct {
		Model   string        `json:"model"`
		Project string        `json:"project"`
		Request *innerRequest `json:"request"`
	}

	innerRequest struct {
		Contents          []*genai.Content  `json:"contents"`
		SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
		GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
		Tools             []wireTool        `json:"tools,omitempty"`
		ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
		SafetySettings    json.RawMessage   `json:"safetySettings,omitempty"`
	}

	generationConfig struct {
		Temperature     *float64        `json:"temperature,omitempty"`
		TopP            *float64        `json:"topP,omitempty"`
		MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
		ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
	}

	thinkingConfig struct {
		IncludeThoughts bool   `json:"includeThoughts"`
		ThinkingBudget  *int32 `json:"thinkingBudget,omitempty"`
	}

	wireTool struct {
		FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
	}

	// functionDeclaration mirrors the caller's function definition; the
	// parameter schema passes through untouched.
	functionDeclaration struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	toolConfig struct {
		FunctionCallingConfig *functionCallingConfig `json:"functionCallingConfig,omitempty"`
	}

	functionCallingConfig struct {
		Mode                 string   `json:"mode"`
		AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
	}
)

// buildInner translates the caller request into the upstream request body.
// nativeThinking selects whether the upstream should produce thought parts;
// disableThinking zeroes the thinking budget so a synthesized narrative does
// not race a real one.
func buildInner(tr *translator.Translator, req *translator.ChatRequest, nativeThinking, disableThinking bool) (*innerRequest, error) {
	system, contents, err := tr.ToUpstreamContents(req.Messages)
	if err != nil {
		return nil, err
	}

	inner := &innerRequest{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             buildTools(req.Tools),
		ToolConfig:        buildToolConfig(req.ToolChoice),
	}

	gc := &generationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
	}
	switch {
	case nativeThinking:
		gc.ThinkingConfig = &thinkingConfig{IncludeThoughts: true}
	case disableThinking:
		gc.ThinkingConfig = &thinkingConfig{IncludeThoughts: false, ThinkingBudget: genai.Ptr(int32(0))}
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.MaxOutputTokens != nil || gc.ThinkingConfig != nil {
		inner.GenerationConfig = gc
	}

	return inner, nil
}

func buildTools(tools []translator.Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]functionDeclaration, 0, len(tools))
	for _, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		decls = append(decls, functionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	// The upstream expects all declarations grouped under one tool entry.
	return []wireTool{{FunctionDeclarations: decls}}
}

// buildToolConfig maps the OpenAI tool_choice field, which is either a mode
// string or an object naming one function.
func buildToolConfig(choice json.RawMessage) *toolConfig {
	if len(choice) == 0 {
		return nil
	}

	v := gjson.ParseBytes(choice)
	if v.Type == gjson.String {
		switch strings.ToLower(v.String()) {
		case "none":
			return &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "NONE"}}
		case "required":
			return &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "ANY"}}
		default: // "auto"
			return &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "AUTO"}}
		}
	}

	if name := v.Get("function.name").String(); name != "" {
		return &toolConfig{FunctionCallingConfig: &functionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{name},
		}}
	}
	return nil
}
