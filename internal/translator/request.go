package translator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"google.golang.org/genai"
)

// ImageValidator is the pass/fail + normalized-MIME oracle consulted for
// every image content part. Validate returns the MIME type to send upstream
// or an error describing why the reference is unacceptable.
type ImageValidator interface {
	Validate(url string) (mime string, err error)
}

// Translator converts caller messages to upstream content records.
// The zero value is not usable; construct with New.
type Translator struct {
	images ImageValidator
}

// New returns a Translator using the given image validator, or the built-in
// one when nil.
func New(images ImageValidator) *Translator {
	if images == nil {
		images = defaultImageValidator{}
	}
	return &Translator{images: images}
}

// ToUpstreamContents converts the full message list. System turns are pulled
// out into a separate system-instruction content; everything else becomes one
// upstream content record per message, in order.
func (t *Translator) ToUpstreamContents(msgs []ChatMessage) (system *genai.Content, contents []*genai.Content, err error) {
	var sysText string
	contents = make([]*genai.Content, 0, len(msgs))

	for _, m := range msgs {
		if strings.EqualFold(m.Role, "system") || strings.EqualFold(m.Role, "developer") {
			if sysText != "" {
				sysText += "\n"
			}
			sysText += m.Content.PlainText()
			continue
		}
		c, err := t.ToUpstreamContent(m)
		if err != nil {
			return nil, nil, err
		}
		contents = append(contents, c)
	}

	if sysText != "" {
		system = &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: sysText}},
		}
	}
	return system, contents, nil
}

// ToUpstreamContent converts one non-system message.
func (t *Translator) ToUpstreamContent(m ChatMessage) (*genai.Content, error) {
	role := strings.ToLower(m.Role)

	switch {
	case role == "tool":
		return toolResultContent(m), nil

	case role == "assistant" && len(m.ToolCalls) > 0:
		return assistantToolCallContent(m)

	case m.Content.IsArray:
		parts, err := t.arrayParts(m.Content.Parts)
		if err != nil {
			return nil, err
		}
		return &genai.Content{Role: mapRole(role), Parts: parts}, nil

	default:
		return &genai.Content{
			Role:  mapRole(role),
			Parts: []*genai.Part{{Text: m.Content.PlainText()}},
		}, nil
	}
}

// toolResultContent maps a tool-result turn to a user-role function response.
// The upstream matches responses to calls by name, so the tool_call_id the
// caller echoed back is used as the name.
func toolResultContent(m ChatMessage) *genai.Content {
	name := m.ToolCallID
	if name == "" {
		name = "tool"
	}
	return &genai.Content{
		Role: genai.RoleUser,
		Parts: []*genai.Part{{
			FunctionResponse: &genai.FunctionResponse{
				Name:     name,
				Response: map[string]any{"result": m.Content.PlainText()},
			},
		}},
	}
}

func assistantToolCallContent(m ChatMessage) (*genai.Content, error) {
	parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)

	if text := strings.TrimSpace(m.Content.PlainText()); text != "" {
		parts = append(parts, &genai.Part{Text: m.Content.PlainText()})
	}

	for _, tc := range m.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("tool call %q: malformed arguments: %w", tc.Function.Name, err)
			}
		}
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{Name: tc.Function.Name, Args: args},
		})
	}

	return &genai.Content{Role: genai.RoleModel, Parts: parts}, nil
}

func (t *Translator) arrayParts(items []ContentPart) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(items))

	for _, item := range items {
		switch item.Type {
		case "text":
			parts = append(parts, &genai.Part{Text: item.Text})

		case "image_url":
			if item.ImageURL == nil || item.ImageURL.URL == "" {
				return nil, &InvalidImageError{Reason: "missing url"}
			}
			p, err := t.imagePart(item.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)

		default:
			// Unknown part types pass through as their raw JSON text.
			raw, _ := json.Marshal(item)
			parts = append(parts, &genai.Part{Text: string(raw)})
		}
	}
	return parts, nil
}

func (t *Translator) imagePart(url string) (*genai.Part, error) {
	mime, err := t.images.Validate(url)
	if err != nil {
		return nil, &InvalidImageError{URL: url, Reason: err.Error()}
	}

	if strings.HasPrefix(url, "data:") {
		data, dataMIME, err := decodeDataURI(url)
		if err != nil {
			return nil, &InvalidImageError{URL: url, Reason: err.Error()}
		}
		if dataMIME != "" {
			mime = dataMIME
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: data}}, nil
	}

	return &genai.Part{FileData: &genai.FileData{MIMEType: mime, FileURI: url}}, nil
}

// decodeDataURI parses a data:<mime>;base64,<payload> URI.
func decodeDataURI(uri string) (data []byte, mime string, err error) {
	rest := strings.TrimPrefix(uri, "data:")
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data URI has no payload separator")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}
	mime = strings.TrimSuffix(header, ";base64")

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("base64 decode failed: %w", err)
	}
	return data, mime, nil
}

func mapRole(role string) string {
	if role == "assistant" || role == "model" {
		return string(genai.RoleModel)
	}
	return string(genai.RoleUser)
}

// defaultImageValidator accepts the image formats the upstream documents and
// infers MIME type from the data-URI header or the URL extension.
type defaultImageValidator struct{}

var supportedImageMIMEs = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
	"image/heic": true,
	"image/heif": true,
}

func (defaultImageValidator) Validate(url string) (string, error) {
	if strings.HasPrefix(url, "data:") {
		header, _, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
		if !ok {
			return "", fmt.Errorf("malformed data URI")
		}
		mime := strings.TrimSuffix(header, ";base64")
		if !supportedImageMIMEs[mime] {
			return "", fmt.Errorf("unsupported image MIME type %q", mime)
		}
		return mime, nil
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("unsupported URL scheme")
	}

	switch strings.ToLower(path.Ext(url)) {
	case ".png":
		return "image/png", nil
	case ".webp":
		return "image/webp", nil
	case ".gif":
		return "image/gif", nil
	case ".heic":
		return "image/heic", nil
	case ".heif":
		return "image/heif", nil
	default:
		// Extensionless URLs are common; jpeg is the safest assumption.
		return "image/jpeg", nil
	}
}
