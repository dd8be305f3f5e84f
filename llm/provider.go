package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Framing describes how a provider frames its streaming response body.
type Framing int

const (
	// FramingSSE is server-sent events: frames are lines prefixed with a
	// sentinel ("data: ") and the stream ends at a terminal literal.
	FramingSSE Framing = iota
	// FramingJSONSeq is a streamed JSON array with no sentinel; objects may
	// span line boundaries and are reassembled with a carry-over buffer.
	FramingJSONSeq
)

const (
	defaultGroqEndpoint   = "https://api.groq.com/openai/v1/chat/completions"
	defaultXAIEndpoint    = "https://api.x.ai/v1/chat/completions"
	defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?key=%s"
	defaultOpenAIBase     = "https://api.openai.com/v1"

	defaultMaxTokens   = 8192
	defaultTemperature = 0.7
)

// Provider holds everything needed to issue a streaming chat completion
// request against one upstream API and decode its frames.
type Provider struct {
	Name     string
	Framing  Framing
	Sentinel string
	Terminal string

	buildRequest func(ctx context.Context, model string, msgs []Message, mode string) (*http.Request, error)
	extractDelta func(frame []byte) (string, bool)
}

// openAI-compatible streaming frame (Groq, xAI, OpenAI share this shape)
type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func extractChatDelta(frame []byte) (string, bool) {
	var chunk chatCompletionChunk
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", true
	}
	return chunk.Choices[0].Delta.Content, true
}

// NewOpenAICompatProvider builds a provider speaking the OpenAI chat
// completions protocol with SSE streaming. Groq and xAI both use this shape.
// A non-empty mode tag is forwarded in the request body (xAI search/reasoning
// modes).
func NewOpenAICompatProvider(name, endpoint, apiKey string) *Provider {
	return &Provider{
		Name:     name,
		Framing:  FramingSSE,
		Sentinel: "data: ",
		Terminal: "[DONE]",
		buildRequest: func(ctx context.Context, model string, msgs []Message, mode string) (*http.Request, error) {
			payload := map[string]any{
				"model":       model,
				"messages":    msgs,
				"stream":      true,
				"max_tokens":  defaultMaxTokens,
				"temperature": defaultTemperature,
			}
			if mode != "" {
				payload["mode"] = mode
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+apiKey)
			return req, nil
		},
		extractDelta: extractChatDelta,
	}
}

// NewGroqProvider returns the Groq preset. An empty endpoint uses the
// production API.
func NewGroqProvider(apiKey, endpoint string) *Provider {
	if endpoint == "" {
		endpoint = defaultGroqEndpoint
	}
	return NewOpenAICompatProvider("groq", endpoint, apiKey)
}

// NewXAIProvider returns the xAI (Grok) preset.
func NewXAIProvider(apiKey, endpoint string) *Provider {
	if endpoint == "" {
		endpoint = defaultXAIEndpoint
	}
	return NewOpenAICompatProvider("xai", endpoint, apiKey)
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// NewGeminiProvider returns the Gemini preset. The endpoint is a template
// taking the model name and API key; Gemini streams a raw JSON array rather
// than SSE frames.
func NewGeminiProvider(apiKey, endpointTemplate string) *Provider {
	if endpointTemplate == "" {
		endpointTemplate = defaultGeminiEndpoint
	}
	return &Provider{
		Name:    "gemini",
		Framing: FramingJSONSeq,
		// Gemini has no mode concept; the tag is ignored.
		buildRequest: func(ctx context.Context, model string, msgs []Message, _ string) (*http.Request, error) {
			var contents []geminiContent
			var system strings.Builder
			for _, m := range msgs {
				switch m.Role {
				case "system":
					if system.Len() > 0 {
						system.WriteString("\n")
					}
					system.WriteString(m.Content)
				case "assistant":
					contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
				default:
					contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
				}
			}
			payload := map[string]any{
				"contents": contents,
				"generationConfig": map[string]any{
					"maxOutputTokens": defaultMaxTokens,
					"temperature":     defaultTemperature,
				},
			}
			if system.Len() > 0 {
				payload["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: system.String()}}}
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			url := fmt.Sprintf(endpointTemplate, model, apiKey)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		extractDelta: func(frame []byte) (string, bool) {
			var chunk geminiChunk
			if err := json.Unmarshal(frame, &chunk); err != nil {
				return "", false
			}
			if len(chunk.Candidates) == 0 {
				return "", true
			}
			var sb strings.Builder
			for _, p := range chunk.Candidates[0].Content.Parts {
				sb.WriteString(p.Text)
			}
			return sb.String(), true
		},
	}
}
