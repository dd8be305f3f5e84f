// Package rag enriches mental-support conversations with passages retrieved
// from an external retrieval service.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTopK is how many passages are folded into the prompt.
const DefaultTopK = 3

// Retriever fetches relevant passages for a query. Retrieval failures should
// degrade to an empty slice so the conversation proceeds unenriched.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]string, error)
}

// HTTPRetriever calls a retrieval endpoint with a JSON body
// {"query": ..., "top_k": ...} and expects {"passages": [...]}.
type HTTPRetriever struct {
	Endpoint   string
	HTTPClient *http.Client
}

func NewHTTPRetriever(endpoint string) *HTTPRetriever {
	return &HTTPRetriever{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	body, err := json.Marshal(map[string]any{"query": query, "top_k": topK})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("retrieval service status %d: %s", resp.StatusCode, snippet)
	}
	var out struct {
		Passages []string `json:"passages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	if len(out.Passages) > topK {
		out.Passages = out.Passages[:topK]
	}
	return out.Passages, nil
}

// BuildPrompt folds retrieved passages around a user query. With no passages
// the query is returned unchanged.
func BuildPrompt(query string, passages []string) string {
	if len(passages) == 0 {
		return query
	}
	var sb strings.Builder
	sb.WriteString("Retrieved Context:\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "Document %d: %s\n", i+1, p)
	}
	sb.WriteString("\nUser Query: ")
	sb.WriteString(query)
	return sb.String()
}
