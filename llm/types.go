// Package llm implements the chat completion gateway: streaming response
// assembly across provider wire formats, model fallback routing with bounded
// retries, and the OpenAI batch submission path.
package llm

import (
	"errors"
	"fmt"
)

// Message is a single turn of a chat conversation in provider wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrRateLimited signals the provider returned HTTP 429; the caller backs off
// and restarts from the highest-priority model.
var ErrRateLimited = errors.New("provider rate limited")

// ErrEmptyResponse signals the stream completed without yielding any content.
var ErrEmptyResponse = errors.New("provider returned empty response")

// TerminalError is a non-retryable provider failure (auth, bad request,
// unknown model). The router falls back to the next model immediately rather
// than backing off.
type TerminalError struct {
	Status  int
	Message string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
}
