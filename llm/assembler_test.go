package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sseBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: " + p + "\n\n")
	}
	return b.String()
}

func TestAssembleSSE(t *testing.T) {
	p := NewGroqProvider("k", "http://unused")
	body := sseBody(
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":", "}}]}`,
		`{"choices":[{"delta":{"content":"world"}}]}`,
		`[DONE]`,
	)
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "Hello, world", got)
}

func TestAssembleSSESkipsMalformedFrames(t *testing.T) {
	p := NewGroqProvider("k", "http://unused")
	body := sseBody(
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{not json`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	)
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "ab", got)
}

func TestAssembleSSEIgnoresNonDataLines(t *testing.T) {
	p := NewGroqProvider("k", "http://unused")
	body := ": keepalive\n" +
		"event: message\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n" +
		"data: [DONE]\n"
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "x", got)
}

func TestAssembleSSEStopsAtTerminal(t *testing.T) {
	p := NewGroqProvider("k", "http://unused")
	body := sseBody(
		`{"choices":[{"delta":{"content":"done"}}]}`,
		`[DONE]`,
		`{"choices":[{"delta":{"content":"after"}}]}`,
	)
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "done", got)
}

func TestAssembleJSONSeq(t *testing.T) {
	p := NewGeminiProvider("k", "")
	body := "[{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hi \"}]}}]},\n" +
		"{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"there\"}]}}]}]\n"
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "Hi there", got)
}

func TestAssembleJSONSeqCarryOver(t *testing.T) {
	p := NewGeminiProvider("k", "")
	// one object split across three lines
	body := "[{\"candidates\":[{\"content\":\n" +
		"{\"parts\":[{\"text\":\"split\"}]}\n" +
		"}]}]\n"
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "split", got)
}

func TestAssembleJSONSeqDiscardsRemainder(t *testing.T) {
	p := NewGeminiProvider("k", "")
	body := "[{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]},\n" +
		"{\"candidates\":[{\"content\":{\"parts\"\n"
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "ok", got)
}

func TestAssembleJSONSeqMultiPart(t *testing.T) {
	p := NewGeminiProvider("k", "")
	body := "[{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"},{\"text\":\"b\"}]}}]}]\n"
	got, err := Assemble(strings.NewReader(body), p)
	require.NoError(t, err)
	require.Equal(t, "ab", got)
}
