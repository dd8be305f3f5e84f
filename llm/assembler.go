package llm

import (
	"bufio"
	"io"
	"log/slog"
	"strings"

	"github.com/lqhuy/botan/telemetry"
)

// maxScanTokenSize bounds a single stream line. Provider frames carrying a
// full delta stay well under this.
const maxScanTokenSize = 1024 * 1024

// Assemble reads a streaming response body to completion and concatenates the
// content deltas into a single string. Malformed frames are skipped with a
// warning rather than aborting the stream. A read error mid-stream is
// returned with whatever content was assembled before it.
func Assemble(body io.Reader, p *Provider) (string, error) {
	switch p.Framing {
	case FramingJSONSeq:
		return assembleJSONSeq(body, p)
	default:
		return assembleSSE(body, p)
	}
}

func assembleSSE(body io.Reader, p *Provider) (string, error) {
	var sb strings.Builder
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, p.Sentinel) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, p.Sentinel))
		if payload == "" {
			continue
		}
		if payload == p.Terminal {
			break
		}
		telemetry.StreamFrames.Inc()
		delta, ok := p.extractDelta([]byte(payload))
		if !ok {
			telemetry.StreamParseSkips.Inc()
			slog.Warn("skipping malformed stream frame",
				slog.String("provider", p.Name),
				slog.Int("len", len(payload)),
				slog.String("component", "llm_assembler"))
			continue
		}
		sb.WriteString(delta)
	}
	if err := sc.Err(); err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}

// assembleJSONSeq handles array-framed streams (Gemini). Objects can span
// line boundaries, so lines that fail to parse are carried over and retried
// with the next line appended. Whatever remains unparsed at end of stream is
// discarded with a warning.
func assembleJSONSeq(body io.Reader, p *Provider) (string, error) {
	var sb strings.Builder
	var carry strings.Builder
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, "[")
		line = strings.TrimPrefix(line, ",")
		line = strings.TrimSuffix(line, "]")
		line = strings.TrimSuffix(line, ",")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		carry.WriteString(line)
		candidate := carry.String()
		delta, ok := p.extractDelta([]byte(candidate))
		if !ok {
			continue
		}
		telemetry.StreamFrames.Inc()
		sb.WriteString(delta)
		carry.Reset()
	}
	if carry.Len() > 0 {
		telemetry.StreamParseSkips.Inc()
		slog.Warn("discarding unparseable stream remainder",
			slog.String("provider", p.Name),
			slog.Int("len", carry.Len()),
			slog.String("component", "llm_assembler"))
	}
	if err := sc.Err(); err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}
