package music

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// TrackInfo is resolved metadata for a requested URL or search query.
type TrackInfo struct {
	WebpageURL string
	Title      string
	Duration   int
}

// Resolver turns user input into track metadata and playable stream URLs.
// StreamURL must be called fresh before every playback; returned URLs carry
// short-lived tokens and go stale between plays.
type Resolver interface {
	Resolve(ctx context.Context, input string) (*TrackInfo, error)
	StreamURL(ctx context.Context, webpageURL string) (string, error)
}

// YTDLPResolver shells out to yt-dlp. Bare text input (no scheme) is treated
// as a search and resolves to the first result.
type YTDLPResolver struct {
	Bin     string
	Timeout time.Duration
}

func NewYTDLPResolver() *YTDLPResolver {
	return &YTDLPResolver{Bin: "yt-dlp", Timeout: 60 * time.Second}
}

func (r *YTDLPResolver) target(input string) string {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return input
	}
	return "ytsearch1:" + input
}

func (r *YTDLPResolver) run(ctx context.Context, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w (stderr: %s)", r.Bin, err, truncate(stderr.String(), 300))
	}
	return stdout.Bytes(), nil
}

// Resolve fetches metadata without downloading media.
func (r *YTDLPResolver) Resolve(ctx context.Context, input string) (*TrackInfo, error) {
	out, err := r.run(ctx, "-J", "--no-playlist", r.target(input))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", input, err)
	}
	var meta struct {
		Title      string  `json:"title"`
		Duration   float64 `json:"duration"`
		WebpageURL string  `json:"webpage_url"`
		Entries    []struct {
			Title      string  `json:"title"`
			Duration   float64 `json:"duration"`
			WebpageURL string  `json:"webpage_url"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("parse yt-dlp metadata: %w", err)
	}
	// search results come back wrapped in a playlist entry
	if len(meta.Entries) > 0 {
		e := meta.Entries[0]
		return &TrackInfo{WebpageURL: e.WebpageURL, Title: e.Title, Duration: int(e.Duration)}, nil
	}
	if meta.WebpageURL == "" {
		return nil, fmt.Errorf("no result for %q", input)
	}
	return &TrackInfo{WebpageURL: meta.WebpageURL, Title: meta.Title, Duration: int(meta.Duration)}, nil
}

// StreamURL resolves a fresh direct audio URL for one playback.
func (r *YTDLPResolver) StreamURL(ctx context.Context, webpageURL string) (string, error) {
	out, err := r.run(ctx, "-g", "-f", "bestaudio/best", "--no-playlist", webpageURL)
	if err != nil {
		return "", fmt.Errorf("stream url for %q: %w", webpageURL, err)
	}
	url := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if url == "" {
		return "", fmt.Errorf("yt-dlp returned no stream url for %q", webpageURL)
	}
	return url, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
