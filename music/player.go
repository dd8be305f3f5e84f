package music

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
)

// Player consumes one resolved stream URL. Play blocks until playback ends,
// the context is cancelled, or Stop is called.
type Player interface {
	Play(ctx context.Context, streamURL string) error
	Pause() error
	Resume() error
	Stop()
}

// FFmpegPlayer decodes the stream with ffmpeg. Voice transport is handled by
// the caller; this player validates and drains the stream at playback rate.
// Pause and resume are implemented with SIGSTOP/SIGCONT on the decoder.
type FFmpegPlayer struct {
	Bin string

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewFFmpegPlayer() *FFmpegPlayer {
	return &FFmpegPlayer{Bin: "ffmpeg"}
}

func (p *FFmpegPlayer) Play(ctx context.Context, streamURL string) error {
	cmd := exec.CommandContext(ctx, p.Bin,
		"-hide_banner", "-loglevel", "error",
		"-re", "-i", streamURL,
		"-f", "s16le", "-ar", "48000", "-ac", "2",
		"-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return errors.New("player busy")
	}
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	p.cmd = cmd
	p.mu.Unlock()

	err := cmd.Wait()

	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		// Stop kills the decoder; that is a normal end of playback
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ProcessState.ExitCode() == -1 {
			return nil
		}
		return fmt.Errorf("ffmpeg: %w (stderr: %s)", err, truncate(stderr.String(), 300))
	}
	return nil
}

func (p *FFmpegPlayer) signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return errors.New("nothing playing")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *FFmpegPlayer) Pause() error  { return p.signal(syscall.SIGSTOP) }
func (p *FFmpegPlayer) Resume() error { return p.signal(syscall.SIGCONT) }

func (p *FFmpegPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}
