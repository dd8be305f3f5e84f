package music

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/lqhuy/botan/telemetry"
)

// LoopMode controls what happens when a track finishes.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopSong
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopSong:
		return "song"
	case LoopQueue:
		return "queue"
	default:
		return "off"
	}
}

// ParseLoopMode maps command arguments to a loop mode.
func ParseLoopMode(s string) (LoopMode, error) {
	switch s {
	case "off":
		return LoopOff, nil
	case "song":
		return LoopSong, nil
	case "queue":
		return LoopQueue, nil
	}
	return LoopOff, fmt.Errorf("unknown loop mode %q (off, song, queue)", s)
}

const maxResolveAttempts = 3

// Manager owns one playback session per guild. Sessions start when a track
// is queued into an idle guild and end when the queue drains or on stop.
type Manager struct {
	store     *Store
	resolver  Resolver
	newPlayer func() Player

	// backoff is swappable in tests
	backoff func(attempt int) time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	guildID string
	cancel  context.CancelFunc
	player  Player

	mu     sync.Mutex
	loop   LoopMode
	now    *Track
	paused bool
	skip   bool
}

func (s *session) setNow(t *Track) {
	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

func (s *session) loopMode() LoopMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

func (s *session) takeSkip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := s.skip
	s.skip = false
	return skipped
}

func NewManager(store *Store, resolver Resolver, newPlayer func() Player) *Manager {
	return &Manager{
		store:     store,
		resolver:  resolver,
		newPlayer: newPlayer,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt)*time.Second + time.Duration(rand.Int63n(int64(time.Second)))
		},
		sessions: make(map[string]*session),
	}
}

// Play resolves the input, queues the track, and makes sure a playback
// session is running for the guild. Returns the resolved track and its queue
// position.
func (m *Manager) Play(ctx context.Context, guildID, input string) (*TrackInfo, int, error) {
	info, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		telemetry.ResolveFailures.Inc()
		return nil, 0, err
	}
	pos, err := m.store.Enqueue(ctx, guildID, info.WebpageURL, info.Title, info.Duration)
	if err != nil {
		return nil, 0, err
	}
	m.ensureSession(guildID)
	return info, pos, nil
}

func (m *Manager) ensureSession(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[guildID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{guildID: guildID, cancel: cancel, player: m.newPlayer()}
	m.sessions[guildID] = s
	go m.runSession(ctx, s)
}

func (m *Manager) endSession(guildID string) {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	if ok {
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()
	if ok {
		s.cancel()
		s.player.Stop()
	}
}

func (m *Manager) getSession(guildID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// runSession drains the guild queue, re-resolving a fresh stream URL before
// every track. Tracks whose stream cannot be resolved are dropped so one bad
// entry never wedges the queue.
func (m *Manager) runSession(ctx context.Context, s *session) {
	defer func() {
		s.setNow(nil)
		m.mu.Lock()
		if m.sessions[s.guildID] == s {
			delete(m.sessions, s.guildID)
		}
		m.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		track, err := m.store.Head(ctx, s.guildID)
		if err != nil {
			slog.Error("read queue head",
				slog.String("guild", s.guildID), slog.Any("err", err),
				slog.String("component", "music_session"))
			return
		}
		if track == nil {
			slog.Info("queue drained, ending session",
				slog.String("guild", s.guildID), slog.String("component", "music_session"))
			return
		}

		streamURL, err := m.resolveStream(ctx, track.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			telemetry.ResolveFailures.Inc()
			slog.Warn("dropping unresolvable track",
				slog.String("guild", s.guildID),
				slog.String("url", track.URL),
				slog.Any("err", err),
				slog.String("component", "music_session"))
			m.store.Remove(ctx, s.guildID, track.Position)
			continue
		}

		s.setNow(track)
		telemetry.PlaybackStarted.Inc()
		slog.Info("playback started",
			slog.String("guild", s.guildID),
			slog.String("title", track.Title),
			slog.String("component", "music_session"))
		playErr := s.player.Play(ctx, streamURL)
		s.setNow(nil)
		if ctx.Err() != nil {
			return
		}
		if playErr != nil {
			telemetry.PlaybackFailed.Inc()
			slog.Warn("playback failed",
				slog.String("guild", s.guildID),
				slog.String("title", track.Title),
				slog.Any("err", playErr),
				slog.String("component", "music_session"))
		}

		skipped := s.takeSkip()
		mode := s.loopMode()
		switch {
		case mode == LoopSong && !skipped && playErr == nil:
			// replay the same track; queue untouched
		case mode == LoopQueue && !skipped && playErr == nil:
			m.store.Remove(ctx, s.guildID, track.Position)
			if _, err := m.store.Enqueue(ctx, s.guildID, track.URL, track.Title, track.Duration); err != nil {
				slog.Error("requeue looped track",
					slog.String("guild", s.guildID), slog.Any("err", err),
					slog.String("component", "music_session"))
			}
		default:
			m.store.Remove(ctx, s.guildID, track.Position)
		}
	}
}

// resolveStream retries stream resolution with exponential backoff and
// jitter before giving up on a track.
func (m *Manager) resolveStream(ctx context.Context, webpageURL string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		url, err := m.resolver.StreamURL(ctx, webpageURL)
		if err == nil {
			return url, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("resolve stream after %d attempts: %w", maxResolveAttempts, lastErr)
}

// Skip ends the current track and advances regardless of loop mode.
func (m *Manager) Skip(guildID string) error {
	s := m.getSession(guildID)
	if s == nil {
		return fmt.Errorf("nothing playing")
	}
	s.mu.Lock()
	s.skip = true
	s.paused = false
	s.mu.Unlock()
	s.player.Stop()
	return nil
}

func (m *Manager) Pause(guildID string) error {
	s := m.getSession(guildID)
	if s == nil {
		return fmt.Errorf("nothing playing")
	}
	if err := s.player.Pause(); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return nil
}

func (m *Manager) Resume(guildID string) error {
	s := m.getSession(guildID)
	if s == nil {
		return fmt.Errorf("nothing playing")
	}
	if err := s.player.Resume(); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return nil
}

// SetLoop changes the loop mode for the guild session.
func (m *Manager) SetLoop(guildID string, mode LoopMode) error {
	s := m.getSession(guildID)
	if s == nil {
		return fmt.Errorf("nothing playing")
	}
	s.mu.Lock()
	s.loop = mode
	s.mu.Unlock()
	return nil
}

// NowPlaying returns the track currently being played, or nil.
func (m *Manager) NowPlaying(guildID string) *Track {
	s := m.getSession(guildID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Queue lists the pending tracks in playback order.
func (m *Manager) Queue(ctx context.Context, guildID string) ([]Track, error) {
	return m.store.List(ctx, guildID)
}

// Stop clears the queue and ends the session.
func (m *Manager) Stop(ctx context.Context, guildID string) error {
	if err := m.store.Clear(ctx, guildID); err != nil {
		return err
	}
	m.endSession(guildID)
	return nil
}

// Leave ends the session but keeps the queue for later.
func (m *Manager) Leave(guildID string) {
	m.endSession(guildID)
}
