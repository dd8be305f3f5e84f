// Package music implements the per-guild playback queue: durable queue
// storage, yt-dlp metadata and stream URL resolution, and the playback
// session lifecycle.
package music

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lqhuy/botan/telemetry"
)

// Track is one queued item. AudioURL is never trusted across playbacks; it
// is re-resolved before every play because provider stream URLs expire.
type Track struct {
	ID       int
	GuildID  string
	URL      string
	AudioURL string
	Title    string
	Duration int
	Position int
}

// Store persists the play queue. Positions are 1-based and contiguous per
// guild; removal reindexes the remainder.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Enqueue appends a track at the tail of the guild queue and returns its
// position.
func (s *Store) Enqueue(ctx context.Context, guildID, url, title string, duration int) (int, error) {
	var pos int
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO play_queue (guild_id, url, title, duration, position)
		 VALUES ($1,$2,$3,$4, COALESCE((SELECT MAX(position) FROM play_queue WHERE guild_id=$1),0)+1)
		 RETURNING position`,
		guildID, url, title, duration).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	s.updateDepth(ctx, guildID)
	return pos, nil
}

// Head returns the front of the queue, or nil when the queue is empty.
func (s *Store) Head(ctx context.Context, guildID string) (*Track, error) {
	var t Track
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, guild_id, url, COALESCE(audio_url,''), COALESCE(title,''), COALESCE(duration,0), position
		 FROM play_queue WHERE guild_id=$1 ORDER BY position ASC LIMIT 1`,
		guildID).Scan(&t.ID, &t.GuildID, &t.URL, &t.AudioURL, &t.Title, &t.Duration, &t.Position)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue head: %w", err)
	}
	return &t, nil
}

// Remove deletes a track by position and shifts everything behind it forward
// so positions stay contiguous.
func (s *Store) Remove(ctx context.Context, guildID string, position int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM play_queue WHERE guild_id=$1 AND position=$2`, guildID, position)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE play_queue SET position = position - 1 WHERE guild_id=$1 AND position > $2`,
		guildID, position); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove commit: %w", err)
	}
	s.updateDepth(ctx, guildID)
	return nil
}

// List returns the full queue in playback order.
func (s *Store) List(ctx context.Context, guildID string) ([]Track, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, guild_id, url, COALESCE(audio_url,''), COALESCE(title,''), COALESCE(duration,0), position
		 FROM play_queue WHERE guild_id=$1 ORDER BY position ASC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		var t Track
		if err := rows.Scan(&t.ID, &t.GuildID, &t.URL, &t.AudioURL, &t.Title, &t.Duration, &t.Position); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// Clear empties the guild queue.
func (s *Store) Clear(ctx context.Context, guildID string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM play_queue WHERE guild_id=$1`, guildID); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	s.updateDepth(ctx, guildID)
	return nil
}

func (s *Store) updateDepth(ctx context.Context, guildID string) {
	var n int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM play_queue WHERE guild_id=$1`, guildID).Scan(&n); err == nil {
		telemetry.SetQueueDepth(guildID, n)
	}
}
