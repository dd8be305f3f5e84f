// Package history persists conversation turns per thread and serves the
// bounded context window sent with each completion request.
package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lqhuy/botan/llm"
)

// DefaultWindow is how many recent turns are replayed as context.
const DefaultWindow = 20

// Store reads and writes conversation history rows.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Append records one conversation turn. messageID is the platform message ID
// for user turns and empty for assistant turns.
func (s *Store) Append(ctx context.Context, threadID, messageID, role, content, purpose, mode, userID string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (thread_id, message_id, role, content, purpose, mode, user_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())`,
		threadID, messageID, role, content, purpose, mode, userID)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// FetchRecent returns the last n turns for a thread and purpose in
// chronological order, ready to prepend to a completion request.
func (s *Store) FetchRecent(ctx context.Context, threadID, purpose string, n int) ([]llm.Message, error) {
	if n <= 0 {
		n = DefaultWindow
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT role, content FROM (
			SELECT role, content, created_at, id FROM messages
			WHERE thread_id = $1 AND purpose = $2
			ORDER BY created_at DESC, id DESC LIMIT $3
		 ) recent ORDER BY created_at ASC, id ASC`,
		threadID, purpose, n)
	if err != nil {
		return nil, fmt.Errorf("fetch recent: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Seen reports whether a platform message ID was already recorded. Used to
// drop gateway redeliveries before they reach the gateway.
func (s *Store) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE message_id = $1 LIMIT 1`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen lookup: %w", err)
	}
	return true, nil
}

// Clear removes all turns for a thread. Exposed through the admin API.
func (s *Store) Clear(ctx context.Context, threadID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = $1`, threadID)
	if err != nil {
		return 0, fmt.Errorf("clear thread: %w", err)
	}
	return res.RowsAffected()
}
