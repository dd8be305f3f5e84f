package scrape

import (
	"context"
	"database/sql"
	"fmt"
)

// PriorityStore manages the allow-lists driving the pollers: which
// subreddits to watch, which artists to follow. Rows are keyed by kind
// ("reddit", "pixiv") and type ("subreddit", "artist").
type PriorityStore struct {
	DB *sql.DB
}

func NewPriorityStore(db *sql.DB) *PriorityStore { return &PriorityStore{DB: db} }

func (p *PriorityStore) Add(ctx context.Context, kind, typ, value string) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO priority_lists (kind, type, value) VALUES ($1,$2,$3)
		 ON CONFLICT (kind, type, value) DO NOTHING`, kind, typ, value)
	if err != nil {
		return fmt.Errorf("add priority entry: %w", err)
	}
	return nil
}

func (p *PriorityStore) Remove(ctx context.Context, kind, typ, value string) error {
	_, err := p.DB.ExecContext(ctx,
		`DELETE FROM priority_lists WHERE kind=$1 AND type=$2 AND value=$3`, kind, typ, value)
	if err != nil {
		return fmt.Errorf("remove priority entry: %w", err)
	}
	return nil
}

func (p *PriorityStore) List(ctx context.Context, kind, typ string) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT value FROM priority_lists WHERE kind=$1 AND type=$2 ORDER BY value`, kind, typ)
	if err != nil {
		return nil, fmt.Errorf("list priority entries: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan priority entry: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
