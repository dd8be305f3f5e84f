// Package scrape runs the background content pollers: RSS news, subreddit
// posts, and new artwork from followed artists. Each source is polled on a
// jittered interval, deduplicated against seen_items, and published to a
// Discord channel at a paced rate.
package scrape

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/lqhuy/botan/db"
	"github.com/lqhuy/botan/telemetry"
)

// publishPacing is the delay between consecutive posts so one poll cycle
// never floods a channel.
const publishPacing = time.Second

// Item is one piece of content discovered by a fetcher. ID must be stable
// across polls for deduplication.
type Item struct {
	ID        string
	Title     string
	URL       string
	Published time.Time
}

// Fetcher pulls the current window of items from one source.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]Item, error)
}

// PublishFunc posts one new item to its destination channel.
type PublishFunc func(ctx context.Context, item Item) error

// StartPoller polls the fetcher on a jittered interval and publishes unseen
// items oldest-first. The first poll runs immediately. Each cycle records a
// heartbeat in kv so operators can see when a source last ran.
func StartPoller(ctx context.Context, dbx *sql.DB, f Fetcher, interval time.Duration, publish PublishFunc) {
	go func() {
		for {
			pollOnce(ctx, dbx, f, publish)
			jitter := time.Duration(rand.Int63n(int64(interval / 10)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}

func pollOnce(ctx context.Context, dbx *sql.DB, f Fetcher, publish PublishFunc) {
	source := f.Name()
	telemetry.PollCycles.WithLabelValues(source).Inc()
	if err := db.SetKV(ctx, dbx, "poller_"+source+"_last_run", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("poller heartbeat", slog.String("source", source), slog.Any("err", err),
			slog.String("component", "scrape"))
	}

	items, err := f.Fetch(ctx)
	if err != nil {
		slog.Warn("fetch failed", slog.String("source", source), slog.Any("err", err),
			slog.String("component", "scrape"))
		return
	}

	// publish oldest first so the channel reads chronologically
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		fresh, err := markSeen(ctx, dbx, source, item)
		if err != nil {
			slog.Error("dedup check", slog.String("source", source), slog.Any("err", err),
				slog.String("component", "scrape"))
			continue
		}
		if !fresh {
			continue
		}
		if err := publish(ctx, item); err != nil {
			slog.Warn("publish item",
				slog.String("source", source),
				slog.String("item", item.ID),
				slog.Any("err", err),
				slog.String("component", "scrape"))
			continue
		}
		telemetry.ItemsPosted.WithLabelValues(source).Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(publishPacing):
		}
	}
}

// markSeen inserts the item into seen_items; returns false when it was
// already there.
func markSeen(ctx context.Context, dbx *sql.DB, source string, item Item) (bool, error) {
	res, err := dbx.ExecContext(ctx,
		`INSERT INTO seen_items (source, item_id, title, published)
		 VALUES ($1,$2,$3,$4) ON CONFLICT (source, item_id) DO NOTHING`,
		source, item.ID, item.Title, nullableTime(item.Published))
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
