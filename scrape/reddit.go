package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	redditTokenURL = "https://www.reddit.com/api/v1/access_token"
	redditAPIBase  = "https://oauth.reddit.com"
)

// RedditFetcher reads recent posts from the subreddits on the priority list
// using the application-only OAuth flow.
type RedditFetcher struct {
	UserAgent string
	Priority  *PriorityStore
	APIBase   string
	PerSub    int

	client *http.Client
}

// NewRedditFetcher builds a fetcher whose HTTP client handles token
// acquisition and refresh through the client-credentials grant.
func NewRedditFetcher(ctx context.Context, clientID, clientSecret, userAgent string, priority *PriorityStore) *RedditFetcher {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     redditTokenURL,
	}
	return &RedditFetcher{
		UserAgent: userAgent,
		Priority:  priority,
		APIBase:   redditAPIBase,
		PerSub:    10,
		client:    conf.Client(ctx),
	}
}

func (f *RedditFetcher) Name() string { return "reddit" }

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID         string  `json:"id"`
				Title      string  `json:"title"`
				Permalink  string  `json:"permalink"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (f *RedditFetcher) Fetch(ctx context.Context) ([]Item, error) {
	subs, err := f.Priority.List(ctx, "reddit", "subreddit")
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, sub := range subs {
		subItems, err := f.fetchSubreddit(ctx, sub)
		if err != nil {
			// one bad subreddit must not starve the rest
			slog.Warn("subreddit fetch failed",
				slog.String("subreddit", sub),
				slog.Any("err", err),
				slog.String("component", "scrape_reddit"))
			continue
		}
		items = append(items, subItems...)
	}
	return items, nil
}

func (f *RedditFetcher) fetchSubreddit(ctx context.Context, sub string) ([]Item, error) {
	url := fmt.Sprintf("%s/r/%s/new.json?limit=%d", f.APIBase, sub, f.PerSub)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch r/%s: %w", sub, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("fetch r/%s: status %d", sub, resp.StatusCode)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode r/%s listing: %w", sub, err)
	}
	var items []Item
	for _, child := range listing.Data.Children {
		d := child.Data
		items = append(items, Item{
			ID:        d.ID,
			Title:     fmt.Sprintf("[r/%s] %s", sub, d.Title),
			URL:       "https://www.reddit.com" + d.Permalink,
			Published: time.Unix(int64(d.CreatedUTC), 0).UTC(),
		})
	}
	return items, nil
}
