// Package youtubeapi wraps the YouTube Data API for the bot's video search
// command.
package youtubeapi

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/lqhuy/botan/discordbot"
)

// Client performs keyed (non-OAuth) YouTube Data API calls.
type Client struct {
	apiKey string
}

func NewClient(apiKey string) *Client {
	return &Client{apiKey: apiKey}
}

// Search returns up to max video results for the query.
func (c *Client) Search(ctx context.Context, query string, max int64) ([]discordbot.SearchResult, error) {
	svc, err := youtube.NewService(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	resp, err := svc.Search.List([]string{"snippet"}).
		Q(query).
		Type("video").
		MaxResults(max).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube search: %w", err)
	}

	var results []discordbot.SearchResult
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" {
			continue
		}
		results = append(results, discordbot.SearchResult{
			Title: item.Snippet.Title,
			URL:   "https://www.youtube.com/watch?v=" + item.Id.VideoId,
		})
	}
	return results, nil
}
