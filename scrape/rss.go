package scrape

import (
	"context"
	"fmt"

	"github.com/mmcdole/gofeed"
)

// DefaultNewsFeedURL is the VnExpress front-page RSS feed.
const DefaultNewsFeedURL = "https://vnexpress.net/rss/tin-moi-nhat.rss"

// RSSFetcher reads an RSS or Atom feed.
type RSSFetcher struct {
	SourceName string
	FeedURL    string
	Limit      int
	parser     *gofeed.Parser
}

func NewRSSFetcher(sourceName, feedURL string) *RSSFetcher {
	if feedURL == "" {
		feedURL = DefaultNewsFeedURL
	}
	return &RSSFetcher{
		SourceName: sourceName,
		FeedURL:    feedURL,
		Limit:      15,
		parser:     gofeed.NewParser(),
	}
}

func (f *RSSFetcher) Name() string { return f.SourceName }

func (f *RSSFetcher) Fetch(ctx context.Context) ([]Item, error) {
	feed, err := f.parser.ParseURLWithContext(f.FeedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.FeedURL, err)
	}
	var items []Item
	for _, entry := range feed.Items {
		if f.Limit > 0 && len(items) >= f.Limit {
			break
		}
		id := entry.GUID
		if id == "" {
			id = entry.Link
		}
		if id == "" {
			continue
		}
		item := Item{ID: id, Title: entry.Title, URL: entry.Link}
		if entry.PublishedParsed != nil {
			item.Published = *entry.PublishedParsed
		}
		items = append(items, item)
	}
	return items, nil
}
