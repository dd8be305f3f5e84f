package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lqhuy/botan/pixivapi"
)

// PixivFetcher watches the artists on the priority list for new artwork.
type PixivFetcher struct {
	Client    *pixivapi.Client
	Priority  *PriorityStore
	PerArtist int
}

func NewPixivFetcher(client *pixivapi.Client, priority *PriorityStore) *PixivFetcher {
	return &PixivFetcher{Client: client, Priority: priority, PerArtist: 5}
}

func (f *PixivFetcher) Name() string { return "pixiv" }

func (f *PixivFetcher) Fetch(ctx context.Context) ([]Item, error) {
	artists, err := f.Priority.List(ctx, "pixiv", "artist")
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, artist := range artists {
		illusts, err := f.Client.UserIllusts(ctx, artist)
		if err != nil {
			// keep going; a single artist failing must not block the rest
			slog.Warn("artist fetch failed",
				slog.String("artist", artist),
				slog.Any("err", err),
				slog.String("component", "scrape_pixiv"))
			continue
		}
		if f.PerArtist > 0 && len(illusts) > f.PerArtist {
			illusts = illusts[:f.PerArtist]
		}
		for _, il := range illusts {
			items = append(items, Item{
				ID:        strconv.FormatInt(il.ID, 10),
				Title:     fmt.Sprintf("%s (pixiv)", il.Title),
				URL:       il.URL(),
				Published: il.CreateDate,
			})
		}
	}
	return items, nil
}
