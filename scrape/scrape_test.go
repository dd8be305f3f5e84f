package scrape

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lqhuy/botan/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres integration test")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		dbx.Exec(`DELETE FROM seen_items WHERE source LIKE 'test-%'`)
		dbx.Exec(`DELETE FROM priority_lists WHERE kind LIKE 'test-%'`)
		dbx.Exec(`DELETE FROM kv WHERE key LIKE 'poller_test-%'`)
		dbx.Close()
	})
	return dbx
}

type fakeFetcher struct {
	name  string
	items []Item
	err   error
}

func (f *fakeFetcher) Name() string { return f.name }
func (f *fakeFetcher) Fetch(context.Context) ([]Item, error) {
	return f.items, f.err
}

func TestPollOncePublishesUnseenOldestFirst(t *testing.T) {
	dbx := testDB(t)
	f := &fakeFetcher{name: "test-poll", items: []Item{
		{ID: "new", Title: "newest"},
		{ID: "old", Title: "oldest"},
	}}
	var published []string
	publish := func(_ context.Context, item Item) error {
		published = append(published, item.ID)
		return nil
	}

	pollOnce(context.Background(), dbx, f, publish)
	if len(published) != 2 || published[0] != "old" || published[1] != "new" {
		t.Fatalf("publish order = %v, want [old new]", published)
	}

	// second cycle: everything already seen
	published = nil
	pollOnce(context.Background(), dbx, f, publish)
	if len(published) != 0 {
		t.Fatalf("republished seen items: %v", published)
	}

	// heartbeat recorded
	hb, err := db.GetKV(context.Background(), dbx, "poller_test-poll_last_run")
	if err != nil || hb == "" {
		t.Fatalf("missing heartbeat: %q %v", hb, err)
	}
}

func TestPollOnceSkipsOnFetchError(t *testing.T) {
	dbx := testDB(t)
	f := &fakeFetcher{name: "test-err", err: errors.New("boom")}
	pollOnce(context.Background(), dbx, f, func(context.Context, Item) error {
		t.Fatal("publish called despite fetch error")
		return nil
	})
}

func TestPollOnceContinuesPastPublishFailure(t *testing.T) {
	dbx := testDB(t)
	f := &fakeFetcher{name: "test-pubfail", items: []Item{
		{ID: "b", Title: "second"},
		{ID: "a", Title: "first"},
	}}
	var published []string
	publish := func(_ context.Context, item Item) error {
		if item.ID == "a" {
			return errors.New("channel down")
		}
		published = append(published, item.ID)
		return nil
	}
	pollOnce(context.Background(), dbx, f, publish)
	if len(published) != 1 || published[0] != "b" {
		t.Fatalf("published = %v, want [b]", published)
	}
}

func TestPriorityStore(t *testing.T) {
	dbx := testDB(t)
	p := NewPriorityStore(dbx)
	ctx := context.Background()

	if err := p.Add(ctx, "test-reddit", "subreddit", "golang"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// duplicate add is a no-op
	if err := p.Add(ctx, "test-reddit", "subreddit", "golang"); err != nil {
		t.Fatalf("add dup: %v", err)
	}
	if err := p.Add(ctx, "test-reddit", "subreddit", "aww"); err != nil {
		t.Fatalf("add: %v", err)
	}

	values, err := p.List(ctx, "test-reddit", "subreddit")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(values) != 2 || values[0] != "aww" || values[1] != "golang" {
		t.Fatalf("values = %v", values)
	}

	if err := p.Remove(ctx, "test-reddit", "subreddit", "aww"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	values, err = p.List(ctx, "test-reddit", "subreddit")
	if err != nil || len(values) != 1 || values[0] != "golang" {
		t.Fatalf("after remove: %v %v", values, err)
	}
}

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Tin mới nhất</title>
<item>
  <title>First story</title>
  <link>https://example.test/1</link>
  <guid>story-1</guid>
  <pubDate>Mon, 25 Aug 2026 08:00:00 +0700</pubDate>
</item>
<item>
  <title>Second story</title>
  <link>https://example.test/2</link>
  <guid>story-2</guid>
  <pubDate>Mon, 25 Aug 2026 07:00:00 +0700</pubDate>
</item>
</channel>
</rss>`

func TestRSSFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	f := NewRSSFetcher("news", srv.URL)
	items, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ID != "story-1" || items[0].Title != "First story" || items[0].URL != "https://example.test/1" {
		t.Fatalf("unexpected item: %+v", items[0])
	}
	if items[0].Published.IsZero() {
		t.Fatal("published time not parsed")
	}
}

func TestRedditFetcherParsesListing(t *testing.T) {
	dbx := testDB(t)
	p := NewPriorityStore(dbx)
	ctx := context.Background()
	if err := p.Add(ctx, "reddit", "subreddit", "test-sub"); err != nil {
		t.Fatalf("add: %v", err)
	}
	t.Cleanup(func() { p.Remove(ctx, "reddit", "subreddit", "test-sub") })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/test-sub/new.json" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("User-Agent") != "botan-test/1.0" {
			t.Fatalf("missing user agent, got %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`{"data":{"children":[{"data":{"id":"abc","title":"hello","permalink":"/r/test-sub/abc","created_utc":1756000000}}]}}`))
	}))
	defer srv.Close()

	f := &RedditFetcher{
		UserAgent: "botan-test/1.0",
		Priority:  p,
		APIBase:   srv.URL,
		PerSub:    10,
		client:    srv.Client(),
	}
	items, err := f.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID != "abc" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].URL != "https://www.reddit.com/r/test-sub/abc" {
		t.Fatalf("url = %s", items[0].URL)
	}
	if items[0].Title != "[r/test-sub] hello" {
		t.Fatalf("title = %s", items[0].Title)
	}
	if items[0].Published != time.Unix(1756000000, 0).UTC() {
		t.Fatalf("published = %v", items[0].Published)
	}
}

func TestRedditFetcherContinuesPastFailingSubreddit(t *testing.T) {
	dbx := testDB(t)
	p := NewPriorityStore(dbx)
	ctx := context.Background()
	for _, sub := range []string{"a-broken", "b-good"} {
		if err := p.Add(ctx, "reddit", "subreddit", sub); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	t.Cleanup(func() {
		p.Remove(ctx, "reddit", "subreddit", "a-broken")
		p.Remove(ctx, "reddit", "subreddit", "b-good")
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/a-broken/new.json" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"data":{"children":[{"data":{"id":"ok1","title":"still here","permalink":"/r/b-good/ok1","created_utc":1756000000}}]}}`))
	}))
	defer srv.Close()

	f := &RedditFetcher{
		UserAgent: "botan-test/1.0",
		Priority:  p,
		APIBase:   srv.URL,
		PerSub:    10,
		client:    srv.Client(),
	}
	items, err := f.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID != "ok1" {
		t.Fatalf("items = %+v", items)
	}
}
