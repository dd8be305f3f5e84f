package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lqhuy/botan/db"
)

func testStore(t *testing.T) *Store {
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
		dbx.Exec(`DELETE FROM messages WHERE thread_id LIKE 'test-%'`)
		dbx.Close()
	})
	return NewStore(dbx)
}

func TestAppendAndFetchRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	thread := "test-thread-1"

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.Append(ctx, thread, fmt.Sprintf("msg-%d", i), role, fmt.Sprintf("turn %d", i), "general", "", "u1"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.FetchRecent(ctx, thread, "general", 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// chronological order, most recent window
	if msgs[0].Content != "turn 2" || msgs[2].Content != "turn 4" {
		t.Fatalf("wrong window: %+v", msgs)
	}
}

func TestFetchRecentIsolatesPurpose(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	thread := "test-thread-2"

	if err := s.Append(ctx, thread, "test-a", "user", "about feelings", "mental", "", "u1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, thread, "test-b", "user", "about code", "general", "", "u1"); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := s.FetchRecent(ctx, thread, "mental", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "about feelings" {
		t.Fatalf("purpose leak: %+v", msgs)
	}
}

func TestSeen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seen, err := s.Seen(ctx, "test-unseen-id")
	if err != nil || seen {
		t.Fatalf("unseen id: seen=%v err=%v", seen, err)
	}
	if err := s.Append(ctx, "test-thread-3", "test-seen-id", "user", "hi", "general", "", "u1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	seen, err = s.Seen(ctx, "test-seen-id")
	if err != nil || !seen {
		t.Fatalf("seen id: seen=%v err=%v", seen, err)
	}
	// empty IDs never match
	seen, err = s.Seen(ctx, "")
	if err != nil || seen {
		t.Fatalf("empty id: seen=%v err=%v", seen, err)
	}
}

func TestClear(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	thread := "test-thread-4"

	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, thread, "", "assistant", "x", "general", "", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	n, err := s.Clear(ctx, thread)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 3 {
		t.Fatalf("cleared %d rows, want 3", n)
	}
	msgs, err := s.FetchRecent(ctx, thread, "general", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(msgs))
	}
}
