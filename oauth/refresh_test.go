package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    int
	failures int
	expiry   time.Time
}

func (f *fakeClient) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("transient")
	}
	f.expiry = time.Now().Add(time.Hour)
	return nil
}

func (f *fakeClient) TokenExpiry() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiry
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRefresherRunsImmediatelyWithoutToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &fakeClient{}
	StartRefresher(ctx, "test", c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.callCount() >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("refresher never ran")
}

func TestNextWait(t *testing.T) {
	if w := nextWait(time.Time{}); w != 0 {
		t.Fatalf("zero expiry should refresh immediately, got %v", w)
	}
	// already expired: clamp to the floor
	if w := nextWait(time.Now().Add(-time.Hour)); w < minRefreshInterval || w > 2*minRefreshInterval {
		t.Fatalf("expired token wait = %v", w)
	}
	// far-future expiry: clamp to the fallback ceiling plus jitter
	if w := nextWait(time.Now().Add(24 * time.Hour)); w < fallbackInterval || w > fallbackInterval+fallbackInterval/10+time.Millisecond {
		t.Fatalf("far expiry wait = %v", w)
	}
}
