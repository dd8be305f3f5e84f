package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeJSONBody(r *http.Request, v any) {
	_ = json.NewDecoder(r.Body).Decode(v)
}

// scriptedProvider serves a fixed sequence of responses, one per request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter, r *http.Request)
	requests  []string // model per request, in order
}

func (s *scriptedProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var body struct {
			Model string `json:"model"`
		}
		decodeJSONBody(r, &body)
		s.requests = append(s.requests, body.Model)
		idx := len(s.requests) - 1
		var fn func(http.ResponseWriter, *http.Request)
		if idx < len(s.responses) {
			fn = s.responses[idx]
		}
		s.mu.Unlock()
		if fn == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fn(w, r)
	}
}

func (s *scriptedProvider) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func respondSSE(content string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"content":"`+content+`"}}]}`,
			`[DONE]`,
		)))
	}
}

func respondStatus(code int) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

func respondEmpty() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody(`[DONE]`)))
	}
}

func newTestRouter(t *testing.T, sp *scriptedProvider, models []string) (*Router, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(sp.handler())
	t.Cleanup(srv.Close)
	r := NewRouter(NewGroqProvider("test-key", srv.URL), models)
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestCompleteSingleShot(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondSSE("pong"),
	}}
	r, slept := newTestRouter(t, sp, []string{"m1"})

	got, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "ping"}}, "")
	require.NoError(t, err)
	require.Equal(t, "pong", got)
	require.Empty(t, *slept)
	require.Equal(t, []string{"m1"}, sp.models())
}

func TestCompleteRateLimitBackoffAndRecovery(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondStatus(http.StatusTooManyRequests),
		respondStatus(http.StatusTooManyRequests),
		respondSSE("ok"),
	}}
	r, slept := newTestRouter(t, sp, []string{"m1", "m2"})
	r.Retries = 3

	got, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	// backoff doubles per attempt, and each attempt restarts at the first model
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *slept)
	require.Equal(t, []string{"m1", "m1", "m1"}, sp.models())
}

func TestCompleteEmptyResponseRetries(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondEmpty(),
		respondSSE("finally"),
	}}
	r, slept := newTestRouter(t, sp, []string{"m1"})

	got, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	require.Equal(t, "finally", got)
	require.Equal(t, []time.Duration{2 * time.Second}, *slept)
}

func TestCompleteFallbackOnTerminalError(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondStatus(http.StatusBadRequest),
		respondSSE("from-fallback"),
	}}
	r, slept := newTestRouter(t, sp, []string{"primary", "fallback"})

	got, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	require.Equal(t, "from-fallback", got)
	// fallback is immediate, no backoff
	require.Empty(t, *slept)
	require.Equal(t, []string{"primary", "fallback"}, sp.models())
}

func TestCompleteTerminalWhenAllModelsFail(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondStatus(http.StatusUnauthorized),
		respondStatus(http.StatusUnauthorized),
	}}
	r, _ := newTestRouter(t, sp, []string{"m1", "m2"})

	_, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)
	require.Equal(t, http.StatusUnauthorized, terminal.Status)
	// terminal on the last model ends the run without consuming more attempts
	require.Equal(t, []string{"m1", "m2"}, sp.models())
}

func TestCompleteExhaustsAttempts(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondStatus(http.StatusTooManyRequests),
		respondStatus(http.StatusTooManyRequests),
	}}
	r, slept := newTestRouter(t, sp, []string{"m1"})
	r.Retries = 2

	_, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.ErrorIs(t, err, ErrRateLimited)
	// no sleep after the final attempt; the caller gets the error right away
	require.Equal(t, []time.Duration{5 * time.Second}, *slept)
}

func TestCompleteFallbackOnlyFromPrimary(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondStatus(http.StatusBadRequest),
		respondStatus(http.StatusBadRequest),
		respondSSE("never-reached"),
	}}
	r, slept := newTestRouter(t, sp, []string{"m1", "m2", "m3"})

	_, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)
	// a terminal error on the fallback ends the run; lower-priority models
	// are never consulted
	require.Empty(t, *slept)
	require.Equal(t, []string{"m1", "m2"}, sp.models())
}

func TestCompleteForwardsModeTag(t *testing.T) {
	var gotModes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Mode string `json:"mode"`
		}
		decodeJSONBody(r, &body)
		gotModes = append(gotModes, body.Mode)
		respondSSE("done")(w, r)
	}))
	defer srv.Close()

	r := NewRouter(NewXAIProvider("k", srv.URL), []string{"m1"})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "think")
	require.NoError(t, err)
	_, err = r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	// the default mode omits the field entirely
	require.Equal(t, []string{"think", ""}, gotModes)
}

func TestNewRouterClientTimeouts(t *testing.T) {
	r := NewRouter(NewGroqProvider("k", "http://unused"), []string{"m1"})
	// streamed bodies may outlive any fixed wall-clock budget; only the
	// connect and response-wait phases are bounded
	require.Zero(t, r.Client.Timeout)
	tr, ok := r.Client.Transport.(*http.Transport)
	require.True(t, ok)
	require.Equal(t, responseWaitTimeout, tr.ResponseHeaderTimeout)
	require.NotNil(t, tr.DialContext)
}

func TestCompleteNoModels(t *testing.T) {
	r := NewRouter(NewGroqProvider("k", "http://unused"), nil)
	_, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.Error(t, err)
}

func TestCompleteHonorsContextCancel(t *testing.T) {
	sp := &scriptedProvider{responses: []func(http.ResponseWriter, *http.Request){
		respondStatus(http.StatusTooManyRequests),
	}}
	r, _ := newTestRouter(t, sp, []string{"m1"})
	r.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Complete(ctx, []Message{{Role: "user", Content: "hi"}}, "")
	require.ErrorIs(t, err, context.Canceled)
}
