package wikipedia

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient()
	c.APIURL = srv.URL
	return c
}

func TestSummarize(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("list") {
		case "search":
			require.Equal(t, "gravity", r.URL.Query().Get("srsearch"))
			w.Write([]byte(`{"query":{"search":[{"title":"Gravity"}]}}`))
		default:
			require.Equal(t, "Gravity", r.URL.Query().Get("titles"))
			w.Write([]byte(`{"query":{"pages":{"38579":{"extract":"Gravity is a fundamental interaction."}}}}`))
		}
	})

	s, err := c.Summarize(context.Background(), "gravity")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, "Gravity", s.Title)
	require.Equal(t, "Gravity is a fundamental interaction.", s.Extract)
}

func TestSummarizeTruncatesLongExtract(t *testing.T) {
	long := strings.Repeat("a", 2500)
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("list") == "search" {
			w.Write([]byte(`{"query":{"search":[{"title":"Long"}]}}`))
			return
		}
		w.Write([]byte(`{"query":{"pages":{"1":{"extract":"` + long + `"}}}}`))
	})

	s, err := c.Summarize(context.Background(), "long")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Len(t, s.Extract, 1003)
	require.True(t, strings.HasSuffix(s.Extract, "..."))
}

func TestSummarizeNoResults(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query":{"search":[]}}`))
	})

	s, err := c.Summarize(context.Background(), "gibberish-zzz")
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestSummarizeServerError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Summarize(context.Background(), "anything")
	require.Error(t, err)
}
