// Package wikipedia looks up article summaries through the MediaWiki API.
package wikipedia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultAPIURL  = "https://en.wikipedia.org/w/api.php"
	summaryMaxLen  = 1000
	requestTimeout = 5 * time.Second
)

// Client queries the MediaWiki search and extract endpoints.
type Client struct {
	APIURL     string
	HTTPClient *http.Client
}

func NewClient() *Client {
	return &Client{
		APIURL:     defaultAPIURL,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

// Summary is the intro extract of the best-matching article.
type Summary struct {
	Title   string
	Extract string
}

type searchResponse struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

type extractResponse struct {
	Query struct {
		Pages map[string]struct {
			Extract string `json:"extract"`
		} `json:"pages"`
	} `json:"query"`
}

// Summarize finds the top search hit for the query and returns its intro
// text, truncated to a chat-friendly length. A query with no matching
// article returns a nil summary and no error.
func (c *Client) Summarize(ctx context.Context, query string) (*Summary, error) {
	var sr searchResponse
	err := c.get(ctx, url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"format":   {"json"},
	}, &sr)
	if err != nil {
		return nil, fmt.Errorf("wikipedia search: %w", err)
	}
	if len(sr.Query.Search) == 0 {
		return nil, nil
	}
	title := sr.Query.Search[0].Title

	var er extractResponse
	err = c.get(ctx, url.Values{
		"action":      {"query"},
		"prop":        {"extracts"},
		"exintro":     {"true"},
		"explaintext": {"true"},
		"titles":      {title},
		"format":      {"json"},
	}, &er)
	if err != nil {
		return nil, fmt.Errorf("wikipedia extract: %w", err)
	}
	for _, page := range er.Query.Pages {
		if page.Extract == "" {
			continue
		}
		extract := page.Extract
		if len(extract) > summaryMaxLen {
			extract = extract[:summaryMaxLen] + "..."
		}
		return &Summary{Title: title, Extract: extract}, nil
	}
	return nil, nil
}

func (c *Client) get(ctx context.Context, params url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
