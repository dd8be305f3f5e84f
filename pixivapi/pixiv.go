// Package pixivapi is a minimal client for the Pixiv mobile API: OAuth
// refresh-token authentication and listing new illustrations for followed
// artists.
package pixivapi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	authURL    = "https://oauth.secure.pixiv.net/auth/token"
	apiBase    = "https://app-api.pixiv.net"
	// public identifiers of the Pixiv mobile client, required by the OAuth
	// endpoint; these are not account secrets
	clientID     = "MOBrBDS8blbauoSck0ZfDbtuzpyT"
	clientSecret = "lsACyCD94FhDUtGTXi3QzcFE2uU1hqtDaKeqrdwj"
	hashSecret   = "28c1fdd170a5204386cb1313c7077b34f83e4aaf4aa829ce78c231e05b0bae2c"
)

// TokenStore persists tokens across restarts. Matches the adapter exposed by
// the db package.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error)
}

// Client talks to the Pixiv app API with a refresh-token credential.
type Client struct {
	HTTPClient *http.Client
	AuthURL    string
	APIBase    string
	Store      TokenStore

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiry       time.Time
}

// NewClient seeds the client with a refresh token. When a store is given,
// a previously persisted token takes precedence over the seed.
func NewClient(refreshToken string, store TokenStore) *Client {
	return &Client{
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		AuthURL:      authURL,
		APIBase:      apiBase,
		Store:        store,
		refreshToken: refreshToken,
	}
}

type authResponse struct {
	Response struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	} `json:"response"`
}

// Refresh exchanges the refresh token for a fresh access token and persists
// the rotated credentials.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()

	if c.Store != nil {
		if _, stored, _, _, err := c.Store.GetOAuthToken(ctx, "pixiv"); err == nil && stored != "" {
			refresh = stored
		}
	}
	if refresh == "" {
		return fmt.Errorf("no pixiv refresh token configured")
	}

	clientTime := time.Now().UTC().Format("2006-01-02T15:04:05+00:00")
	sum := md5.Sum([]byte(clientTime + hashSecret))

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("get_secure_url", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Client-Time", clientTime)
	req.Header.Set("X-Client-Hash", hex.EncodeToString(sum[:]))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pixiv auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("pixiv auth status %d: %s", resp.StatusCode, body)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("decode pixiv auth response: %w", err)
	}

	expiry := time.Now().Add(time.Duration(auth.Response.ExpiresIn) * time.Second)
	c.mu.Lock()
	c.accessToken = auth.Response.AccessToken
	if auth.Response.RefreshToken != "" {
		c.refreshToken = auth.Response.RefreshToken
	}
	c.expiry = expiry
	refreshOut := c.refreshToken
	c.mu.Unlock()

	if c.Store != nil {
		if err := c.Store.UpsertOAuthToken(ctx, "pixiv", auth.Response.AccessToken, refreshOut, expiry, ""); err != nil {
			return fmt.Errorf("persist pixiv token: %w", err)
		}
	}
	return nil
}

// TokenExpiry returns when the current access token expires.
func (c *Client) TokenExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.accessToken
	valid := token != "" && time.Until(c.expiry) > time.Minute
	c.mu.Unlock()
	if valid {
		return token, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, nil
}

// Illust is one artwork returned by the API.
type Illust struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	CreateDate time.Time `json:"create_date"`
}

// URL is the public artwork page.
func (i Illust) URL() string {
	return fmt.Sprintf("https://www.pixiv.net/artworks/%d", i.ID)
}

// UserIllusts lists an artist's recent illustrations, newest first.
func (c *Client) UserIllusts(ctx context.Context, userID string) ([]Illust, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/v1/user/illusts?user_id=%s&type=illust", c.APIBase, url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pixiv user illusts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("pixiv user illusts status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Illusts []Illust `json:"illusts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pixiv illusts: %w", err)
	}
	return out.Illusts, nil
}
