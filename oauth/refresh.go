// Package oauth runs the background token refresh loop for credentialed
// upstream APIs.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Refreshable is a client whose access token expires and can be renewed.
type Refreshable interface {
	Refresh(ctx context.Context) error
	TokenExpiry() time.Time
}

const (
	// refresh this long before the token actually expires
	refreshLead = 10 * time.Minute
	// floor between refresh attempts, also used after failures
	minRefreshInterval = time.Minute
	fallbackInterval   = 30 * time.Minute
)

// StartRefresher keeps the client's token fresh in the background. The next
// refresh is scheduled ahead of expiry with jitter so multiple instances do
// not stampede; failures retry on the floor interval.
func StartRefresher(ctx context.Context, name string, client Refreshable) {
	go func() {
		for {
			wait := nextWait(client.TokenExpiry())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			if err := client.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("token refresh failed",
					slog.String("provider", name),
					slog.Any("err", err),
					slog.String("component", "oauth_refresher"))
				select {
				case <-ctx.Done():
					return
				case <-time.After(minRefreshInterval):
				}
				continue
			}
			slog.Info("token refreshed",
				slog.String("provider", name),
				slog.Time("expires", client.TokenExpiry()),
				slog.String("component", "oauth_refresher"))
		}
	}()
}

func nextWait(expiry time.Time) time.Duration {
	if expiry.IsZero() {
		// no token yet: refresh immediately
		return 0
	}
	wait := time.Until(expiry) - refreshLead
	if wait < minRefreshInterval {
		wait = minRefreshInterval
	}
	if wait > fallbackInterval {
		wait = fallbackInterval
	}
	// up to 10% jitter
	return wait + time.Duration(rand.Int63n(int64(wait/10)+1))
}
