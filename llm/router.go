package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lqhuy/botan/telemetry"
)

const (
	defaultRetries   = 2
	backoffBase      = 5 * time.Second
	emptyRetryDelay  = 2 * time.Second
	errorBodySnippet = 512

	// Socket-level bounds only; a streamed generation may legitimately run
	// for many minutes, so there is no whole-request deadline.
	connectTimeout      = 60 * time.Second
	responseWaitTimeout = 600 * time.Second
)

// Router runs chat completions against one provider over a priority-ordered
// model list, with bounded retry attempts and immediate fallback on
// non-retryable model errors.
type Router struct {
	Provider *Provider
	Models   []string
	Retries  int
	Client   *http.Client

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter wires a router with default retry budget and HTTP client.
func NewRouter(p *Provider, models []string) *Router {
	return &Router{
		Provider: p,
		Models:   models,
		Retries:  defaultRetries,
		Client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: responseWaitTimeout,
			},
		},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Complete issues the conversation to the provider and returns the assembled
// response text. Rate limits and connection failures back off exponentially
// (base 5s, doubling per attempt) and restart from the highest-priority
// model; an empty response waits a fixed 2s before the same restart. Any
// other provider error on the primary model falls through to the next model
// in the same attempt without sleeping; the same error on a fallback model
// is terminal. No sleep follows the final attempt. The mode tag is forwarded
// to providers that understand one; pass "" for the default mode.
func (r *Router) Complete(ctx context.Context, msgs []Message, mode string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "llm-router", "complete",
		attribute.String("provider", r.Provider.Name),
		attribute.Int("models", len(r.Models)))
	defer span.End()

	if len(r.Models) == 0 {
		err := errors.New("no models configured")
		telemetry.RecordError(span, err)
		return "", err
	}
	retries := r.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	start := time.Now()
	var lastErr error
attempts:
	for attempt := 0; attempt < retries; attempt++ {
		for i, model := range r.Models {
			content, err := r.tryModel(ctx, model, msgs, mode)
			if err == nil {
				telemetry.GatewayRequests.WithLabelValues(r.Provider.Name, "ok").Inc()
				telemetry.GatewayDuration.Observe(time.Since(start).Seconds())
				telemetry.SetSpanSuccess(span)
				return content, nil
			}
			lastErr = err

			// no sleep after the final attempt; the terminal result
			// is reported immediately
			lastAttempt := attempt == retries-1

			var terminal *TerminalError
			switch {
			case errors.Is(err, ErrRateLimited):
				telemetry.GatewayRetries.WithLabelValues(r.Provider.Name, "rate_limit").Inc()
				slog.Warn("provider rate limited",
					slog.String("provider", r.Provider.Name),
					slog.String("model", model),
					slog.Int("attempt", attempt+1),
					slog.String("component", "llm_router"))
				if !lastAttempt {
					if serr := sleep(ctx, backoffBase<<attempt); serr != nil {
						telemetry.RecordError(span, serr)
						return "", serr
					}
				}
				continue attempts
			case errors.Is(err, ErrEmptyResponse):
				telemetry.GatewayRetries.WithLabelValues(r.Provider.Name, "empty").Inc()
				slog.Warn("provider returned empty response, retrying",
					slog.String("provider", r.Provider.Name),
					slog.String("model", model),
					slog.Int("attempt", attempt+1),
					slog.String("component", "llm_router"))
				if !lastAttempt {
					if serr := sleep(ctx, emptyRetryDelay); serr != nil {
						telemetry.RecordError(span, serr)
						return "", serr
					}
				}
				continue attempts
			case errors.As(err, &terminal):
				// only the highest-priority model gets an in-attempt
				// fallback; a failing fallback is terminal
				if i == 0 && len(r.Models) > 1 {
					telemetry.GatewayRetries.WithLabelValues(r.Provider.Name, "fallback").Inc()
					slog.Warn("primary model failed, falling back",
						slog.String("provider", r.Provider.Name),
						slog.String("model", model),
						slog.Int("status", terminal.Status),
						slog.String("component", "llm_router"))
					continue
				}
				telemetry.GatewayRequests.WithLabelValues(r.Provider.Name, "error").Inc()
				telemetry.RecordError(span, err)
				return "", err
			default:
				// connection failure or timeout
				if ctx.Err() != nil {
					telemetry.RecordError(span, ctx.Err())
					return "", ctx.Err()
				}
				telemetry.GatewayRetries.WithLabelValues(r.Provider.Name, "connection").Inc()
				slog.Warn("provider request failed",
					slog.String("provider", r.Provider.Name),
					slog.String("model", model),
					slog.Any("err", err),
					slog.String("component", "llm_router"))
				if !lastAttempt {
					if serr := sleep(ctx, backoffBase<<attempt); serr != nil {
						telemetry.RecordError(span, serr)
						return "", serr
					}
				}
				continue attempts
			}
		}
	}

	telemetry.GatewayRequests.WithLabelValues(r.Provider.Name, "exhausted").Inc()
	err := fmt.Errorf("all %d attempts failed for provider %s: %w", retries, r.Provider.Name, lastErr)
	telemetry.RecordError(span, err)
	return "", err
}

// tryModel issues one streaming request for one model and assembles the body.
func (r *Router) tryModel(ctx context.Context, model string, msgs []Message, mode string) (string, error) {
	req, err := r.Provider.buildRequest(ctx, model, msgs, mode)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", r.Provider.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodySnippet))
		return "", ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnippet))
		return "", &TerminalError{Status: resp.StatusCode, Message: string(body)}
	}

	content, err := Assemble(resp.Body, r.Provider)
	if err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
