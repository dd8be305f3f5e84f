// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway counters
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_requests_total",
		Help: "Completed LLM gateway requests by provider and outcome",
	}, []string{"provider", "outcome"})
	GatewayRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_retries_total",
		Help: "Gateway retries by provider and reason",
	}, []string{"provider", "reason"})
	StreamFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_stream_frames_total",
		Help: "Streamed response frames parsed",
	})
	StreamParseSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_stream_parse_skips_total",
		Help: "Streamed frames skipped due to decode failure",
	})

	// Histograms (seconds)
	GatewayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_gateway_duration_seconds",
		Help:    "Gateway request duration seconds (including retries)",
		Buckets: prometheus.DefBuckets,
	})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_delivery_duration_seconds",
		Help:    "Chunked delivery duration seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Delivery / playback
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_messages_delivered_total",
		Help: "Platform messages sent",
	})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_delivery_failures_total",
		Help: "Platform message send failures",
	})
	PlaybackStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_playback_started_total",
		Help: "Playback attempts started",
	})
	PlaybackFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_playback_failed_total",
		Help: "Playback attempts failed",
	})
	ResolveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_resolve_failures_total",
		Help: "Stream URL resolution failures",
	})

	// Pollers
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_poll_cycles_total",
		Help: "Scraper poll cycles by source",
	}, []string{"source"})
	ItemsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_items_posted_total",
		Help: "New scraped items posted by source",
	}, []string{"source"})

	// Gauges
	QueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_play_queue_depth",
		Help: "Current play queue depth per guild",
	}, []string{"guild"})
	PendingBatchGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_pending_batch_jobs",
		Help: "Pending GPT batch jobs",
	})
)

// Init is a startup hook. All collectors register with the default
// registry at package init, so calling it is optional.
func Init() {}

// SetQueueDepth records current play queue depth for a guild.
func SetQueueDepth(guildID string, n int) {
	QueueDepthGauge.WithLabelValues(guildID).Set(float64(n))
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
