// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ConnectorsStarted prometheus.Counter
	ConnectorsStopped prometheus.Counter
	PollErrors        prometheus.Counter
	QuotaBackoffs     prometheus.Counter
	MessagesBroadcast *prometheus.CounterVec // by platform
	MessagesDeduped   prometheus.Counter
	MessagesDropped   prometheus.Counter // fan-out drops (slow subscribers)
	FallbackDemotions prometheus.Counter // push connectors demoted to polling

	// Gauges
	ActiveConnectorsGauge prometheus.Gauge
	SubscribersGauge      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ConnectorsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_connectors_started_total", Help: "Number of chat connectors started"})
		ConnectorsStopped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_connectors_stopped_total", Help: "Number of chat connectors stopped"})
		PollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_poll_errors_total", Help: "Number of transient polling errors"})
		QuotaBackoffs = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_quota_backoffs_total", Help: "Number of quota-exceeded responses that grew the poll interval"})
		MessagesBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_broadcast_total", Help: "Normalized messages handed to the broadcast gateway"}, []string{"platform"})
		MessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_deduped_total", Help: "Messages suppressed by the processed-id cache"})
		MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_dropped_total", Help: "Messages dropped on the fan-out path (slow or full subscribers)"})
		FallbackDemotions = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_fallback_demotions_total", Help: "Push connectors demoted to polling mode"})
		ActiveConnectorsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_active_connectors", Help: "Currently live platform connectors"})
		SubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_subscribers", Help: "Currently connected chat subscribers"})
	})
}

// SetActiveConnectors records the current live connector count.
func SetActiveConnectors(n int) {
	if ActiveConnectorsGauge != nil {
		ActiveConnectorsGauge.Set(float64(n))
	}
}

// SetSubscribers records the current subscriber count.
func SetSubscribers(n int) {
	if SubscribersGauge != nil {
		SubscribersGauge.Set(float64(n))
	}
}

// CountBroadcast increments the per-platform broadcast counter.
func CountBroadcast(platform string) {
	if MessagesBroadcast != nil {
		MessagesBroadcast.WithLabelValues(platform).Inc()
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// CountConnectorStarted increments the started-connectors counter.
func CountConnectorStarted() { inc(ConnectorsStarted) }

// CountConnectorStopped increments the stopped-connectors counter.
func CountConnectorStopped() { inc(ConnectorsStopped) }

// CountPollError increments the transient poll error counter.
func CountPollError() { inc(PollErrors) }

// CountQuotaBackoff increments the quota backoff counter.
func CountQuotaBackoff() { inc(QuotaBackoffs) }

// CountDeduped increments the suppressed-duplicate counter.
func CountDeduped() { inc(MessagesDeduped) }

// CountDropped increments the fan-out drop counter.
func CountDropped() { inc(MessagesDropped) }

// CountFallbackDemotion increments the push-to-poll demotion counter.
func CountFallbackDemotion() { inc(FallbackDemotions) }

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
