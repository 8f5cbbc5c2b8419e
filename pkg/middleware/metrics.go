// Package middleware provides command middleware for the live layer:
// Prometheus metrics and OpenTelemetry tracing around every client
// command, plus recording hooks for connection lifecycle events.
package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jamlink-dev/jamlink/pkg/live"
	"github.com/jamlink-dev/jamlink/pkg/protocol"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "jamlink").
	Namespace string

	// Subsystem is the metrics subsystem (default: "live").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for command duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "jamlink",
		Subsystem: "live",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus instruments.
type metrics struct {
	commandsTotal        *prometheus.CounterVec
	commandDuration      *prometheus.HistogramVec
	commandErrors        *prometheus.CounterVec
	activeConnections    prometheus.Gauge
	suspendedConnections prometheus.Gauge
	resumesTotal         prometheus.Counter
	expiredTickets       prometheus.Counter
	deliveryDrops        prometheus.Counter
	handshakeRefusals    *prometheus.CounterVec
}

// globalMetrics is the singleton instrument set, created on first call
// to Prometheus().
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "commands_total",
			Help:        "Total client commands processed, by event type and status",
			ConstLabels: config.ConstLabels,
		}, []string{"event", "status"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "command_duration_seconds",
			Help:        "Command processing duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"event"}),

		commandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "command_errors_total",
			Help:        "Total command rejections, by event type and error code",
			ConstLabels: config.ConstLabels,
		}, []string{"event", "code"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of active WebSocket connections",
			ConstLabels: config.ConstLabels,
		}),

		suspendedConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "suspended_connections",
			Help:        "Number of suspended (disconnected but resumable) connections",
			ConstLabels: config.ConstLabels,
		}),

		resumesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "resumes_total",
			Help:        "Total connections resumed within the recovery window",
			ConstLabels: config.ConstLabels,
		}),

		expiredTickets: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "expired_recovery_tickets_total",
			Help:        "Total recovery tickets that expired without a resume",
			ConstLabels: config.ConstLabels,
		}),

		deliveryDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "delivery_drops_total",
			Help:        "Total broadcast deliveries dropped on unwritable transports",
			ConstLabels: config.ConstLabels,
		}),

		handshakeRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshake_refusals_total",
			Help:        "Total refused connection handshakes, by error code",
			ConstLabels: config.ConstLabels,
		}, []string{"code"}),
	}
}

// Prometheus creates command middleware that collects Prometheus
// metrics for every client command.
//
// Example:
//
//	srv.Coordinator().Use(middleware.Prometheus())
//	srv.SetMetricsHandler(promhttp.Handler())
func Prometheus(opts ...MetricsOption) live.Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(next live.Handler) live.Handler {
		return func(ctx context.Context, c *live.Connection, ev *protocol.ClientEvent) error {
			start := time.Now()
			err := next(ctx, c, ev)
			m.commandDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())

			status := "success"
			if err != nil {
				status = "error"
				m.commandErrors.WithLabelValues(ev.Type, errorCode(err)).Inc()
			}
			m.commandsTotal.WithLabelValues(ev.Type, status).Inc()

			return err
		}
	}
}

// errorCode maps a command error onto a bounded label value. Wire
// error codes are a small fixed set, so they are safe as labels.
func errorCode(err error) string {
	var cmdErr *live.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	return "internal"
}

// Recording hooks. Each is a no-op until Prometheus() has been called.

// RecordConnect records an established connection.
func RecordConnect() {
	if globalMetrics != nil {
		globalMetrics.activeConnections.Inc()
	}
}

// RecordDisconnect records a finalized connection.
func RecordDisconnect() {
	if globalMetrics != nil {
		globalMetrics.activeConnections.Dec()
	}
}

// RecordSuspend records a connection entering the recovery window.
func RecordSuspend() {
	if globalMetrics != nil {
		globalMetrics.activeConnections.Dec()
		globalMetrics.suspendedConnections.Inc()
	}
}

// RecordResume records a connection resumed within the window.
func RecordResume() {
	if globalMetrics != nil {
		globalMetrics.suspendedConnections.Dec()
		globalMetrics.activeConnections.Inc()
		globalMetrics.resumesTotal.Inc()
	}
}

// RecordTicketExpired records a recovery window elapsing unresumed.
func RecordTicketExpired() {
	if globalMetrics != nil {
		globalMetrics.suspendedConnections.Dec()
		globalMetrics.expiredTickets.Inc()
	}
}

// RecordDeliveryDrop records a broadcast dropped for one recipient.
func RecordDeliveryDrop() {
	if globalMetrics != nil {
		globalMetrics.deliveryDrops.Inc()
	}
}

// RecordHandshakeRefusal records a refused handshake.
func RecordHandshakeRefusal(code string) {
	if globalMetrics != nil {
		globalMetrics.handshakeRefusals.WithLabelValues(code).Inc()
	}
}
