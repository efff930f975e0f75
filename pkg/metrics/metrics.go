// Package metrics exposes Prometheus instrumentation for the simulator engine.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be constructed without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metrics collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "simbridge").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for round-trip duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the metrics collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the round-trip histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "simbridge",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the engine collectors.
type Metrics struct {
	eventsTotal       *prometheus.CounterVec
	connectAttempts   *prometheus.CounterVec
	disconnectsTotal  *prometheus.CounterVec
	backoffDelay      prometheus.Histogram
	roundTripDuration *prometheus.HistogramVec
	stepsTotal        prometheus.Counter
	heartbeatsTotal   *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	episodesTotal     prometheus.Counter
}

// New creates and registers the collectors. Registering twice on the same
// registry panics, as with promauto.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Buckets == nil {
		config.Buckets = prometheus.DefBuckets
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of simulator events delivered, by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connect_attempts_total",
			Help:        "Total number of connection attempts, by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		disconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "disconnects_total",
			Help:        "Total number of disconnects, by classification",
			ConstLabels: config.ConstLabels,
		}, []string{"class"}),

		backoffDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "backoff_delay_seconds",
			Help:        "Delay slept before reconnect attempts",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		roundTripDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "round_trip_duration_seconds",
			Help:        "Duration of send/receive round trips, by received phase",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"phase"}),

		stepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "steps_total",
			Help:        "Total number of simulation steps received",
			ConstLabels: config.ConstLabels,
		}),

		heartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeats_total",
			Help:        "Total number of heartbeat pings, by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Total number of messages sent, by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Total number of messages received, by phase",
			ConstLabels: config.ConstLabels,
		}, []string{"phase"}),

		episodesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "episodes_total",
			Help:        "Total number of episodes started",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Result labels for connection attempts and heartbeats.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Disconnect classes.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
)

// RecordEvent counts a delivered event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordConnect counts a connection attempt.
func (m *Metrics) RecordConnect(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connectAttempts.WithLabelValues(ResultFailure).Inc()
		return
	}
	m.connectAttempts.WithLabelValues(ResultSuccess).Inc()
}

// RecordDisconnect counts a disconnect with its classification.
func (m *Metrics) RecordDisconnect(permanent bool) {
	if m == nil {
		return
	}
	class := ClassTransient
	if permanent {
		class = ClassPermanent
	}
	m.disconnectsTotal.WithLabelValues(class).Inc()
}

// RecordBackoff observes a reconnect delay.
func (m *Metrics) RecordBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.backoffDelay.Observe(d.Seconds())
}

// RecordRoundTrip observes a round trip ending in the given phase.
func (m *Metrics) RecordRoundTrip(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundTripDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordSteps counts received simulation steps.
func (m *Metrics) RecordSteps(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stepsTotal.Add(float64(n))
}

// RecordHeartbeat counts a heartbeat ping.
func (m *Metrics) RecordHeartbeat(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.heartbeatsTotal.WithLabelValues(ResultFailure).Inc()
		return
	}
	m.heartbeatsTotal.WithLabelValues(ResultSuccess).Inc()
}

// RecordSent counts an outgoing message.
func (m *Metrics) RecordSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// RecordReceived counts an incoming message.
func (m *Metrics) RecordReceived(phase string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(phase).Inc()
}

// RecordEpisode counts a started episode.
func (m *Metrics) RecordEpisode() {
	if m == nil {
		return
	}
	m.episodesTotal.Inc()
}
