package engine

import (
	"log/slog"

	"github.com/simbridge-dev/simbridge/pkg/connection"
	"github.com/simbridge-dev/simbridge/pkg/metrics"
	"github.com/simbridge-dev/simbridge/pkg/recorder"
)

// DefaultTracerName is the OpenTelemetry tracer used for round-trip spans.
const DefaultTracerName = "simbridge"

type options struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracerName string
	dialer     connection.Dialer
	connOpts   []connection.Option
	recorder   *recorder.Recorder
	uploader   recorder.Uploader
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerName sets the tracer name (default: "simbridge"). Spans use the
// global OpenTelemetry tracer provider.
func WithTracerName(name string) Option {
	return func(o *options) {
		o.tracerName = name
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d connection.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithConnectionOptions passes options through to the connection manager.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// WithRecorder records every step to r instead of the record file named by
// the config. The engine closes r on Close.
func WithRecorder(r *recorder.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithRecordUploader uploads the record file created from the config when
// the engine is closed.
func WithRecordUploader(u recorder.Uploader) Option {
	return func(o *options) {
		o.uploader = u
	}
}
