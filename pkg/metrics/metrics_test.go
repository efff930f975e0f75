package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(WithRegistry(reg), WithNamespace("test")), reg
}

func TestCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEvent("Simulate")
	m.RecordEvent("Simulate")
	m.RecordEvent("NoOp")
	m.RecordConnect(nil)
	m.RecordConnect(errors.New("refused"))
	m.RecordConnect(errors.New("refused"))
	m.RecordDisconnect(false)
	m.RecordDisconnect(true)
	m.RecordSteps(5)
	m.RecordSteps(0)
	m.RecordHeartbeat(nil)
	m.RecordSent("State")
	m.RecordReceived("Prediction")
	m.RecordEpisode()

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"simulate events", m.eventsTotal.WithLabelValues("Simulate"), 2},
		{"noop events", m.eventsTotal.WithLabelValues("NoOp"), 1},
		{"connect success", m.connectAttempts.WithLabelValues(ResultSuccess), 1},
		{"connect failure", m.connectAttempts.WithLabelValues(ResultFailure), 2},
		{"transient", m.disconnectsTotal.WithLabelValues(ClassTransient), 1},
		{"permanent", m.disconnectsTotal.WithLabelValues(ClassPermanent), 1},
		{"steps", m.stepsTotal, 5},
		{"heartbeats", m.heartbeatsTotal.WithLabelValues(ResultSuccess), 1},
		{"sent", m.messagesSent.WithLabelValues("State"), 1},
		{"received", m.messagesReceived.WithLabelValues("Prediction"), 1},
		{"episodes", m.episodesTotal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHistograms(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordBackoff(100 * time.Millisecond)
	m.RecordRoundTrip("Prediction", 5*time.Millisecond)

	n, err := testutil.GatherAndCount(reg, "test_backoff_delay_seconds", "test_round_trip_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("series = %d, want 2", n)
	}

	expected := `
# HELP test_steps_total Total number of simulation steps received
# TYPE test_steps_total counter
test_steps_total 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_steps_total"); err != nil {
		t.Error(err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordEvent("Simulate")
	m.RecordConnect(nil)
	m.RecordDisconnect(true)
	m.RecordBackoff(time.Second)
	m.RecordRoundTrip("Start", time.Second)
	m.RecordSteps(1)
	m.RecordHeartbeat(nil)
	m.RecordSent("Ready")
	m.RecordReceived("Start")
	m.RecordEpisode()
}
