// Package metrics provides Prometheus metrics collection for the call
// orchestrator loops
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CallMetrics tracks orchestrator activity and syncs with Prometheus
type CallMetrics struct {
	polls        int64
	pollErrors   int64
	surfaced     int64
	suppressed   int64
	transitions  int64
	signalingOps int64
	mu           sync.RWMutex
}

// NewCallMetrics creates a new metrics collector
func NewCallMetrics() *CallMetrics {
	return &CallMetrics{}
}

// RecordPoll records one completed incoming-call poll
func (cm *CallMetrics) RecordPoll() {
	cm.mu.Lock()
	cm.polls++
	cm.mu.Unlock()
	pollCycles.WithLabelValues("ok").Inc()
}

// RecordPollError records a failed poll
func (cm *CallMetrics) RecordPollError() {
	cm.mu.Lock()
	cm.pollErrors++
	cm.mu.Unlock()
	pollCycles.WithLabelValues("error").Inc()
}

// RecordPollSkipped records a tick that issued no request
func (cm *CallMetrics) RecordPollSkipped(reason string) {
	pollSkipped.WithLabelValues(reason).Inc()
}

// UpdateBackoff updates the poll backoff gauges
func (cm *CallMetrics) UpdateBackoff(consecutiveErrors int, multiplier float64) {
	pollConsecutiveErrors.Set(float64(consecutiveErrors))
	pollBackoffMultiplier.Set(multiplier)
}

// RecordSurfaced records an invitation handed to the state machine
func (cm *CallMetrics) RecordSurfaced() {
	cm.mu.Lock()
	cm.surfaced++
	cm.mu.Unlock()
	incomingCalls.WithLabelValues("surfaced").Inc()
}

// RecordSuppressed records an invitation filtered as an echo
func (cm *CallMetrics) RecordSuppressed(reason string) {
	cm.mu.Lock()
	cm.suppressed++
	cm.mu.Unlock()
	incomingCalls.WithLabelValues("suppressed_" + reason).Inc()
}

// RecordTransition records one call state change
func (cm *CallMetrics) RecordTransition(from, to string) {
	cm.mu.Lock()
	cm.transitions++
	cm.mu.Unlock()
	callTransitions.WithLabelValues(from, to).Inc()
}

// RecordHandoffDuration records how long a teardown or join phase took
func (cm *CallMetrics) RecordHandoffDuration(phase string, duration time.Duration) {
	handoffDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordSignalingDuration records one signaling round trip
func (cm *CallMetrics) RecordSignalingDuration(op string, duration time.Duration) {
	cm.mu.Lock()
	cm.signalingOps++
	cm.mu.Unlock()
	signalingDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// GetSnapshot returns a snapshot of current metrics
func (cm *CallMetrics) GetSnapshot() map[string]int64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return map[string]int64{
		"polls":         cm.polls,
		"poll_errors":   cm.pollErrors,
		"surfaced":      cm.surfaced,
		"suppressed":    cm.suppressed,
		"transitions":   cm.transitions,
		"signaling_ops": cm.signalingOps,
	}
}

// Reset clears all metrics (useful for testing)
func (cm *CallMetrics) Reset() {
	cm.mu.Lock()
	cm.polls = 0
	cm.pollErrors = 0
	cm.surfaced = 0
	cm.suppressed = 0
	cm.transitions = 0
	cm.signalingOps = 0
	cm.mu.Unlock()
}

var registerOnce sync.Once

// Register registers all collectors with the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			pollCycles,
			pollSkipped,
			pollConsecutiveErrors,
			pollBackoffMultiplier,
			incomingCalls,
			callTransitions,
			handoffDuration,
			signalingDuration,
		)
	})
}

// Handler returns the HTTP handler exposing the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	// Counter metrics
	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callkit_poll_cycles_total",
			Help: "Total number of incoming-call poll requests by result",
		},
		[]string{"result"},
	)

	pollSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callkit_poll_skipped_total",
			Help: "Total number of poll ticks that issued no request",
		},
		[]string{"reason"},
	)

	incomingCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callkit_incoming_calls_total",
			Help: "Total number of reported incoming calls by outcome",
		},
		[]string{"outcome"},
	)

	callTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callkit_call_transitions_total",
			Help: "Total number of call state transitions",
		},
		[]string{"from", "to"},
	)

	// Gauge metrics
	pollConsecutiveErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callkit_poll_consecutive_errors",
			Help: "Current consecutive poll error count",
		},
	)

	pollBackoffMultiplier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callkit_poll_backoff_multiplier",
			Help: "Current poll interval backoff multiplier",
		},
	)

	// Histogram metrics
	handoffDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callkit_handoff_duration_seconds",
			Help:    "Time spent in media session teardown and join phases",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"phase"},
	)

	signalingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callkit_signaling_duration_seconds",
			Help:    "Signaling request round-trip time by operation",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 4, 8},
		},
		[]string{"op"},
	)
)
