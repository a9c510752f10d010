// Package metrics provides Prometheus metrics for the session core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vera_client"

// Metrics holds all collectors used by the session core.
type Metrics struct {
	// Link
	LinkState         prometheus.Gauge
	LinkConnects      *prometheus.CounterVec
	EnvelopesReceived *prometheus.CounterVec
	RequestsSent      prometheus.Counter

	// Turns
	TurnsCompleted     prometheus.Counter
	TurnsAborted       prometheus.Counter
	TurnDivergence     prometheus.Counter
	ProtocolViolations prometheus.Counter
	SendsRejected      *prometheus.CounterVec

	// Calls
	CallsStarted prometheus.Counter
	CallsEnded   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Capture and playback
	RecognitionRestarts prometheus.Counter
	RecognitionErrors   prometheus.Counter
	PlaybackStarted     prometheus.Counter
	PlaybackFailures    prometheus.Counter

	// Persistence
	HistoryLoads    *prometheus.CounterVec
	TranscriptSaves *prometheus.CounterVec
	PublishLatency  prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LinkState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "Streaming link state (0 disconnected, 1 connecting, 2 connected)",
		}),
		LinkConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_connects_total",
			Help:      "Connect attempts by outcome",
		}, []string{"outcome"}),
		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Inbound envelopes by type",
		}, []string{"type"}),
		RequestsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Outbound user messages written to the link",
		}),
		TurnsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Assistant turns finalized by a complete envelope",
		}),
		TurnsAborted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_aborted_total",
			Help:      "Assistant turns aborted by an upstream error",
		}),
		TurnDivergence: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_divergence_total",
			Help:      "Turns whose streamed chunks differ from the final text",
		}),
		ProtocolViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Envelopes ignored because they violate the stream protocol",
		}),
		SendsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_rejected_total",
			Help:      "User sends refused before reaching the link",
		}, []string{"reason"}),
		CallsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Voice calls started",
		}),
		CallsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Voice calls ended by reason",
		}, []string{"reason"}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Elapsed call time at teardown",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 240, 300},
		}),
		RecognitionRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_restarts_total",
			Help:      "Recognizer re-activations after an end of session",
		}),
		RecognitionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Recognizer errors that terminated a call",
		}),
		PlaybackStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_started_total",
			Help:      "Audio clips handed to the player",
		}),
		PlaybackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_failures_total",
			Help:      "Audio clips the player rejected",
		}),
		HistoryLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_loads_total",
			Help:      "History fetches by outcome",
		}, []string{"outcome"}),
		TranscriptSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_saves_total",
			Help:      "Transcript entries handed to persistence by sink and outcome",
		}, []string{"sink", "outcome"}),
		PublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Transcript sink publish latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NewUnregistered builds collectors on a private registry, for tests and tools.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordSave counts one persistence attempt.
func (m *Metrics) RecordSave(sink string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TranscriptSaves.WithLabelValues(sink, outcome).Inc()
	m.PublishLatency.Observe(elapsed.Seconds())
}

// RecordCallEnd counts a call teardown.
func (m *Metrics) RecordCallEnd(reason string, elapsedSeconds int) {
	m.CallsEnded.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(float64(elapsedSeconds))
}
