// Package metrics provides Prometheus metrics for the capture and transcription pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meetscribe"

// Metrics holds all Prometheus metrics for the recorder.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsFailed  *prometheus.CounterVec
	SessionState    *prometheus.GaugeVec

	AudioBytesSent     prometheus.Counter
	AudioChunksSent    prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	ResamplerFailures  *prometheus.CounterVec
	SourcesDegraded    *prometheus.CounterVec
	TranscriptEvents   *prometheus.CounterVec
	TranscriptSegments prometheus.Gauge

	ChatRequests *prometheus.CounterVec
}

// New creates and registers all metrics on reg. A nil reg yields unregistered metrics,
// which keeps tests free of global registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of recording sessions that reached recording",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of recording sessions that ended in error",
		}, []string{"kind"}),
		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current controller state, 0 otherwise",
		}, []string{"state"}),
		AudioBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Canonical PCM bytes forwarded to the transcription backend",
		}),
		AudioChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Canonical PCM chunks forwarded to the transcription backend",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Capture frames dropped because the consumer was slow",
		}, []string{"source"}),
		ResamplerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resampler_failures_total",
			Help:      "Sources dropped because their format could not be converted",
		}, []string{"source"}),
		SourcesDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_degraded_total",
			Help:      "Capture sources skipped at session start",
		}, []string{"source", "kind"}),
		TranscriptEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Transcription events received by kind",
		}, []string{"kind"}),
		TranscriptSegments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcript_segments",
			Help:      "Committed transcript segments",
		}),
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat generations by outcome",
		}, []string{"outcome"}),
	}
}

// RecordState marks state as the only active state.
func (m *Metrics) RecordState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.SessionState.WithLabelValues(s).Set(value)
	}
}

// RecordAudioSent records one chunk forwarded to the backend.
func (m *Metrics) RecordAudioSent(bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesSent.Add(float64(bytes))
	m.AudioChunksSent.Inc()
}

// RecordFrameDropped records a dropped capture frame.
func (m *Metrics) RecordFrameDropped(source string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(source).Inc()
}

// RecordTranscriptEvent records a received partial or final event.
func (m *Metrics) RecordTranscriptEvent(partial bool) {
	if m == nil {
		return
	}
	kind := "final"
	if partial {
		kind = "partial"
	}
	m.TranscriptEvents.WithLabelValues(kind).Inc()
}

// RecordChat records the outcome of one chat generation.
func (m *Metrics) RecordChat(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
}

// RecordSessionFailed records a session that ended in the error state.
func (m *Metrics) RecordSessionFailed(kind string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(kind).Inc()
}

// RecordSourceDegraded records a capture source dropped from a session.
func (m *Metrics) RecordSourceDegraded(source, kind string) {
	if m == nil {
		return
	}
	m.SourcesDegraded.WithLabelValues(source, kind).Inc()
}

// RecordSegments sets the committed segment count.
func (m *Metrics) RecordSegments(n int) {
	if m == nil {
		return
	}
	m.TranscriptSegments.Set(float64(n))
}

// RecordSessionStarted records a session that reached recording.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordResamplerFailure records a source dropped because its format was unusable.
func (m *Metrics) RecordResamplerFailure(source string) {
	if m == nil {
		return
	}
	m.ResamplerFailures.WithLabelValues(source).Inc()
}
