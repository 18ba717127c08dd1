// Package metrics holds the prometheus collectors for a live audio session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Audio pipeline
	MicBuffers    prometheus.Counter
	PlayedBuffers prometheus.Counter
	DroppedPlays  prometheus.Counter
	Rebuilds      prometheus.Counter
	RebuildErrors prometheus.Counter
	RouteChanges  *prometheus.CounterVec
	MicBacklog    prometheus.Gauge

	// Model session
	Connections    prometheus.Counter
	SessionErrors  prometheus.Counter
	ServerMessages *prometheus.CounterVec
	ToolCalls      *prometheus.CounterVec
	AudioSentBytes prometheus.Counter
	AudioRecvBytes prometheus.Counter
	SessionSeconds prometheus.Histogram
	Connected      prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		MicBuffers: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_mic_buffers_total",
			Help: "Microphone buffers converted and forwarded",
		}),
		PlayedBuffers: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_played_buffers_total",
			Help: "Model audio buffers scheduled for playback",
		}),
		DroppedPlays: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_dropped_plays_total",
			Help: "Playback requests dropped because output was disabled or the engine was not running",
		}),
		Rebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_graph_rebuilds_total",
			Help: "Audio engine graph rebuilds",
		}),
		RebuildErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_graph_rebuild_errors_total",
			Help: "Audio engine graph rebuilds that failed",
		}),
		RouteChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveaudio_route_changes_total",
			Help: "Audio route changes by reason",
		}, []string{"reason"}),
		MicBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "liveaudio_mic_backlog_buffers",
			Help: "Converted microphone buffers waiting for the consumer",
		}),

		Connections: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_connections_total",
			Help: "Model sessions opened",
		}),
		SessionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_session_errors_total",
			Help: "Model sessions torn down by an error",
		}),
		ServerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveaudio_server_messages_total",
			Help: "Server messages received by kind",
		}, []string{"kind"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "liveaudio_tool_calls_total",
			Help: "Function calls requested by the model",
		}, []string{"name"}),
		AudioSentBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_audio_sent_bytes_total",
			Help: "PCM bytes sent to the model",
		}),
		AudioRecvBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "liveaudio_audio_received_bytes_total",
			Help: "PCM bytes received from the model",
		}),
		SessionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "liveaudio_session_duration_seconds",
			Help:    "Length of model sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "liveaudio_connected",
			Help: "1 while a model session is connected",
		}),
	}
}

// Discard returns collectors registered nowhere, for callers that don't
// export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
