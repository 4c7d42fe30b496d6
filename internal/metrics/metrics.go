// Package metrics records conversation turn metrics for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicechat"

// Recorder holds the collectors for one process. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	turnsStarted      prometheus.Counter
	turnsCompleted    prometheus.Counter
	turnsCancelled    prometheus.Counter
	turnsFailed       prometheus.Counter
	speechChunks      prometheus.Counter
	framesSkipped     prometheus.Counter
	transcripts       *prometheus.CounterVec
	firstChunkLatency prometheus.Histogram
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		turnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Total number of turns admitted",
		}),
		turnsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_completed_total",
			Help:      "Total number of turns that finished generation and playback",
		}),
		turnsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_cancelled_total",
			Help:      "Total number of turns interrupted by a new utterance",
		}),
		turnsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_failed_total",
			Help:      "Total number of turns aborted by a backend error",
		}),
		speechChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_chunks_total",
			Help:      "Total number of text chunks handed to the synthesizer",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_skipped_total",
			Help:      "Total number of malformed stream frames skipped",
		}),
		transcripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Total number of transcripts received from speech recognition",
		}, []string{"final"}),
		firstChunkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_seconds",
			Help:      "Time from admitting an utterance to dispatching its first speech chunk",
			Buckets:   []float64{.1, .25, .5, .75, 1, 1.5, 2, 3, 5, 10},
		}),
	}
	reg.MustRegister(
		r.turnsStarted,
		r.turnsCompleted,
		r.turnsCancelled,
		r.turnsFailed,
		r.speechChunks,
		r.framesSkipped,
		r.transcripts,
		r.firstChunkLatency,
	)
	return r
}

func (r *Recorder) TurnStarted() {
	if r != nil {
		r.turnsStarted.Inc()
	}
}

func (r *Recorder) TurnCompleted() {
	if r != nil {
		r.turnsCompleted.Inc()
	}
}

func (r *Recorder) TurnCancelled() {
	if r != nil {
		r.turnsCancelled.Inc()
	}
}

func (r *Recorder) TurnFailed() {
	if r != nil {
		r.turnsFailed.Inc()
	}
}

func (r *Recorder) SpeechChunk() {
	if r != nil {
		r.speechChunks.Inc()
	}
}

func (r *Recorder) FrameSkipped() {
	if r != nil {
		r.framesSkipped.Inc()
	}
}

func (r *Recorder) Transcript(final bool) {
	if r == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	r.transcripts.WithLabelValues(label).Inc()
}

func (r *Recorder) FirstChunk(latency time.Duration) {
	if r != nil {
		r.firstChunkLatency.Observe(latency.Seconds())
	}
}
