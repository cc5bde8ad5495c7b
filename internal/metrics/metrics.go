// Package metrics implements core.Recorder on top of Prometheus counters
// and gauges, so internal/core stays free of any metrics-backend import.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
)

var (
	transmissionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_transmissions_started_total",
		Help: "Total number of transmissions started across all channels",
	})
	transmissionsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_transmissions_ended_total",
		Help: "Total number of transmissions ended across all channels",
	})
	chunksAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_chunks_accepted_total",
		Help: "Total number of audio chunks accepted",
	})
	chunksDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_chunks_duplicate_total",
		Help: "Total number of audio chunks treated as duplicates",
	})
	chunksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_chunks_rejected_total",
		Help: "Total number of audio chunks rejected, by reason",
	}, []string{"reason"})
	subscriberDroppedAudio = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_subscriber_dropped_audio_total",
		Help: "Total number of audio_chunk frames dropped from a subscriber's outbound queue",
	})
	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ptt_audit_dropped_total",
		Help: "Total number of audit records dropped instead of persisted",
	})
	activeTransmissions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_active_transmissions",
		Help: "Number of channels with an active transmission right now",
	})
	connectedParticipants = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ptt_connected_participants",
		Help: "Number of connected participants, by channel",
	}, []string{"channel_id"})
)

func init() {
	prometheus.MustRegister(
		transmissionsStarted,
		transmissionsEnded,
		chunksAccepted,
		chunksDuplicate,
		chunksRejected,
		subscriberDroppedAudio,
		auditDropped,
		activeTransmissions,
		connectedParticipants,
	)
}

// Handler returns the Prometheus scrape handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder implements core.Recorder on top of the package's Prometheus
// collectors. It holds no state of its own: every observation is forwarded
// straight to the relevant collector.
type Recorder struct{}

// NewRecorder returns a core.Recorder backed by Prometheus.
func NewRecorder() *Recorder { return &Recorder{} }

func (Recorder) TransmissionStarted() { transmissionsStarted.Inc() }
func (Recorder) TransmissionEnded()   { transmissionsEnded.Inc() }
func (Recorder) ChunkAccepted()       { chunksAccepted.Inc() }
func (Recorder) ChunkDuplicate()      { chunksDuplicate.Inc() }
func (Recorder) ChunkRejected(reason string) {
	chunksRejected.WithLabelValues(reason).Inc()
}
func (Recorder) SubscriberDroppedAudio() { subscriberDroppedAudio.Inc() }
func (Recorder) AuditDropped()           { auditDropped.Inc() }
func (Recorder) SetActiveTransmissions(n int) {
	activeTransmissions.Set(float64(n))
}
func (Recorder) SetConnectedParticipants(channelID string, n int) {
	connectedParticipants.WithLabelValues(channelID).Set(float64(n))
}

var _ core.Recorder = Recorder{}
