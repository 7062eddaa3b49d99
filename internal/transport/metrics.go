package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	connectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_transport_connects_total",
			Help: "Total number of successful transport connections.",
		},
	)
	reconnectsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_transport_reconnects_scheduled_total",
			Help: "Total number of reconnect attempts scheduled.",
		},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chirp_transport_frames_total",
			Help: "Total number of inbound frames by wire event type.",
		},
		[]string{"type"},
	)
	malformedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_transport_malformed_frames_total",
			Help: "Total number of inbound frames dropped as malformed.",
		},
	)
	droppedSendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_transport_dropped_sends_total",
			Help: "Total number of outbound events dropped while disconnected.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		connectsTotal,
		reconnectsScheduledTotal,
		framesTotal,
		malformedFramesTotal,
		droppedSendsTotal,
	)
}
