package syncer

import "github.com/prometheus/client_golang/prometheus"

var (
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chirp_sync_sends_total",
			Help: "Total number of message send attempts by outcome.",
		},
		[]string{"outcome"},
	)
	snapshotTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_sync_snapshot_ticks_total",
			Help: "Total number of snapshot fallback pages applied.",
		},
	)
	staleSnapshotDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chirp_sync_stale_snapshot_drops_total",
			Help: "Total number of snapshot ticks dropped after teardown.",
		},
	)
)

func init() {
	prometheus.MustRegister(sendsTotal, snapshotTicksTotal, staleSnapshotDropsTotal)
}
