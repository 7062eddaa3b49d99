package unread

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	updatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chirp_unread_updates_total",
		Help: "Conversation list updates processed by the unread aggregator.",
	})
	profileFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_unread_profile_fetches_total",
		Help: "Counterpart profile fetches by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(updatesTotal, profileFetchesTotal)
}
