package rateguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateguard_rejections_total",
			Help: "Sends rejected by the rate guard",
		},
		[]string{"reason"},
	)

	trackedSenders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rateguard_tracked_senders",
			Help: "Senders with rate state after the last sweep",
		},
	)

	coolingSenders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rateguard_cooling_senders",
			Help: "Senders serving a cooldown at the last sweep",
		},
	)
)
