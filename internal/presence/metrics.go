// internal/presence/metrics.go

package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rosterFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_roster_fetches_total",
			Help: "Member list fetches by result",
		},
		[]string{"result"},
	)

	trackedScopes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_tracked_scopes",
			Help: "Servers with at least one roster subscriber",
		},
	)

	heartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_heartbeats_total",
			Help: "Member heartbeats recorded",
		},
	)
)
