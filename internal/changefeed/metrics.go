package changefeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_state_transitions_total",
			Help: "Subscription state transitions",
		},
		[]string{"table", "state"},
	)

	eventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_events_total",
			Help: "Events queued for subscribers",
		},
		[]string{"table", "kind"},
	)

	snapshotFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_snapshot_fetches_total",
			Help: "Snapshot fetches by trigger and result",
		},
		[]string{"table", "trigger", "result"},
	)

	activeSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changefeed_active_subscriptions",
			Help: "Open subscription handles",
		},
		[]string{"table"},
	)
)
