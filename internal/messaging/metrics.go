// internal/messaging/metrics.go

package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_sends_total",
			Help: "Send attempts by outcome",
		},
		[]string{"result"},
	)

	reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_reconciliations_total",
			Help: "How confirmed rows were merged into conversations",
		},
		[]string{"path"},
	)

	uploadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_attachment_failures_total",
			Help: "Attachment uploads that failed",
		},
	)

	openConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_open_conversations",
			Help: "Conversations currently held in memory",
		},
	)

	wsConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_websocket_connections",
			Help: "Connected websocket clients",
		},
	)
)
