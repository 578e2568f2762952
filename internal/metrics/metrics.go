// Package metrics holds the Prometheus instruments shared by the server
// services. Everything is registered on the default registry and served from
// the /metrics endpoint in the server main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantora_connected_clients",
		Help: "Currently connected WebSocket clients.",
	})

	PendingEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plantora_pending_entries",
		Help: "Outstanding device-bound requests per command family.",
	}, []string{"family"})

	SweptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantora_swept_entries_total",
		Help: "Pending entries purged unresolved by the sweeper.",
	}, []string{"family"})

	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantora_device_commands_total",
		Help: "Commands transmitted to the device, by kind and outcome.",
	}, []string{"kind", "outcome"})

	DeviceReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantora_device_replies_total",
		Help: "Replies received from the device, by kind.",
	}, []string{"kind"})

	BroadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantora_broadcasts_delivered_total",
		Help: "Garden events delivered to member connections.",
	})
)
