// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrooms",
		Name:      "active_sessions",
		Help:      "Live websocket sessions registered with the hub.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrooms",
		Name:      "events_published_total",
		Help:      "Events published to rooms, by kind.",
	}, []string{"kind"})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrooms",
		Name:      "delivery_failures_total",
		Help:      "Per-session deliveries skipped because the session was gone or lagging.",
	})

	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrooms",
		Name:      "messages_persisted_total",
		Help:      "Messages appended to the store, by entry point.",
	}, []string{"source"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrooms",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames not persisted, by reason.",
	}, []string{"reason"})
)
