package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "connections_active",
		Help:      "Live client connections",
	})

	// admissionsDenied counts refused handshakes.
	// Labels: reason (connection_limit, attempt_limit)
	admissionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "admissions_denied_total",
		Help:      "Client connections refused by the quota tracker",
	}, []string{"reason"})

	// eventsTotal counts inbound events by type.
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "events_total",
		Help:      "Inbound client events by type",
	}, []string{"type"})

	// eventErrors counts gate failures reported to clients.
	// Labels: type (inbound event), code (error code)
	eventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "event_errors_total",
		Help:      "Inbound events rejected with a typed error",
	}, []string{"type", "code"})

	typingDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "typing_dropped_total",
		Help:      "Typing events silently dropped by the rate limiter",
	})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "broadcasts_total",
		Help:      "Room broadcasts by event type",
	}, []string{"type"})

	deliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "deliveries_total",
		Help:      "Frames queued to room members by broadcasts",
	})

	slowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "slow_consumers_total",
		Help:      "Connections dropped because their send queue was full",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "router",
		Name:      "messages_total",
		Help:      "Chat messages admitted to session rooms",
	}, []string{"type"})
)
