package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "health",
		Name:      "connections",
		Help:      "Connections probed in the last sweep by outcome",
	}, []string{"outcome"})

	poolLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "health",
		Name:      "avg_rtt_seconds",
		Help:      "Average round-trip time of healthy connections in the last sweep",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "health",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one health sweep",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)

func observeSweep(snap Snapshot, took time.Duration) {
	poolConnections.WithLabelValues("healthy").Set(float64(snap.Healthy))
	poolConnections.WithLabelValues("unhealthy").Set(float64(snap.Unhealthy))
	poolLatency.Set(snap.AvgLatency.Seconds())
	sweepDuration.Observe(took.Seconds())
}
