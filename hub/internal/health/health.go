// Package health probes the live connection pool and classifies its health.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Target is one probeable connection.
type Target interface {
	ID() string
	// Ping sends a probe and blocks until the reply arrives or ctx is done,
	// returning the round-trip time.
	Ping(ctx context.Context) (time.Duration, error)
}

// Source lists the targets to probe on each sweep.
type Source interface {
	Targets() []Target
}

// Status is the pool-wide classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown" // no sweep has completed yet
)

// Snapshot is the aggregate result of one sweep.
type Snapshot struct {
	Total      int           `json:"total"`
	Healthy    int           `json:"healthy"`
	Unhealthy  int           `json:"unhealthy"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
	ProbedAt   time.Time     `json:"probed_at"`
}

// Options configures a Monitor. Zero values select the defaults.
type Options struct {
	Interval      time.Duration // default 30s
	Timeout       time.Duration // per probe, default 5s
	MaxConcurrent int           // default 64
}

// Monitor sweeps a Source on a fixed interval. Only the latest snapshot is
// retained.
type Monitor struct {
	source        Source
	interval      time.Duration
	timeout       time.Duration
	maxConcurrent int
	logger        *slog.Logger
	now           func() time.Time

	mu    sync.RWMutex
	last  Snapshot
	swept bool
}

// New creates a Monitor.
func New(source Source, opts Options, logger *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 64
	}
	return &Monitor{
		source:        source,
		interval:      opts.Interval,
		timeout:       opts.Timeout,
		maxConcurrent: opts.MaxConcurrent,
		logger:        logger.With("component", "health"),
		now:           time.Now,
	}
}

// Run sweeps immediately and then on every interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every target concurrently, each bounded by the probe timeout,
// and publishes the resulting snapshot.
func (m *Monitor) Sweep(ctx context.Context) Snapshot {
	start := m.now()
	targets := m.source.Targets()

	latencies := make([]time.Duration, len(targets))
	ok := make([]bool, len(targets))

	var g errgroup.Group
	g.SetLimit(m.maxConcurrent)
	for i, t := range targets {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			rtt, err := t.Ping(pctx)
			if err != nil {
				m.logger.Debug("probe failed", "conn_id", t.ID(), "error", err)
				return nil
			}
			latencies[i] = rtt
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	snap := Snapshot{Total: len(targets), ProbedAt: m.now()}
	var sum time.Duration
	for i := range targets {
		if ok[i] {
			snap.Healthy++
			sum += latencies[i]
		} else {
			snap.Unhealthy++
		}
	}
	if snap.Healthy > 0 {
		snap.AvgLatency = sum / time.Duration(snap.Healthy)
	}

	m.mu.Lock()
	m.last = snap
	m.swept = true
	m.mu.Unlock()

	observeSweep(snap, m.now().Sub(start))
	if snap.Unhealthy > 0 {
		m.logger.Info("health sweep", "total", snap.Total, "healthy", snap.Healthy,
			"unhealthy", snap.Unhealthy, "avg_latency", snap.AvgLatency)
	}
	return snap
}

// Snapshot returns the latest sweep result.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Status classifies the pool: unhealthy when more than half the probed
// connections failed, or when no sweep has completed within twice the
// interval.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	snap, swept := m.last, m.swept
	m.mu.RUnlock()

	if !swept {
		return StatusUnknown
	}
	if m.now().Sub(snap.ProbedAt) > 2*m.interval {
		return StatusUnhealthy
	}
	if snap.Unhealthy*2 > snap.Total {
		return StatusUnhealthy
	}
	return StatusHealthy
}
