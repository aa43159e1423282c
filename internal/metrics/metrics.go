// Package metrics holds the Prometheus collectors of the settlement service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors registered on one registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SweepOutcomes       *prometheus.CounterVec
	SweepBatchDuration  prometheus.Histogram
	SweptLamports       *prometheus.CounterVec
	ClaimOutcomes       *prometheus.CounterVec
	ClaimedAmount       *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WorkerRuns          *prometheus.CounterVec
	RPCCredits          *prometheus.CounterVec
	RPCThrottles        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SweepOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_sweep_outcomes_total",
				Help: "Fee source sweep results by action",
			},
			[]string{"action"},
		),
		SweepBatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reward_settlement_sweep_batch_duration_seconds",
				Help:    "Duration of fee-sweep batches",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
			},
		),
		SweptLamports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_swept_lamports_total",
				Help: "Lamports moved by sweeps, by destination",
			},
			[]string{"destination"},
		),
		ClaimOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_claim_outcomes_total",
				Help: "Claim prepare and settle results",
			},
			[]string{"phase", "outcome"},
		),
		ClaimedAmount: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_claimed_amount_total",
				Help: "Smallest units paid out to claimants, by asset type",
			},
			[]string{"asset"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reward_settlement_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		WorkerRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_worker_runs_total",
				Help: "Background loop iterations by worker and status",
			},
			[]string{"worker", "status"},
		),
		RPCCredits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_rpc_credits_total",
				Help: "RPC credits spent from the shared budget, by method and priority",
			},
			[]string{"method", "priority"},
		),
		RPCThrottles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reward_settlement_rpc_throttles_total",
				Help: "RPC calls delayed because the credit pool was exhausted",
			},
			[]string{"priority"},
		),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Sweep records one fee source result
func (m *Metrics) Sweep(action string) {
	if m == nil {
		return
	}
	m.SweepOutcomes.WithLabelValues(action).Inc()
}

// SweepBatch records a finished batch
func (m *Metrics) SweepBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepBatchDuration.Observe(d.Seconds())
}

// Swept records lamports moved to destination (escrow or creator)
func (m *Metrics) Swept(destination string, lamports uint64) {
	if m == nil || lamports == 0 {
		return
	}
	m.SweptLamports.WithLabelValues(destination).Add(float64(lamports))
}

// Claim records a prepare or settle outcome
func (m *Metrics) Claim(phase, outcome string) {
	if m == nil {
		return
	}
	m.ClaimOutcomes.WithLabelValues(phase, outcome).Inc()
}

// Claimed records a confirmed payout
func (m *Metrics) Claimed(asset string, amount uint64) {
	if m == nil {
		return
	}
	m.ClaimedAmount.WithLabelValues(asset).Add(float64(amount))
}

// Request records one served HTTP request
func (m *Metrics) Request(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// WorkerRun records one background loop iteration
func (m *Metrics) WorkerRun(worker string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.WorkerRuns.WithLabelValues(worker, status).Inc()
}

// RPCSpend records credits granted to one RPC call
func (m *Metrics) RPCSpend(method, priority string, credits int) {
	if m == nil {
		return
	}
	m.RPCCredits.WithLabelValues(method, priority).Add(float64(credits))
}

// RPCThrottle records one denied credit request
func (m *Metrics) RPCThrottle(priority string) {
	if m == nil {
		return
	}
	m.RPCThrottles.WithLabelValues(priority).Inc()
}
