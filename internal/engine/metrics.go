package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// solveReqs counts completed solves by terminal error code ("ok" for
	// successes). Cardinality is bounded by the fixed code set.
	solveReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solve_requests_total",
			Help: "Total number of solve requests by outcome code.",
		},
		[]string{"code"},
	)

	// solveSkips counts candidates skipped inside the per-candidate loop,
	// by skip reason (profile_busy, container_busy, profile_blocked, ...).
	solveSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solve_candidate_skips_total",
			Help: "Candidates skipped during solve routing, by reason.",
		},
		[]string{"reason"},
	)

	// solveDur records end-to-end solve duration. Buckets reach into
	// minutes because a solve waits on a live browser interaction.
	solveDur = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solve_duration_seconds",
			Help:    "End-to-end duration of solve requests in seconds.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(solveReqs, solveSkips, solveDur)
}

func observeSolve(code string, start time.Time) {
	if code == "" {
		code = "ok"
	}
	solveReqs.WithLabelValues(code).Inc()
	solveDur.Observe(time.Since(start).Seconds())
}
