// Package monitoring exposes the prometheus metrics of the query service.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpserve_queries_total",
			Help: "Terminal dispositions of production queries",
		},
		[]string{"library", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dpserve_query_duration_seconds",
			Help:    "Wall time from admission to terminal disposition",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"library"},
	)

	EpsilonSpent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpserve_epsilon_spent_total",
			Help: "Epsilon debited, net of compensation",
		},
		[]string{"dataset"},
	)

	DeltaSpent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpserve_delta_spent_total",
			Help: "Delta debited, net of compensation",
		},
		[]string{"dataset"},
	)

	InflightQueries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dpserve_inflight_queries",
			Help: "Production queries admitted but not yet terminal",
		},
	)

	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpserve_rejections_total",
			Help: "Queries refused before any budget debit",
		},
		[]string{"library", "kind"},
	)

	CASRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dpserve_budget_cas_retries_total",
			Help: "Budget debit retries after a version conflict",
		},
	)

	DummyQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpserve_dummy_queries_total",
			Help: "Dummy query executions, which never touch budgets",
		},
		[]string{"library"},
	)
)
