// Package metrics defines the Prometheus instruments shared across the
// repo.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presale"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	RPCFailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_failovers_total",
		Help:      "Times the RPC endpoint pool rotated away from a rate-limited endpoint.",
	})

	ChainScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_scans_total",
		Help:      "Treasury history scans, by outcome.",
	}, []string{"outcome"})

	DistributionJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distribution_jobs_total",
		Help:      "Distribution jobs started, by terminal state.",
	}, []string{"state"})

	DistributionTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distribution_transfers_total",
		Help:      "Token transfers attempted by the distribution driver, by outcome.",
	}, []string{"outcome"})

	DistributionTokensSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distribution_tokens_sent_total",
		Help:      "Whole tokens paid out by confirmed transfers.",
	})
)
