// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the prometheus collectors exposed on each
// family's admin mux, mirroring the teacher's extproc admin server
// (cmd/extproc/mainlib/admin.go) but scoped to this proxy's pipeline
// stages instead of Envoy's gRPC filter chain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors one Pipeline records into. Each
// family constructs its own Registry against its own
// prometheus.Registerer so that the three admin muxes never share
// label cardinality.
type Registry struct {
	Registerer *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	UpstreamFailures *prometheus.CounterVec
	RateLimitWaits   *prometheus.HistogramVec
	UsageTokens      *prometheus.CounterVec
}

// New constructs a Registry and registers every collector against a
// fresh prometheus.Registry scoped to family.
func New(family string) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		Registerer: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clproxy",
			Name:      "requests_total",
			Help:      "Total requests handled by the pipeline, labeled by channel and outcome status.",
			ConstLabels: prometheus.Labels{"family": family},
		}, []string{"channel", "status"}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clproxy",
			Name:      "upstream_failures_total",
			Help:      "Upstream 5xx responses and transport errors that count against FailureTracker.",
			ConstLabels: prometheus.Labels{"family": family},
		}, []string{"channel"}),
		RateLimitWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clproxy",
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent blocked in RateLimiter.Admit before proceeding or being cancelled.",
			ConstLabels: prometheus.Labels{"family": family},
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		UsageTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clproxy",
			Name:      "usage_tokens_total",
			Help:      "Tokens accounted by UsageParser, labeled by channel and token kind.",
			ConstLabels: prometheus.Labels{"family": family},
		}, []string{"channel", "kind"}),
	}
	reg.MustRegister(r.RequestsTotal, r.UpstreamFailures, r.RateLimitWaits, r.UsageTokens)
	return r
}

// ObserveUsage records one request's UsageMetrics split by kind, used
// after pipeline.stream finalizes a request's usageparse.Metrics.
func (r *Registry) ObserveUsage(channel string, input, cachedCreate, cachedRead, output, reasoning int) {
	r.UsageTokens.WithLabelValues(channel, "input").Add(float64(input))
	r.UsageTokens.WithLabelValues(channel, "cached_create").Add(float64(cachedCreate))
	r.UsageTokens.WithLabelValues(channel, "cached_read").Add(float64(cachedRead))
	r.UsageTokens.WithLabelValues(channel, "output").Add(float64(output))
	r.UsageTokens.WithLabelValues(channel, "reasoning").Add(float64(reasoning))
}
