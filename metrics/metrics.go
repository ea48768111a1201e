// Copyright 2025 The NodeBridge Authors
// This file is part of the nodebridge library.
//
// The nodebridge library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodebridge library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodebridge library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics records gateway usage: request counters and latency
// histograms tagged by tenant, key, method and endpoint class, plus the
// text-format exposition endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health gauge values exported per chain service class.
const (
	HealthUp   = 1
	HealthDown = 0
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	activeConnections prometheus.Gauge
	rpcRequests       *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	rateLimitHits     *prometheus.CounterVec
	dailyRequests     *prometheus.GaugeVec
	chainHealth       *prometheus.GaugeVec
}

// New creates the gateway collectors on a fresh registry, alongside the
// default process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_gateway_requests_total",
			Help: "Total HTTP requests handled by the gateway.",
		}, []string{"user_id", "api_key", "path", "method", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"user_id", "api_key", "path", "method"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpc_gateway_active_connections",
			Help: "Number of requests currently in flight.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total RPC requests forwarded upstream.",
		}, []string{"user_id", "api_key", "rpc_method", "endpoint_type"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_request_duration_seconds",
			Help:    "Upstream RPC round trip duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"user_id", "api_key", "rpc_method", "endpoint_type"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_gateway_rate_limit_hits_total",
			Help: "Requests rejected by the per-key rate limiter.",
		}, []string{"user_id", "api_key"}),
		dailyRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpc_gateway_user_daily_requests",
			Help: "Daily request counter per API key as of the last admission.",
		}, []string{"user_id", "api_key"}),
		chainHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpc_gateway_chain_health",
			Help: "Latest sampled health per chain and service class (1 healthy, 0 unhealthy).",
		}, []string{"chain", "service"}),
	}
	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.httpRequests, m.httpDuration, m.activeConnections,
		m.rpcRequests, m.rpcDuration, m.rateLimitHits,
		m.dailyRequests, m.chainHealth,
	)
	return m
}

// Handler returns the text-format exposition handler for GET /metrics.
// Compression is left to the server's gzip middleware.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{DisableCompression: true})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest counts one gateway request and observes its duration.
func (m *Metrics) RecordHTTPRequest(userID, apiKey, path, method string, status int, seconds float64) {
	m.httpRequests.WithLabelValues(userID, apiKey, path, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(userID, apiKey, path, method).Observe(seconds)
}

// RecordRPCRequest counts one forwarded RPC call and observes its upstream
// round trip time.
func (m *Metrics) RecordRPCRequest(userID, apiKey, rpcMethod, endpointType string, seconds float64) {
	m.rpcRequests.WithLabelValues(userID, apiKey, rpcMethod, endpointType).Inc()
	m.rpcDuration.WithLabelValues(userID, apiKey, rpcMethod, endpointType).Observe(seconds)
}

// RecordRateLimitHit counts one request rejected by the token bucket.
func (m *Metrics) RecordRateLimitHit(userID, apiKey string) {
	m.rateLimitHits.WithLabelValues(userID, apiKey).Inc()
}

// SetDailyRequests publishes the post-admission daily counter for a key.
func (m *Metrics) SetDailyRequests(userID, apiKey string, n int64) {
	m.dailyRequests.WithLabelValues(userID, apiKey).Set(float64(n))
}

// SetChainHealth publishes the sampled health of one chain service class.
func (m *Metrics) SetChainHealth(chain, service string, up bool) {
	v := float64(HealthDown)
	if up {
		v = HealthUp
	}
	m.chainHealth.WithLabelValues(chain, service).Set(v)
}

// ConnOpened increments the in-flight connection gauge.
func (m *Metrics) ConnOpened() { m.activeConnections.Inc() }

// ConnClosed decrements the in-flight connection gauge.
func (m *Metrics) ConnClosed() { m.activeConnections.Dec() }
