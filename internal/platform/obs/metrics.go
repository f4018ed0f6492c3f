// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package obs exposes Prometheus metrics for the HTTP surface and the
// security core (rate-limit rejections, audit fallbacks, authorization denials).
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// # HTTP Metrics

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// # Security Metrics

var (
	// RateLimitRejections counts requests refused by the fixed-window limiter.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_rate_limit_rejections_total",
			Help: "Requests rejected by the brute-force guard.",
		},
		[]string{"action"},
	)

	// RateLimitStoreErrors counts limiter store failures that were allowed through.
	RateLimitStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_rate_limit_store_errors_total",
			Help: "Rate limiter store failures (requests failed open).",
		},
		[]string{"action"},
	)

	// AuthorizationDenials counts permission engine denials.
	AuthorizationDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_authorization_denials_total",
			Help: "Requests denied by the permission engine.",
		},
		[]string{"resource", "action"},
	)

	// AuditWrites counts audit entries by outcome (stored, fallback).
	AuditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_audit_writes_total",
			Help: "Security audit writes by outcome.",
		},
		[]string{"outcome"},
	)

	// AuthEvents counts login, refresh and second-factor outcomes.
	AuthEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_auth_events_total",
			Help: "Authentication events by kind and outcome.",
		},
		[]string{"event", "outcome"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		RateLimitRejections, RateLimitStoreErrors, AuthorizationDenials, AuditWrites, AuthEvents,
	)
}

// Init registers the collectors in the default registry.
func Init() {
	Register(prometheus.DefaultRegisterer)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
//
// The route label uses the chi route pattern so ids in paths do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		route := RoutePattern(r)

		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
