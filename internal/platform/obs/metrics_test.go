// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package obs_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/internal/platform/obs"
)

/*
TestRegister_NoDuplicates registers every collector once in a private registry.
*/
func TestRegister_NoDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { obs.Register(reg) })
	assert.Panics(t, func() { obs.Register(reg) })
}

/*
TestRoutePattern uses the chi template rather than the raw path.
*/
func TestRoutePattern(t *testing.T) {
	var seen string
	router := chi.NewRouter()
	router.Use(obs.Instrument)
	router.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = obs.RoutePattern(r)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users/0192f0c4", nil))
	assert.Equal(t, "/users/{id}", seen)

	assert.Equal(t, "unmatched", obs.RoutePattern(httptest.NewRequest(http.MethodGet, "/", nil)))
}

/*
TestSecurityCounters increments labelled security counters.
*/
func TestSecurityCounters(t *testing.T) {
	before := testutil.ToFloat64(obs.RateLimitRejections.WithLabelValues("login_email"))
	obs.RateLimitRejections.WithLabelValues("login_email").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(obs.RateLimitRejections.WithLabelValues("login_email")))
}
