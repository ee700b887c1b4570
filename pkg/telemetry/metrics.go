// Package telemetry exposes the gateway's operational counters on a
// Prometheus registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's counters. Construct one per process with
// NewMetrics and share it across components.
type Metrics struct {
	registry *prometheus.Registry

	Logins          *prometheus.CounterVec
	LoginFailures   *prometheus.CounterVec
	Refreshes       prometheus.Counter
	RefreshFailures prometheus.Counter
	Discoveries     *prometheus.CounterVec
	GuardDenials    *prometheus.CounterVec
}

// NewMetrics creates the counter set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_logins_total",
			Help: "Completed interactive logins.",
		}, []string{"tenant", "channel"}),
		LoginFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_login_failures_total",
			Help: "Login attempts that failed at the callback.",
		}, []string{"tenant", "channel"}),
		Refreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_refreshes_total",
			Help: "Successful refresh-token exchanges.",
		}),
		RefreshFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_refresh_failures_total",
			Help: "Refresh-token exchanges rejected by the issuer.",
		}),
		Discoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_discoveries_total",
			Help: "Identity provider discovery attempts.",
		}, []string{"tenant", "channel", "outcome"}),
		GuardDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_guard_denials_total",
			Help: "Requests denied by the authorization guard.",
		}, []string{"status"}),
	}
}

// Handler serves the metrics endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
