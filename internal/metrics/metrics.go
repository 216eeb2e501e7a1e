// Package metrics holds the Prometheus instrumentation of the mock servers.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nmos_mocks"

// Metrics contains every collector exported by the mocks.
type Metrics struct {
	Registrations *prometheus.CounterVec
	Deletions     *prometheus.CounterVec
	Heartbeats    *prometheus.CounterVec
	QueryRequests *prometheus.CounterVec
	GrainsQueued  *prometheus.CounterVec
	Subscriptions *prometheus.GaugeVec
	Activations   *prometheus.CounterVec
	RegistrySyncs *prometheus.CounterVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "registrations_total",
				Help:      "Registration POSTs by resource type and outcome (created, updated, conflict)",
			},
			[]string{"registry", "type", "result"},
		),
		Deletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "deletions_total",
				Help:      "Registration DELETEs by resource type and outcome",
			},
			[]string{"registry", "type", "result"},
		),
		Heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "heartbeats_total",
				Help:      "Node heartbeats by outcome",
			},
			[]string{"registry", "result"},
		),
		QueryRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "requests_total",
				Help:      "Query API collection requests by resource type and whether paging applied",
			},
			[]string{"type", "paged"},
		),
		GrainsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "grains_queued_total",
				Help:      "Data grains queued on subscription sockets",
			},
			[]string{"type", "kind"},
		),
		Subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "active",
				Help:      "Active subscriptions by resource type",
			},
			[]string{"type"},
		),
		Activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "activations_total",
				Help:      "Connection API PATCH transitions by role and resulting state",
			},
			[]string{"role", "transition"},
		),
		RegistrySyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "registry_syncs_total",
				Help:      "Resource POSTs from the mock node to the registry by outcome",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Registrations, m.Deletions, m.Heartbeats, m.QueryRequests,
		m.GrainsQueued, m.Subscriptions, m.Activations, m.RegistrySyncs,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
