// Package metrics exposes the Prometheus instrumentation for the server
// and the small HTTP listener that serves /metrics and /health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every instrument the server updates.
type Registry struct {
	reg *prometheus.Registry

	ConnectedClients prometheus.Gauge
	LiveChannels     prometheus.Gauge
	CPUPercent       prometheus.Gauge
	MemoryBytes      prometheus.Gauge
	Goroutines       prometheus.Gauge

	MessagesRouted prometheus.Counter
	Broadcasts     prometheus.Counter
	LinesDropped   prometheus.Counter
	AuthSuccesses  prometheus.Counter
	AuthFailures   prometheus.Counter
	StoreErrors    prometheus.Counter
	ReplayedMsgs   prometheus.Counter

	StoreQueryDuration *prometheus.HistogramVec
}

// NewRegistry builds a registry with all server instruments plus the
// standard Go and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{reg: reg}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "titanircd", Name: name, Help: help,
		})
		reg.MustRegister(g)
		return g
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "titanircd", Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}

	r.ConnectedClients = gauge("connected_clients", "Registered client sessions.")
	r.LiveChannels = gauge("live_channels", "Channel actors currently running.")
	r.CPUPercent = gauge("cpu_percent", "Process CPU usage sampled by the system monitor.")
	r.MemoryBytes = gauge("memory_bytes", "Heap bytes in use sampled by the system monitor.")
	r.Goroutines = gauge("goroutines", "Goroutine count sampled by the system monitor.")

	r.MessagesRouted = counter("messages_routed_total", "Inbound commands dispatched by client sessions.")
	r.Broadcasts = counter("broadcasts_total", "Lines fanned out to channel members.")
	r.LinesDropped = counter("lines_dropped_total", "Outbound lines dropped because a client stopped reading.")
	r.AuthSuccesses = counter("auth_successes_total", "Completed SASL authentications.")
	r.AuthFailures = counter("auth_failures_total", "Rejected SASL attempts.")
	r.StoreErrors = counter("store_errors_total", "Persistence operations that failed after retries.")
	r.ReplayedMsgs = counter("replayed_messages_total", "History lines delivered on reconnect.")

	r.StoreQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "titanircd",
		Name:      "store_query_duration_seconds",
		Help:      "Latency of persistence operations by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	reg.MustRegister(r.StoreQueryDuration)

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
