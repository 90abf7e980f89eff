// Package metrics exposes prometheus counters for memory transfers, region
// enumeration and watchpoint activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transfer results used as the "result" label of TransfersTotal.
const (
	ResultComplete = "complete"
	ResultPartial  = "partial"
	ResultRejected = "rejected"
)

var (
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwmem_transfers_total",
			Help: "Number of memory transfers by direction and result.",
		},
		[]string{"direction", "result"},
	)
	TransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwmem_transfer_bytes_total",
			Help: "Bytes moved between the caller and target processes.",
		},
		[]string{"direction"},
	)
	PermissionElevations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rwmem_permission_elevations_total",
			Help: "Number of temporary page permission elevations.",
		},
	)
	Enumerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwmem_enumerations_total",
			Help: "Number of region enumerations by completeness.",
		},
		[]string{"complete"},
	)
	WatchpointHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rwmem_watchpoint_hits_total",
			Help: "Number of watchpoint hits delivered to the controller.",
		},
	)
	WatchpointsArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rwmem_watchpoints_armed",
			Help: "Number of watchpoints currently installed.",
		},
	)
)

// Registry holds every rwmem collector.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(TransfersTotal, TransferBytes, PermissionElevations, Enumerations, WatchpointHits, WatchpointsArmed)
}

// Handler returns an http.Handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr. It blocks until the
// server fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
