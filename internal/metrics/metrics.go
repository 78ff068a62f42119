// Package metrics exposes Prometheus metrics for the reconciliation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	deviceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gowake_device_state",
			Help: "Current device state (0 unknown, 1 offline, 2 starting, 3 pingable).",
		},
		[]string{"device"},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gowake_probes_total",
			Help: "Total number of reachability probes by device and result.",
		},
		[]string{"device", "result"},
	)

	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gowake_probe_duration_seconds",
			Help:    "Reachability probe latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device"},
	)

	wakePacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gowake_wake_requests_total",
			Help: "Total number of wake requests by device and result.",
		},
		[]string{"device", "result"},
	)

	markerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gowake_marker_errors_total",
			Help: "Total number of failed marker updates by operation.",
		},
		[]string{"op"},
	)

	sessionReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gowake_session_reconnects_total",
		Help: "Total number of chat session reconnects after a detected disconnect.",
	})
)

// Register registers all metrics with reg. Call once at startup with a
// fresh registry; the default one already carries the runtime collectors.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		deviceState,
		probesTotal,
		probeDuration,
		wakePacketsTotal,
		markerErrorsTotal,
		sessionReconnectsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint serving g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetDeviceState records the current state of a device.
func SetDeviceState(device string, state models.DeviceState) {
	deviceState.WithLabelValues(device).Set(float64(state))
}

// ObserveProbe records one probe result and its latency.
func ObserveProbe(device string, reachable bool, d time.Duration) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	probesTotal.WithLabelValues(device, result).Inc()
	probeDuration.WithLabelValues(device).Observe(d.Seconds())
}

// RecordWake records a wake request outcome.
func RecordWake(device string, ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	wakePacketsTotal.WithLabelValues(device, result).Inc()
}

// RecordMarkerError counts a failed marker operation.
func RecordMarkerError(op string) {
	markerErrorsTotal.WithLabelValues(op).Inc()
}

// RecordReconnect counts a session reconnect.
func RecordReconnect() {
	sessionReconnectsTotal.Inc()
}
