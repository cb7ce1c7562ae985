// Package metrics exposes the agent's Prometheus gauges and counters,
// one var block per subsystem, plus a Timer helper for wrapping
// histogram observations around a call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "uptane_cycle_duration_seconds",
		Help: "Duration of one Check/Download/Install/Report cycle",
	})

	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uptane_cycles_total",
		Help: "Total number of orchestrator cycles run",
	})

	InstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uptane_installs_total",
			Help: "Total number of install attempts by result",
		},
		[]string{"result"},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uptane_downloads_total",
			Help: "Total number of target downloads by outcome",
		},
		[]string{"outcome"},
	)

	EventBusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uptane_event_bus_subscribers",
		Help: "Current number of event bus subscribers",
	})

	RootRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uptane_root_rotations_total",
		Help: "Total number of Root metadata rotations performed",
	})
)

func init() {
	prometheus.MustRegister(
		CycleDuration,
		CyclesTotal,
		InstallsTotal,
		DownloadsTotal,
		EventBusSubscribers,
		RootRotations,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }

// Timer measures an elapsed duration for ObserveDuration to report.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
