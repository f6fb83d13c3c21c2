package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	checkins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hvisor",
			Subsystem: "registry",
			Name:      "checkins_total",
			Help:      "Inbound module check-in calls.",
		},
		[]string{"action", "result"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hvisor",
			Subsystem: "dispatch",
			Name:      "shutdowns_total",
			Help:      "Outbound shutdown dispatch attempts.",
		},
		[]string{"outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hvisor",
			Subsystem: "dispatch",
			Name:      "shutdown_duration_seconds",
			Help:      "Outbound shutdown dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	modulesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hvisor",
			Subsystem: "registry",
			Name:      "modules_running",
			Help:      "Modules checked in and not self-reported shutting down.",
		},
	)
	modulesUnchecked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hvisor",
			Subsystem: "registry",
			Name:      "modules_unchecked",
			Help:      "Registered modules that never checked in.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hvisor",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hvisor",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			checkins,
			dispatches,
			dispatchDuration,
			modulesRunning,
			modulesUnchecked,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordCheckIn(action, result string) {
	RegisterMetrics()
	checkins.WithLabelValues(action, result).Inc()
}

func RecordDispatch(outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatches.WithLabelValues(outcome).Inc()
	dispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func SetModuleCounts(running, unchecked int) {
	RegisterMetrics()
	modulesRunning.Set(float64(running))
	modulesUnchecked.Set(float64(unchecked))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
