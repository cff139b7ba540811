package gpu

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	moduleBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odecl_module_builds_total",
		Help: "Kernel source builds by backend and result",
	}, []string{"backend", "result"})

	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odecl_kernel_launches_total",
		Help: "Kernel launches by backend, kernel and result",
	}, []string{"backend", "kernel", "result"})

	kernelLaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odecl_kernel_launch_seconds",
		Help:    "Wall time of kernel launches including completion",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"backend", "kernel"})

	bufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odecl_buffer_bytes",
		Help: "Bytes currently allocated in device buffers",
	}, []string{"backend"})

	allocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odecl_allocation_failures_total",
		Help: "Failed buffer allocations by backend",
	}, []string{"backend"})
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordBuild counts a Build call
func RecordBuild(backend string, err error) {
	moduleBuilds.WithLabelValues(backend, result(err)).Inc()
}

// RecordLaunch counts a kernel launch and observes its latency
func RecordLaunch(backend, kernel string, start time.Time, err error) {
	kernelLaunches.WithLabelValues(backend, kernel, result(err)).Inc()
	if err == nil {
		kernelLaunchDuration.WithLabelValues(backend, kernel).Observe(time.Since(start).Seconds())
	}
}

// RecordAlloc tracks live buffer bytes; pass a negative size on release
func RecordAlloc(backend string, bytes int, err error) {
	if err != nil {
		allocationFailures.WithLabelValues(backend).Inc()
		return
	}
	bufferBytes.WithLabelValues(backend).Add(float64(bytes))
}
