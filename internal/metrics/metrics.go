// Package metrics exposes the pipeline's Prometheus collectors. The CLI is
// short-lived; collectors only reach a scraper when the metrics endpoint
// is enabled, but recording is always on and cheap.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "Tokens emitted by the generation loop",
	})

	stepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_step_duration_seconds",
		Help: "Wall time of one transformer forward pass",
	})

	gpuMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_memory_allocated_bytes",
		Help: "Bytes currently held in GPU storage buffers",
	})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_kernel_duration_seconds",
		Help:    "Host wall time spent recording and fencing each kernel",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	reductionPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpu_reduction_passes_total",
		Help: "Pairwise tree passes dispatched, by reduction kind",
	}, []string{"kind"})

	numericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "NaN/Inf values observed in host readbacks",
	}, []string{"tensor"})
)

func RecordToken() {
	tokensTotal.Inc()
}

func RecordStepDuration(d time.Duration) {
	stepDuration.Observe(d.Seconds())
}

func RecordGPUMemory(bytes int64) {
	gpuMemoryAllocated.Set(float64(bytes))
}

func RecordKernelDuration(kernel string, d time.Duration) {
	kernelDuration.WithLabelValues(kernel).Observe(d.Seconds())
}

func RecordReductionPass(kind string) {
	reductionPasses.WithLabelValues(kind).Inc()
}

func RecordInstability(tensor string, count int) {
	numericalInstability.WithLabelValues(tensor).Add(float64(count))
}
