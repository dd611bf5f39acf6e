package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetrics records engine operation activity for the vaultd service.
type VaultMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	batchSteps prometheus.Histogram
	feePayouts *prometheus.CounterVec
}

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// Metrics returns the lazily-initialised vault metrics registry.
func Metrics() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vault",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vault",
				Name:      "operation_duration_seconds",
				Help:      "Latency of engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			batchSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "vault",
				Name:      "batch_swap_steps",
				Help:      "Number of steps per batch swap.",
				Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32},
			}),
			feePayouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vault",
				Name:      "fee_withdrawals_total",
				Help:      "Protocol fee withdrawals segmented by token.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.latency,
			vaultRegistry.batchSteps,
			vaultRegistry.feePayouts,
		)
	})
	return vaultRegistry
}

// ObserveOperation records one engine operation's outcome and duration.
func (m *VaultMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveBatchSize records the step count of a batch swap.
func (m *VaultMetrics) ObserveBatchSize(steps int) {
	if m == nil {
		return
	}
	m.batchSteps.Observe(float64(steps))
}

// ObserveFeeWithdrawal records a protocol fee payout.
func (m *VaultMetrics) ObserveFeeWithdrawal(token string) {
	if m == nil {
		return
	}
	m.feePayouts.WithLabelValues(token).Inc()
}
