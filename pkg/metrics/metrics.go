// Package metrics exposes the detector's Prometheus surface: detection
// ticks, KMS signs, circuit breaker trips, and bridge recovery outcomes.
//
// Grounded on the registration pattern used for the pack's own circuit
// breaker manager (promauto.NewCounterVec/NewGaugeVec behind a sync.Once so
// re-registration across tests doesn't panic), replacing the teacher's
// hand-rolled internal/monitor.SystemMetrics (atomic counters + sliding-
// window latency histograms) with real Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registerOnce sync.Once

var (
	detectionTicks       *prometheus.CounterVec
	detectionErrors      *prometheus.CounterVec
	opportunitiesFound   *prometheus.CounterVec
	opportunitiesPublished prometheus.Counter
	kmsSignAttempts      *prometheus.CounterVec
	kmsSignLatency       prometheus.Histogram
	breakerStatus        *prometheus.GaugeVec
	breakerTransitions   *prometheus.CounterVec
	abandonedBridges     prometheus.Counter
	recoveredBridges     prometheus.Counter
	failedRecoveries     prometheus.Counter
)

func register() {
	registerOnce.Do(func() {
		detectionTicks = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_detection_ticks_total",
			Help: "Total number of detector ticks run.",
		}, []string{"outcome"})

		detectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_detection_errors_total",
			Help: "Total number of errors encountered during detection ticks.",
		}, []string{"chain"})

		opportunitiesFound = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_opportunities_found_total",
			Help: "Total candidate opportunities found per pair.",
		}, []string{"pair"})

		opportunitiesPublished = promauto.NewCounter(prometheus.CounterOpts{
			Name: "arb_opportunities_published_total",
			Help: "Total opportunities published to the bus.",
		})

		kmsSignAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_kms_sign_attempts_total",
			Help: "Total KMS sign attempts by outcome.",
		}, []string{"chain", "outcome"})

		kmsSignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_kms_sign_latency_seconds",
			Help:    "KMS sign call latency.",
			Buckets: prometheus.DefBuckets,
		})

		breakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arb_circuit_breaker_status",
			Help: "Current circuit breaker status per chain (0=closed, 1=half_open, 2=open).",
		}, []string{"chain"})

		breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_circuit_breaker_transitions_total",
			Help: "Total circuit breaker transitions.",
		}, []string{"chain", "from", "to"})

		abandonedBridges = promauto.NewCounter(prometheus.CounterOpts{
			Name: "arb_bridge_recovery_abandoned_total",
			Help: "Total bridges abandoned by the recovery manager after exceeding max age.",
		})

		recoveredBridges = promauto.NewCounter(prometheus.CounterOpts{
			Name: "arb_bridge_recovery_recovered_total",
			Help: "Total bridges successfully recovered.",
		})

		failedRecoveries = promauto.NewCounter(prometheus.CounterOpts{
			Name: "arb_bridge_recovery_failed_total",
			Help: "Total bridge recoveries that ended in failure.",
		})
	})
}

// Collectors is the facade every component depends on; narrower interfaces
// (detector.*, bridge.RecoveryMetrics, circuitbreaker's) are satisfied
// structurally by *Collectors.
type Collectors struct{}

// New registers (once, process-wide) and returns the metrics facade.
func New() *Collectors {
	register()
	return &Collectors{}
}

func (c *Collectors) RecordTick(outcome string) { detectionTicks.WithLabelValues(outcome).Inc() }
func (c *Collectors) RecordDetectionError(chain string) { detectionErrors.WithLabelValues(chain).Inc() }
func (c *Collectors) RecordOpportunityFound(pair string) { opportunitiesFound.WithLabelValues(pair).Inc() }
func (c *Collectors) RecordOpportunityPublished() { opportunitiesPublished.Inc() }

func (c *Collectors) RecordKmsSign(chain, outcome string) {
	kmsSignAttempts.WithLabelValues(chain, outcome).Inc()
}
func (c *Collectors) ObserveKmsSignLatency(seconds float64) { kmsSignLatency.Observe(seconds) }

func (c *Collectors) SetBreakerStatus(chain string, status float64) {
	breakerStatus.WithLabelValues(chain).Set(status)
}
func (c *Collectors) RecordBreakerTransition(chain, from, to string) {
	breakerTransitions.WithLabelValues(chain, from, to).Inc()
}

func (c *Collectors) IncAbandonedBridges() { abandonedBridges.Inc() }
func (c *Collectors) IncRecoveredBridges() { recoveredBridges.Inc() }
func (c *Collectors) IncFailedRecoveries() { failedRecoveries.Inc() }

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
