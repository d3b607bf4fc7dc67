package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	firewallMetricsOnce sync.Once
	firewallRegistry    *FirewallMetrics

	anchorMetricsOnce sync.Once
	anchorRegistry    *AnchorMetrics
)

// FirewallMetrics wraps collectors tracking the RPC gateway data plane.
type FirewallMetrics struct {
	admissions      *prometheus.CounterVec
	forwarded       *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	admissionTiming *prometheus.HistogramVec
	reserveRetries  prometheus.Counter
}

// Firewall exposes the metrics registry for the gateway.
func Firewall() *FirewallMetrics {
	firewallMetricsOnce.Do(func() {
		firewallRegistry = &FirewallMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "firewall",
				Name:      "admissions_total",
				Help:      "Count of intercepted value transfers segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "firewall",
				Name:      "forwarded_total",
				Help:      "Count of requests passed through to the upstream endpoint.",
			}, []string{"method", "intercepted"}),
			rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "firewall",
				Name:      "rollbacks_total",
				Help:      "Count of reservation rollbacks segmented by trigger.",
			}, []string{"trigger"}),
			admissionTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "aegis",
				Subsystem: "firewall",
				Name:      "admission_duration_seconds",
				Help:      "Latency distribution of the policy pipeline per outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			reserveRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "firewall",
				Name:      "reserve_retries_total",
				Help:      "Count of reservation CAS retries caused by concurrent writers.",
			}),
		}
		prometheus.MustRegister(
			firewallRegistry.admissions,
			firewallRegistry.forwarded,
			firewallRegistry.rollbacks,
			firewallRegistry.admissionTiming,
			firewallRegistry.reserveRetries,
		)
	})
	return firewallRegistry
}

// RecordAdmission notes a policy pipeline decision.
func (m *FirewallMetrics) RecordAdmission(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(labelOr(method, "unknown"), labelOr(outcome, "unknown")).Inc()
	m.admissionTiming.WithLabelValues(labelOr(outcome, "unknown")).Observe(duration.Seconds())
}

// RecordForward counts one upstream forward.
func (m *FirewallMetrics) RecordForward(method string, intercepted bool) {
	if m == nil {
		return
	}
	flag := "no"
	if intercepted {
		flag = "yes"
	}
	m.forwarded.WithLabelValues(labelOr(method, "unknown"), flag).Inc()
}

// RecordRollback counts one reservation rollback by trigger
// ("forward_failed", "upstream_error", "cancelled").
func (m *FirewallMetrics) RecordRollback(trigger string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(labelOr(trigger, "unspecified")).Inc()
}

// RecordReserveRetry counts a CAS conflict inside the reservation store.
func (m *FirewallMetrics) RecordReserveRetry() {
	if m == nil {
		return
	}
	m.reserveRetries.Inc()
}

// AnchorMetrics wraps collectors tracking the anchoring worker.
type AnchorMetrics struct {
	attempts      *prometheus.CounterVec
	anchorLatency prometheus.Histogram
	failedDepth   prometheus.Gauge
	pendingDepth  prometheus.Gauge
	lockHeld      prometheus.Gauge
}

// Anchor exposes the metrics registry for the anchor worker.
func Anchor() *AnchorMetrics {
	anchorMetricsOnce.Do(func() {
		anchorRegistry = &AnchorMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aegis",
				Subsystem: "anchor",
				Name:      "attempts_total",
				Help:      "Count of anchor submissions segmented by outcome.",
			}, []string{"outcome"}),
			anchorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "aegis",
				Subsystem: "anchor",
				Name:      "submit_duration_seconds",
				Help:      "Latency distribution for recordSpend submission and confirmation.",
				Buckets:   prometheus.DefBuckets,
			}),
			failedDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "aegis",
				Subsystem: "anchor",
				Name:      "failed_queue_depth",
				Help:      "Total records across all failed queues as of the last scan.",
			}),
			pendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "aegis",
				Subsystem: "anchor",
				Name:      "pending_queue_depth",
				Help:      "Total records across all pending queues as of the last scan.",
			}),
			lockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "aegis",
				Subsystem: "anchor",
				Name:      "lock_held",
				Help:      "Indicates whether this instance holds the anchor lock (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			anchorRegistry.attempts,
			anchorRegistry.anchorLatency,
			anchorRegistry.failedDepth,
			anchorRegistry.pendingDepth,
			anchorRegistry.lockHeld,
		)
	})
	return anchorRegistry
}

// RecordAttempt notes one anchor attempt outcome
// ("anchored", "skipped_replay", "failed", "malformed").
func (m *AnchorMetrics) RecordAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(labelOr(outcome, "unknown")).Inc()
	if outcome == "anchored" {
		m.anchorLatency.Observe(duration.Seconds())
	}
}

// SetQueueDepths updates the queue depth gauges from a scan.
func (m *AnchorMetrics) SetQueueDepths(pending, failed int64) {
	if m == nil {
		return
	}
	m.pendingDepth.Set(float64(pending))
	m.failedDepth.Set(float64(failed))
}

// SetLockHeld toggles the lock gauge.
func (m *AnchorMetrics) SetLockHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.lockHeld.Set(1)
		return
	}
	m.lockHeld.Set(0)
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// BigToFloat converts a wei amount to float64 for log-only views. Admission
// decisions never use this value.
func BigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
