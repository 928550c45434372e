package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Metrics tracks engine activity.
type Metrics struct {
	// Operation latency per public operation and outcome code.
	OperationDuration *prometheus.HistogramVec

	// Ledger entries appended, by flag.
	Transitions *prometheus.CounterVec

	// Approvals rebuilt by RebuildApprovers.
	Rebuilt prometheus.Counter
}

// NewMetrics registers engine metrics on reg. A nil reg gets a private
// registry so tests can construct services freely.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		OperationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_operation_duration_seconds",
			Help:    "Latency of approval engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),

		Transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_history_entries_total",
			Help: "History entries appended, by flag.",
		}, []string{"flag"}),

		Rebuilt: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "approvals_rebuilt_total",
			Help: "Running approvals whose approver set was rebuilt.",
		}),
	}
}

// observe returns a func that records the duration of an operation once its
// error is known.
func (m *Metrics) observe(operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = string(errors.CodeOf(err))
		}
		m.OperationDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	}
}
