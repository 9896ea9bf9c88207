package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline instrumentation exposed on /metrics.
var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_settlements_total",
		Help: "Settlement runs by terminal outcome.",
	}, []string{"outcome"})

	BatchWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_batch_write_failures_total",
		Help: "Failed settlement batch writes by batch kind.",
	}, []string{"batch"})

	SideEffects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classroom_side_effects_total",
		Help: "Best-effort side-effect tasks by kind and outcome.",
	}, []string{"kind", "outcome"})

	PayrollRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classroom_payroll_records_total",
		Help: "Payroll lines booked for settled sessions.",
	})

	RemindersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classroom_session_reminders_total",
		Help: "One-shot session reminders requested.",
	})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "classroom_settlement_duration_seconds",
		Help:    "Wall time of the settlement pipeline.",
		Buckets: prometheus.DefBuckets,
	})
)
