package mwcas

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation and recovery metrics. Registered once per process on the
// default registry.
var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmwcas_operations_total",
		Help: "Multi-word CAS operations by outcome",
	}, []string{"outcome"})

	operationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pmwcas_operation_duration_seconds",
		Help:    "Time to run one multi-word CAS to completion",
		Buckets: []float64{0.0000005, 0.000001, 0.000005, 0.00001, 0.0001, 0.001, 0.01},
	})

	poolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmwcas_pool_exhausted_total",
		Help: "Descriptor allocations that found no reclaimable slot",
	})

	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmwcas_descriptors_reclaimed_total",
		Help: "Descriptor slots returned to the free list by epoch reclamation",
	})

	helpedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmwcas_cooperative_finalize_total",
		Help: "Target words finalized on behalf of another descriptor",
	})

	recoveryDescriptorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmwcas_recovery_descriptors_total",
		Help: "Descriptors driven to a terminal state by recovery, by action",
	}, []string{"action"})

	recoveryWordsRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmwcas_recovery_words_repaired_total",
		Help: "Tagged target words rewritten to a clean value by recovery",
	})

	recoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pmwcas_recovery_duration_seconds",
		Help:    "Time to run a full recovery pass",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	})
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeAbandoned = "abandoned"

	actionRolledBack      = "rolled_back"
	actionRolledForward   = "rolled_forward"
	actionFailedFinalized = "failed_finalized"
)
