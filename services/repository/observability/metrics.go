// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "termrepo"

var (
	// commitsTotal counts commits by origin.
	// Labels: origin (direct, merge, replay)
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "branch",
		Name:      "commits_total",
		Help:      "Total commits written to branches",
	}, []string{"origin"})

	// operationsTotal counts merge and rebase runs by outcome.
	// Labels: operation (merge, rebase), outcome (completed, noop, conflict, failed)
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "operations_total",
		Help:      "Total merge and rebase operations by outcome",
	}, []string{"operation", "outcome"})

	// operationDuration measures merge and rebase latency.
	// Labels: operation
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "duration_seconds",
		Help:      "Merge and rebase duration in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	// conflictsTotal counts reported conflicts by type.
	// Labels: type (CONFLICTING_CHANGE, DELETED_WHILE_CHANGED, ...)
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "conflicts_total",
		Help:      "Total conflicts reported by merges and rebases",
	}, []string{"type"})

	// lockFailuresTotal counts failed lock acquisitions.
	// Labels: reason (locked, interrupted)
	lockFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "failures_total",
		Help:      "Total failed lock acquisitions",
	}, []string{"reason"})

	// jobsInFlight tracks merge jobs that are scheduled or running.
	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "merge",
		Name:      "jobs_in_flight",
		Help:      "Merge jobs scheduled or in progress",
	})

	// compareCacheTotal counts compare cache lookups.
	// Labels: result (hit, miss)
	compareCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "review",
		Name:      "compare_cache_total",
		Help:      "Compare cache lookups by result",
	}, []string{"result"})
)

// RecordCommit counts a commit. origin is "direct", "merge" or "replay".
func RecordCommit(origin string) {
	commitsTotal.WithLabelValues(origin).Inc()
}

// RecordOperation counts one merge or rebase and observes its duration.
func RecordOperation(operation, outcome string, d time.Duration) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordConflict counts a conflict of the given type.
func RecordConflict(conflictType string) {
	conflictsTotal.WithLabelValues(conflictType).Inc()
}

// RecordLockFailure counts a failed acquisition. reason is "locked" or
// "interrupted".
func RecordLockFailure(reason string) {
	lockFailuresTotal.WithLabelValues(reason).Inc()
}

// JobScheduled and JobFinished track merge jobs in flight.
func JobScheduled() { jobsInFlight.Inc() }

// JobFinished marks a scheduled job as done.
func JobFinished() { jobsInFlight.Dec() }

// RecordCompareCache counts a compare cache lookup.
func RecordCompareCache(hit bool) {
	if hit {
		compareCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	compareCacheTotal.WithLabelValues("miss").Inc()
}
