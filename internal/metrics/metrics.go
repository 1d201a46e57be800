// Package metrics defines the counters spec §6 requires this connector to
// surface to operators, backed by prometheus/client_golang the way
// worker/lease.Manager registers its store's Collector.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/gauge named in spec §6.
type Registry struct {
	RecordsIn                  prometheus.Counter
	RecordsFiltered            prometheus.Counter
	RecordsDelivered           prometheus.Counter
	RecordsRejectedUnknownOp   prometheus.Counter
	BatchRetries               prometheus.Counter
	BatchPartialFailures       prometheus.Counter
	BatchTotalFailures         prometheus.Counter
	LeasesHeld                 prometheus.Gauge
	LeaseSteals                prometheus.Counter
	CheckpointAdvanceConflicts prometheus.Counter
}

const namespace = "keyspaces_cdc_streams"

// New constructs a Registry with every counter registered against reg. The
// caller owns reg's lifecycle (register once per process, share across
// shards — spec §5's shared-resource policy applies to metrics too).
func New(reg prometheus.Registerer) *Registry {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	return &Registry{
		RecordsIn:                  counter("records_in", "Records read from shard iterators."),
		RecordsFiltered:            counter("records_filtered", "Records dropped by the filter expression."),
		RecordsDelivered:           counter("records_delivered", "Records successfully delivered to a sink."),
		RecordsRejectedUnknownOp:   counter("records_rejected_unknown_op", "Records dropped for classifying as UNKNOWN or failing to decode."),
		BatchRetries:               counter("batch_retries", "Batch delivery attempts beyond the first."),
		BatchPartialFailures:       counter("batch_partial_failures", "Batches that reported PartialFailure."),
		BatchTotalFailures:         counter("batch_total_failures", "Batches that reported TotalFailure."),
		LeasesHeld:                 gauge("leases_held", "Shard leases currently held by this worker."),
		LeaseSteals:                counter("lease_steals", "Leases this worker lost after a CAS conflict."),
		CheckpointAdvanceConflicts: counter("checkpoint_advance_conflicts", "CAS conflicts during checkpoint advance."),
	}
}

// NewForTesting builds a Registry backed by a fresh, unshared prometheus
// registry, for use in unit tests that don't want to touch the process
// default registry.
func NewForTesting() *Registry {
	return New(prometheus.NewRegistry())
}
