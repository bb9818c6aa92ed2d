package recall

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational metrics from the store.
// Implement it to integrate with monitoring systems; the default is a
// no-op.
type MetricsCollector interface {
	// RecordCreate is called after each node creation.
	RecordCreate(duration time.Duration, err error)

	// RecordSetEmbedding is called after each embedding write.
	RecordSetEmbedding(duration time.Duration, err error)

	// RecordSearch is called after each combined search. k is the
	// requested result count.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint cycle.
	RecordCheckpoint(duration time.Duration, err error)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCreate(time.Duration, error)       {}
func (NoopMetricsCollector) RecordSetEmbedding(time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordCheckpoint(time.Duration, error)   {}

// BasicMetricsCollector keeps simple in-memory counters, enough for
// debugging without an external monitoring stack.
type BasicMetricsCollector struct {
	CreateCount          atomic.Int64
	CreateErrors         atomic.Int64
	CreateTotalNanos     atomic.Int64
	SetEmbeddingCount    atomic.Int64
	SetEmbeddingErrors   atomic.Int64
	SearchCount          atomic.Int64
	SearchErrors         atomic.Int64
	SearchTotalNanos     atomic.Int64
	CheckpointCount      atomic.Int64
	CheckpointErrors     atomic.Int64
	CheckpointTotalNanos atomic.Int64
}

// RecordCreate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCreate(duration time.Duration, err error) {
	b.CreateCount.Add(1)
	b.CreateTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CreateErrors.Add(1)
	}
}

// RecordSetEmbedding implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSetEmbedding(duration time.Duration, err error) {
	b.SetEmbeddingCount.Add(1)
	if err != nil {
		b.SetEmbeddingErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(duration time.Duration, err error) {
	b.CheckpointCount.Add(1)
	b.CheckpointTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}
