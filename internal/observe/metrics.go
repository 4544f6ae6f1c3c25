// Package observe provides the OpenTelemetry metric instruments recorded by
// the capture pipeline and an optional Prometheus exporter bridge so a long
// capture can be watched from a /metrics scrape.
//
// Tests should build instruments with [NewMetrics] over a ManualReader-backed
// provider; code that does not care about metrics uses [Discard].
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope for all samplegrab metrics.
const meterName = "github.com/zsiec/samplegrab"

// Metrics holds the metric instruments for one capture. All fields are safe
// for concurrent use.
type Metrics struct {
	meter metric.Meter

	// BytesReceived counts every byte delivered by the source.
	BytesReceived metric.Int64Counter

	// BytesFlushed counts bytes discarded before the flush threshold.
	BytesFlushed metric.Int64Counter

	// BytesForwarded counts bytes accepted past the flush threshold.
	BytesForwarded metric.Int64Counter

	// BytesWritten counts bytes handed to the output sink.
	BytesWritten metric.Int64Counter

	// Chunks counts non-empty chunks processed.
	Chunks metric.Int64Counter

	// Faults counts bytes carrying the FIFO error flag.
	Faults metric.Int64Counter

	// StopRequests counts stop requests. Use with attribute.String("reason", ...).
	StopRequests metric.Int64Counter

	// ChunkSize records the size of each delivered chunk.
	ChunkSize metric.Int64Histogram

	// WriteDuration records the latency of each sink write.
	WriteDuration metric.Float64Histogram
}

// chunkBuckets covers typical USB bulk read sizes.
var chunkBuckets = []float64{64, 256, 512, 1024, 4096, 16384, 65536}

// writeBuckets are in seconds; buffered writes are normally sub-millisecond.
var writeBuckets = []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.BytesReceived, err = m.Int64Counter("samplegrab.capture.received",
		metric.WithDescription("Bytes delivered by the capture source."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BytesFlushed, err = m.Int64Counter("samplegrab.capture.flushed",
		metric.WithDescription("Bytes discarded before the flush threshold."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BytesForwarded, err = m.Int64Counter("samplegrab.capture.forwarded",
		metric.WithDescription("Bytes forwarded past the flush threshold."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BytesWritten, err = m.Int64Counter("samplegrab.persist.written",
		metric.WithDescription("Bytes written to the output file."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("samplegrab.capture.chunks",
		metric.WithDescription("Chunks processed by the receive path."),
	); err != nil {
		return nil, err
	}
	if met.Faults, err = m.Int64Counter("samplegrab.capture.faults",
		metric.WithDescription("Bytes carrying the FIFO error flag."),
	); err != nil {
		return nil, err
	}
	if met.StopRequests, err = m.Int64Counter("samplegrab.capture.stop_requests",
		metric.WithDescription("Capture stop requests by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunkSize, err = m.Int64Histogram("samplegrab.capture.chunk_size",
		metric.WithDescription("Size of chunks delivered by the capture source."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WriteDuration, err = m.Float64Histogram("samplegrab.persist.write.duration",
		metric.WithDescription("Latency of output sink writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(writeBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Discard returns instruments backed by a no-op provider.
func Discard() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// The no-op provider never fails instrument creation.
		panic(err)
	}
	return m
}

// RecordStop counts a stop request with its reason.
func (m *Metrics) RecordStop(ctx context.Context, reason string) {
	m.StopRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObservePipeDepth registers an observable gauge reporting depth() on every
// collection. The returned Registration must be unregistered when the pipe
// goes away.
func (m *Metrics) ObservePipeDepth(depth func() int64) (metric.Registration, error) {
	g, err := m.meter.Int64ObservableGauge("samplegrab.pipe.depth",
		metric.WithDescription("Bytes queued between the receive path and the writer."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, depth())
		return nil
	}, g)
}
