package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BTreeMetrics holds the metric instruments recorded by the tree driver.
type BTreeMetrics struct {
	InsertsCounter     metric.Int64Counter
	RemovesCounter     metric.Int64Counter
	SplitsCounter      metric.Int64Counter
	NodeFullCounter    metric.Int64Counter
	OpLatencyHistogram metric.Float64Histogram
}

// NewBTreeMetrics creates and registers all the metrics for the tree driver.
func NewBTreeMetrics(meter metric.Meter) (*BTreeMetrics, error) {
	inserts, err := meter.Int64Counter(
		"gojodb.btree.inserts_total",
		metric.WithDescription("Total number of key inserts and overwrites."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	removes, err := meter.Int64Counter(
		"gojodb.btree.removes_total",
		metric.WithDescription("Total number of keys removed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	splits, err := meter.Int64Counter(
		"gojodb.btree.splits_total",
		metric.WithDescription("Total number of node splits, by node kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeFull, err := meter.Int64Counter(
		"gojodb.btree.node_full_total",
		metric.WithDescription("Number of inserts that found their node full."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"gojodb.btree.op.duration",
		metric.WithDescription("Latency of tree operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &BTreeMetrics{
		InsertsCounter:     inserts,
		RemovesCounter:     removes,
		SplitsCounter:      splits,
		NodeFullCounter:    nodeFull,
		OpLatencyHistogram: latency,
	}, nil
}

// RecordSplit counts one split of a node of the given kind.
func (m *BTreeMetrics) RecordSplit(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.SplitsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("node_kind", kind)))
}

// RecordOp records the latency of one operation and bumps its counter.
func (m *BTreeMetrics) RecordOp(ctx context.Context, op string, start time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.OpLatencyHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	switch op {
	case "insert":
		m.InsertsCounter.Add(ctx, 1)
	case "delete":
		m.RemovesCounter.Add(ctx, 1)
	}
}

// RecordNodeFull counts one insert that hit a full node.
func (m *BTreeMetrics) RecordNodeFull(ctx context.Context) {
	if m == nil {
		return
	}
	m.NodeFullCounter.Add(ctx, 1)
}
