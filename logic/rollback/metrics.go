package rollback

import (
	"context"

	"github.com/alecthomas/log4go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/hedon954/go-rollback-netplay/logic/rollback"

type engineMetrics struct {
	rollbacks metric.Int64Counter
	skipped   metric.Int64Counter
	predicted metric.Int64Counter
	depth     metric.Int64Histogram
	attrs     metric.MeasurementOption
}

func newEngineMetrics(local PlayerID) *engineMetrics {
	meter := otel.Meter(instrumentationName)
	m := &engineMetrics{
		attrs: metric.WithAttributes(attribute.String("player", string(local))),
	}

	var err error
	if m.rollbacks, err = meter.Int64Counter("netplay.rollbacks",
		metric.WithDescription("Rollbacks performed")); err != nil {
		log4go.Warn("[rollback] create rollbacks counter: %v", err)
	}
	if m.skipped, err = meter.Int64Counter("netplay.rollbacks.skipped",
		metric.WithDescription("Rollbacks skipped for lack of a snapshot")); err != nil {
		log4go.Warn("[rollback] create skipped counter: %v", err)
	}
	if m.predicted, err = meter.Int64Counter("netplay.frames.predicted",
		metric.WithDescription("Frames first simulated with at least one predicted input")); err != nil {
		log4go.Warn("[rollback] create predicted counter: %v", err)
	}
	if m.depth, err = meter.Int64Histogram("netplay.rollback.depth",
		metric.WithDescription("Frames re-simulated per rollback"),
		metric.WithUnit("{frame}")); err != nil {
		log4go.Warn("[rollback] create depth histogram: %v", err)
	}
	return m
}

func (m *engineMetrics) rollback(depth Frame) {
	if m.rollbacks != nil {
		m.rollbacks.Add(context.Background(), 1, m.attrs)
	}
	if m.depth != nil {
		m.depth.Record(context.Background(), int64(depth), m.attrs)
	}
}

func (m *engineMetrics) skip() {
	if m.skipped != nil {
		m.skipped.Add(context.Background(), 1, m.attrs)
	}
}

func (m *engineMetrics) predict() {
	if m.predicted != nil {
		m.predicted.Add(context.Background(), 1, m.attrs)
	}
}
