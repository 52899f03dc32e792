package desync

import (
	"context"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/hedon954/go-rollback-netplay/logic/desync"

type desyncMetrics struct {
	desyncs metric.Int64Counter
	resyncs metric.Int64Counter
	attrs   metric.MeasurementOption
}

func newDesyncMetrics(local rollback.PlayerID) *desyncMetrics {
	meter := otel.Meter(instrumentationName)
	m := &desyncMetrics{
		attrs: metric.WithAttributes(attribute.String("player", string(local))),
	}

	var err error
	if m.desyncs, err = meter.Int64Counter("netplay.desyncs",
		metric.WithDescription("State digest mismatches")); err != nil {
		log4go.Warn("[desync] create desyncs counter: %v", err)
	}
	if m.resyncs, err = meter.Int64Counter("netplay.resyncs",
		metric.WithDescription("Full state resync requests sent")); err != nil {
		log4go.Warn("[desync] create resyncs counter: %v", err)
	}
	return m
}

func (m *desyncMetrics) desync() {
	if m.desyncs != nil {
		m.desyncs.Add(context.Background(), 1, m.attrs)
	}
}

func (m *desyncMetrics) resync() {
	if m.resyncs != nil {
		m.resyncs.Add(context.Background(), 1, m.attrs)
	}
}
