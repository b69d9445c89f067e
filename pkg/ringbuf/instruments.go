package ringbuf

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmring/pkg/ringbuf"

// Stats counts the traffic seen by one ring handle.
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	BytesReceived   uint64
	// FullEvents counts allocations that found the ring full.
	FullEvents uint64
	// NotifyWakes counts space_available triggers.
	NotifyWakes uint64
}

type counters struct {
	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	fullEvents      atomic.Uint64
	notifyWakes     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		PacketsSent:     c.packetsSent.Load(),
		BytesSent:       c.bytesSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		FullEvents:      c.fullEvents.Load(),
		NotifyWakes:     c.notifyWakes.Load(),
	}
}

// instruments mirrors the local counters into OpenTelemetry.
type instruments struct {
	tracer  trace.Tracer
	attrs   metric.MeasurementOption
	packets metric.Int64Counter
	bytes   metric.Int64Counter
	full    metric.Int64Counter
	wakes   metric.Int64Counter
}

func newInstruments(conf *Config) *instruments {
	meter := conf.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	tracer := conf.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	in := &instruments{
		tracer: tracer,
		attrs:  metric.WithAttributes(attribute.String("ring", conf.ChunkName)),
	}
	// Instrument creation only fails on invalid names; fall back to no-ops then.
	var err error
	noop := metricnoop.Meter{}
	if in.packets, err = meter.Int64Counter("shmring.packets",
		metric.WithDescription("Packets moved through the ring, by direction.")); err != nil {
		in.packets, _ = noop.Int64Counter("shmring.packets")
	}
	if in.bytes, err = meter.Int64Counter("shmring.bytes", metric.WithUnit("By"),
		metric.WithDescription("Payload bytes moved through the ring, by direction.")); err != nil {
		in.bytes, _ = noop.Int64Counter("shmring.bytes")
	}
	if in.full, err = meter.Int64Counter("shmring.full",
		metric.WithDescription("Allocations that found the ring full.")); err != nil {
		in.full, _ = noop.Int64Counter("shmring.full")
	}
	if in.wakes, err = meter.Int64Counter("shmring.notify_wakes",
		metric.WithDescription("space_available triggers sent to a waiting sender.")); err != nil {
		in.wakes, _ = noop.Int64Counter("shmring.notify_wakes")
	}
	return in
}

func (in *instruments) sent(ctx context.Context, n int) {
	dir := metric.WithAttributes(attribute.String("direction", "send"))
	in.packets.Add(ctx, 1, in.attrs, dir)
	in.bytes.Add(ctx, int64(n), in.attrs, dir)
}

func (in *instruments) received(ctx context.Context, n int) {
	dir := metric.WithAttributes(attribute.String("direction", "receive"))
	in.packets.Add(ctx, 1, in.attrs, dir)
	in.bytes.Add(ctx, int64(n), in.attrs, dir)
}
