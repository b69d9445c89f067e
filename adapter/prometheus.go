// Package adapter exposes the rings of a process to external monitoring systems.
package adapter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmring/pkg/ringbuf"
)

const namespace = "shmring"

var ringLabels = []string{"ring", "role"}

// Collector reports the header state and traffic counters of every ring in a
// registry. Values are read at scrape time without taking the ring locks.
type Collector struct {
	registry *ringbuf.Registry

	dataSize    *prometheus.Desc
	bytesFilled *prometheus.Desc
	senderWaits *prometheus.Desc
	healthy     *prometheus.Desc
	packets     *prometheus.Desc
	bytes       *prometheus.Desc
	fullEvents  *prometheus.Desc
	notifyWakes *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over reg.
func NewCollector(reg *ringbuf.Registry) *Collector {
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "ring", name), help,
			append(append([]string{}, ringLabels...), extra...), nil)
	}
	return &Collector{
		registry:    reg,
		dataSize:    desc("data_size_bytes", "Size of the ring data region."),
		bytesFilled: desc("bytes_filled", "Bytes of the data region held by unconsumed frames."),
		senderWaits: desc("sender_waits", "1 while the sender waits for space."),
		healthy:     desc("healthy", "1 when the shared header passes its integrity checks."),
		packets:     desc("packets_total", "Packets moved through this handle.", "direction"),
		bytes:       desc("payload_bytes_total", "Payload bytes moved through this handle.", "direction"),
		fullEvents:  desc("full_events_total", "Allocations that found the ring full."),
		notifyWakes: desc("notify_wakes_total", "space_available triggers sent by this handle."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dataSize
	ch <- c.bytesFilled
	ch <- c.senderWaits
	ch <- c.healthy
	ch <- c.packets
	ch <- c.bytes
	ch <- c.fullEvents
	ch <- c.notifyWakes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.registry.Rings() {
		labels := []string{r.ID(), r.Role().String()}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}
		counter := func(d *prometheus.Desc, v uint64, extra ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append(labels, extra...)...)
		}

		h := r.Header()
		state := h.State()
		gauge(c.dataSize, float64(state.DataSize))
		gauge(c.bytesFilled, float64(state.BytesFilled))
		gauge(c.senderWaits, boolValue(state.SenderWaits))
		gauge(c.healthy, boolValue(h.Check() == nil))

		stats := r.Stats()
		counter(c.packets, stats.PacketsSent, "sent")
		counter(c.packets, stats.PacketsReceived, "received")
		counter(c.bytes, stats.BytesSent, "sent")
		counter(c.bytes, stats.BytesReceived, "received")
		counter(c.fullEvents, stats.FullEvents)
		counter(c.notifyWakes, stats.NotifyWakes)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
