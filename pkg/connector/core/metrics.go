package core

import (
	"sync/atomic"
	"time"
)

// ThroughputMetrics tracks per-connector throughput. Counters are mutated
// only by the owning connector's consume/produce path (single writer) and
// never decrease while connected; atomics make the read accessors safe from
// any goroutine.
type ThroughputMetrics struct {
	recordsIn  atomic.Int64
	recordsOut atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64

	// connectedAt is the UnixNano start of the current connected window;
	// zero when disconnected
	connectedAt atomic.Int64
}

// MetricsSnapshot is a point-in-time view of a connector's throughput.
type MetricsSnapshot struct {
	RecordsIn       int64   `json:"records_in"`
	RecordsOut      int64   `json:"records_out"`
	BytesIn         int64   `json:"bytes_in"`
	BytesOut        int64   `json:"bytes_out"`
	EventsPerSecond float64 `json:"events_per_second"`
	BytesPerSecond  float64 `json:"bytes_per_second"`
}

// NewThroughputMetrics creates a zeroed metrics instance.
func NewThroughputMetrics() *ThroughputMetrics {
	return &ThroughputMetrics{}
}

// MarkConnected starts a new rate window.
func (m *ThroughputMetrics) MarkConnected() {
	m.connectedAt.Store(time.Now().UnixNano())
}

// MarkDisconnected closes the rate window.
func (m *ThroughputMetrics) MarkDisconnected() {
	m.connectedAt.Store(0)
}

// RecordIn accounts one consumed event of the given payload size.
func (m *ThroughputMetrics) RecordIn(bytes int) {
	m.recordsIn.Add(1)
	m.bytesIn.Add(int64(bytes))
}

// RecordOut accounts confirmed produced events and their payload size.
func (m *ThroughputMetrics) RecordOut(count int, bytes int) {
	m.recordsOut.Add(int64(count))
	m.bytesOut.Add(int64(bytes))
}

// RecordsIn returns the consumed-event counter.
func (m *ThroughputMetrics) RecordsIn() int64 {
	return m.recordsIn.Load()
}

// RecordsOut returns the produced-event counter.
func (m *ThroughputMetrics) RecordsOut() int64 {
	return m.recordsOut.Load()
}

// Snapshot returns a point-in-time view with rates derived over the
// current connected window. Rates are zero while disconnected.
func (m *ThroughputMetrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RecordsIn:  m.recordsIn.Load(),
		RecordsOut: m.recordsOut.Load(),
		BytesIn:    m.bytesIn.Load(),
		BytesOut:   m.bytesOut.Load(),
	}

	startNano := m.connectedAt.Load()
	if startNano == 0 {
		return snap
	}

	elapsed := time.Since(time.Unix(0, startNano)).Seconds()
	if elapsed <= 0 {
		return snap
	}

	snap.EventsPerSecond = float64(snap.RecordsIn+snap.RecordsOut) / elapsed
	snap.BytesPerSecond = float64(snap.BytesIn+snap.BytesOut) / elapsed
	return snap
}
