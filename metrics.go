package qzgo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmaccel/qzgo/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-process compress/decompress statistics, mirroring
// the software/hardware split the orchestrator itself has to decide on
// every call.
type Metrics struct {
	CompressOps   atomic.Uint64
	DecompressOps atomic.Uint64

	CompressHWOps   atomic.Uint64
	CompressSWOps   atomic.Uint64
	DecompressHWOps atomic.Uint64
	DecompressSWOps atomic.Uint64

	CompressBytesIn    atomic.Uint64
	CompressBytesOut   atomic.Uint64
	DecompressBytesIn  atomic.Uint64
	DecompressBytesOut atomic.Uint64

	CompressErrors   atomic.Uint64
	DecompressErrors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	fallbackMu      sync.Mutex
	fallbackReasons map[string]uint64

	PoolBusy atomic.Int64
	PoolSize atomic.Int64

	StartTime atomic.Int64
}

// NewMetrics creates a new, empty metrics sink.
func NewMetrics() *Metrics {
	m := &Metrics{fallbackReasons: make(map[string]uint64)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

var _ interfaces.Observer = (*Metrics)(nil)

// ObserveCompress records one compress call's outcome.
func (m *Metrics) ObserveCompress(bytesIn, bytesOut, latencyNs uint64, hw, success bool) {
	m.CompressOps.Add(1)
	if hw {
		m.CompressHWOps.Add(1)
	} else {
		m.CompressSWOps.Add(1)
	}
	if success {
		m.CompressBytesIn.Add(bytesIn)
		m.CompressBytesOut.Add(bytesOut)
	} else {
		m.CompressErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveDecompress records one decompress call's outcome.
func (m *Metrics) ObserveDecompress(bytesIn, bytesOut, latencyNs uint64, hw, success bool) {
	m.DecompressOps.Add(1)
	if hw {
		m.DecompressHWOps.Add(1)
	} else {
		m.DecompressSWOps.Add(1)
	}
	if success {
		m.DecompressBytesIn.Add(bytesIn)
		m.DecompressBytesOut.Add(bytesOut)
	} else {
		m.DecompressErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveFallback tallies, under the given key, a call that completed on
// software instead of hardware (spec §4.G decision tree branches). The
// accelerator passes the operation name (e.g. "Compress") as the key.
func (m *Metrics) ObserveFallback(reason string) {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	m.fallbackReasons[reason]++
}

// ObservePoolUtilization records the most recent busy/total instance
// counts.
func (m *Metrics) ObservePoolUtilization(busy, total int) {
	m.PoolBusy.Store(int64(busy))
	m.PoolSize.Store(int64(total))
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// FallbackReasons returns a snapshot of fallback counts by reason.
func (m *Metrics) FallbackReasons() map[string]uint64 {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	out := make(map[string]uint64, len(m.fallbackReasons))
	for k, v := range m.fallbackReasons {
		out[k] = v
	}
	return out
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to hold and
// print after the live counters have moved on.
type MetricsSnapshot struct {
	CompressOps, DecompressOps                       uint64
	CompressHWOps, CompressSWOps                     uint64
	DecompressHWOps, DecompressSWOps                 uint64
	CompressBytesIn, CompressBytesOut                uint64
	DecompressBytesIn, DecompressBytesOut            uint64
	CompressErrors, DecompressErrors                 uint64
	AvgLatencyNs                                     uint64
	UptimeNs                                         uint64
	PoolBusy, PoolSize                                int64
	FallbackReasons                                  map[string]uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CompressOps:        m.CompressOps.Load(),
		DecompressOps:      m.DecompressOps.Load(),
		CompressHWOps:       m.CompressHWOps.Load(),
		CompressSWOps:       m.CompressSWOps.Load(),
		DecompressHWOps:     m.DecompressHWOps.Load(),
		DecompressSWOps:     m.DecompressSWOps.Load(),
		CompressBytesIn:     m.CompressBytesIn.Load(),
		CompressBytesOut:    m.CompressBytesOut.Load(),
		DecompressBytesIn:   m.DecompressBytesIn.Load(),
		DecompressBytesOut:  m.DecompressBytesOut.Load(),
		CompressErrors:      m.CompressErrors.Load(),
		DecompressErrors:    m.DecompressErrors.Load(),
		PoolBusy:            m.PoolBusy.Load(),
		PoolSize:            m.PoolSize.Load(),
		FallbackReasons:     m.FallbackReasons(),
	}

	if opCount := m.OpCount.Load(); opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	return snap
}

// Reset zeroes every counter (test helper).
func (m *Metrics) Reset() {
	m.CompressOps.Store(0)
	m.DecompressOps.Store(0)
	m.CompressHWOps.Store(0)
	m.CompressSWOps.Store(0)
	m.DecompressHWOps.Store(0)
	m.DecompressSWOps.Store(0)
	m.CompressBytesIn.Store(0)
	m.CompressBytesOut.Store(0)
	m.DecompressBytesIn.Store(0)
	m.DecompressBytesOut.Store(0)
	m.CompressErrors.Store(0)
	m.DecompressErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.fallbackMu.Lock()
	m.fallbackReasons = make(map[string]uint64)
	m.fallbackMu.Unlock()
	m.StartTime.Store(time.Now().UnixNano())
}
