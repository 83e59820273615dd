package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"hogrider/p2p-share/pkg/logger"
)

// Metrics holds transfer counters for a peer process
type Metrics struct {
	ChunksServed  atomic.Int64
	BytesServed   atomic.Int64
	ChunksFetched atomic.Int64
	BytesFetched  atomic.Int64
	FetchFailures atomic.Int64
	// Server start time
	ServerStart time.Time
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	ChunksServed  int64   `json:"chunksServed"`
	BytesServed   int64   `json:"bytesServed"`
	ChunksFetched int64   `json:"chunksFetched"`
	BytesFetched  int64   `json:"bytesFetched"`
	FetchFailures int64   `json:"fetchFailures"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func New() *Metrics {
	return &Metrics{ServerStart: time.Now()}
}

// Global metrics instance
var Global = New()

// RecordServed records a chunk sent to another peer.
func (m *Metrics) RecordServed(bytes int) {
	m.ChunksServed.Add(1)
	m.BytesServed.Add(int64(bytes))
}

// RecordFetched records a chunk received from another peer.
func (m *Metrics) RecordFetched(bytes int) {
	m.ChunksFetched.Add(1)
	m.BytesFetched.Add(int64(bytes))
}

func (m *Metrics) RecordFetchFailure() {
	m.FetchFailures.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ChunksServed:  m.ChunksServed.Load(),
		BytesServed:   m.BytesServed.Load(),
		ChunksFetched: m.ChunksFetched.Load(),
		BytesFetched:  m.BytesFetched.Load(),
		FetchFailures: m.FetchFailures.Load(),
		UptimeSeconds: time.Since(m.ServerStart).Seconds(),
	}
}

// LogPeriodic logs runtime metrics at the specified interval until ctx is done
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		s := m.Snapshot()
		var throughput float64
		if s.UptimeSeconds > 0 {
			throughput = float64(s.BytesFetched+s.BytesServed) / s.UptimeSeconds / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Throughput=%.2fMB/s | Served=%d | Fetched=%d | FetchFailures=%d",
			runtime.NumGoroutine(),
			ms.HeapAlloc/1024/1024,
			throughput,
			s.ChunksServed,
			s.ChunksFetched,
			s.FetchFailures,
		)
	}
}
