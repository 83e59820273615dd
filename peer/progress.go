package peer

import (
	"sync"
	"time"
)

type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkDownloading
	ChunkCompleted
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkDownloading:
		return "downloading"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type chunkProgress struct {
	state    ChunkState
	peerID   string
	size     uint64
	attempts int
}

// DownloadStatus is a point-in-time view of a download.
type DownloadStatus struct {
	FileName    string
	Completed   uint32
	Total       uint32
	Failed      uint32
	Bytes       uint64
	Speed       float64 // bytes/sec
	ActivePeers int
	Retries     uint32
	Elapsed     time.Duration
}

// Percent is the share of chunks completed, 0-100.
func (s DownloadStatus) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// DownloadTracker records per-chunk state for one download. Safe for use by
// the worker pool.
type DownloadTracker struct {
	mu       sync.RWMutex
	fileName string
	chunks   []chunkProgress
	inFlight map[string]int // peerID -> chunks in flight

	started  time.Time
	finished time.Time
	bytes    uint64
	retries  uint32

	// speed is sampled at most every 500ms
	lastBytes uint64
	lastTime  time.Time
	speed     float64
}

// NewDownloadTracker sizes every chunk from chunkSize; the last one may be short.
func NewDownloadTracker(fileName string, fileSize uint64, totalChunks uint32, chunkSize uint64) *DownloadTracker {
	now := time.Now()
	dt := &DownloadTracker{
		fileName: fileName,
		chunks:   make([]chunkProgress, totalChunks),
		inFlight: make(map[string]int),
		started:  now,
		lastTime: now,
	}
	for i := range dt.chunks {
		size := chunkSize
		if rem := fileSize - uint64(i)*chunkSize; rem < chunkSize {
			size = rem
		}
		dt.chunks[i].size = size
	}
	return dt
}

func (dt *DownloadTracker) chunk(index uint32) *chunkProgress {
	if index >= uint32(len(dt.chunks)) {
		return nil
	}
	return &dt.chunks[index]
}

// StartChunk marks index as being fetched from peerID.
func (dt *DownloadTracker) StartChunk(index uint32, peerID string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	c := dt.chunk(index)
	if c == nil {
		return
	}
	c.state = ChunkDownloading
	c.peerID = peerID
	c.attempts++
	dt.inFlight[peerID]++
}

func (dt *DownloadTracker) release(c *chunkProgress) {
	if c.state != ChunkDownloading {
		return
	}
	dt.inFlight[c.peerID]--
	if dt.inFlight[c.peerID] <= 0 {
		delete(dt.inFlight, c.peerID)
	}
}

// CompleteChunk is idempotent.
func (dt *DownloadTracker) CompleteChunk(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	c := dt.chunk(index)
	if c == nil || c.state == ChunkCompleted {
		return
	}
	dt.release(c)
	c.state = ChunkCompleted
	dt.bytes += c.size
	dt.sampleSpeed(time.Now())
}

func (dt *DownloadTracker) FailChunk(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if c := dt.chunk(index); c != nil && c.state != ChunkCompleted {
		dt.release(c)
		c.state = ChunkFailed
	}
}

// RetryChunk puts a failed chunk back to pending before the next candidate is tried.
func (dt *DownloadTracker) RetryChunk(index uint32) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if c := dt.chunk(index); c != nil && c.state == ChunkFailed {
		c.state = ChunkPending
		dt.retries++
	}
}

func (dt *DownloadTracker) sampleSpeed(now time.Time) {
	elapsed := now.Sub(dt.lastTime).Seconds()
	if elapsed < 0.5 {
		return
	}
	dt.speed = float64(dt.bytes-dt.lastBytes) / elapsed
	dt.lastBytes = dt.bytes
	dt.lastTime = now
}

func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.finished = time.Now()
}

func (dt *DownloadTracker) State(index uint32) (ChunkState, int, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	c := dt.chunk(index)
	if c == nil {
		return ChunkPending, 0, false
	}
	return c.state, c.attempts, true
}

func (dt *DownloadTracker) Status() DownloadStatus {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	st := DownloadStatus{
		FileName:    dt.fileName,
		Total:       uint32(len(dt.chunks)),
		Bytes:       dt.bytes,
		Speed:       dt.speed,
		ActivePeers: len(dt.inFlight),
		Retries:     dt.retries,
		Elapsed:     time.Since(dt.started),
	}
	if !dt.finished.IsZero() {
		st.Elapsed = dt.finished.Sub(dt.started)
	}
	for _, c := range dt.chunks {
		switch c.state {
		case ChunkCompleted:
			st.Completed++
		case ChunkFailed:
			st.Failed++
		}
	}
	if st.Speed == 0 && st.Elapsed > 0 {
		st.Speed = float64(dt.bytes) / st.Elapsed.Seconds()
	}
	return st
}

// Missing returns the indices not yet completed, in order.
func (dt *DownloadTracker) Missing() []uint32 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	missing := make([]uint32, 0)
	for i, c := range dt.chunks {
		if c.state != ChunkCompleted {
			missing = append(missing, uint32(i))
		}
	}
	return missing
}
