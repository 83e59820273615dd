package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"

	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/monitor"
	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/storage"
	"hogrider/p2p-share/pkg/transport/tcp"
)

// ProgressFunc receives the percentage of chunks acquired so far.
type ProgressFunc func(percent float64)

// ChunkFetcher retrieves one chunk from a remote peer.
type ChunkFetcher func(ctx context.Context, from protocol.Peer, fileHash string, index uint32) ([]byte, error)

// TCPFetcher returns a ChunkFetcher doing one request per connection.
func TCPFetcher(dialTimeout, transferTimeout time.Duration) ChunkFetcher {
	return func(ctx context.Context, from protocol.Peer, fileHash string, index uint32) ([]byte, error) {
		addr := fmt.Sprintf("%s:%d", from.Address, from.Port)
		resp, err := tcp.Call(ctx, addr, protocol.ChunkRequest{FileHash: fileHash, ChunkIndex: index}, dialTimeout, transferTimeout)
		if err != nil {
			return nil, err
		}
		v, ok := resp.(protocol.ChunkResponse)
		if !ok {
			return nil, fmt.Errorf("unexpected reply from %s: %T", addr, resp)
		}
		if v.Error != "" {
			return nil, fmt.Errorf("peer %s: %s", addr, v.Error)
		}
		return v.Data, nil
	}
}

// trackerAPI is the part of the tracker connection a download needs.
type trackerAPI interface {
	FileInfo(ctx context.Context, name string) (protocol.FileDetails, error)
	Announce(ctx context.Context, info protocol.FileInfo, chunks []uint32) error
	SubscribeOwnership(fn func(protocol.ChunkOwnershipUpdate)) func()
	PeerID() string
}

type Downloader struct {
	tracker trackerAPI
	server  *ChunkServer
	fetch   ChunkFetcher
	metrics *monitor.Metrics
	workers int
	delay   time.Duration
}

func NewDownloader(tracker trackerAPI, server *ChunkServer, fetch ChunkFetcher, metrics *monitor.Metrics, workers int, delay time.Duration) *Downloader {
	return &Downloader{
		tracker: tracker,
		server:  server,
		fetch:   fetch,
		metrics: metrics,
		workers: workers,
		delay:   delay,
	}
}

// session is the state of one Download call.
type session struct {
	info     protocol.FileInfo
	self     string
	partial  *partialFile
	progress *DownloadTracker

	mu         sync.Mutex
	candidates [][]protocol.Peer
	buffers    [][]byte
}

func (s *session) addCandidate(index uint32, p protocol.Peer) {
	if p.ID == s.self || index >= uint32(len(s.candidates)) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.candidates[index] {
		if c.ID == p.ID {
			return
		}
	}
	s.candidates[index] = append(s.candidates[index], p)
}

// untried returns the candidates for index not in tried, shuffled.
func (s *session) untried(index uint32, tried map[string]struct{}) []protocol.Peer {
	s.mu.Lock()
	var out []protocol.Peer
	for _, c := range s.candidates[index] {
		if _, ok := tried[c.ID]; !ok {
			out = append(out, c)
		}
	}
	s.mu.Unlock()

	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (s *session) store(index uint32, data []byte) {
	s.mu.Lock()
	s.buffers[index] = data
	s.mu.Unlock()
	s.partial.put(index, data)
}

type ChunkJob struct {
	Index uint32
	d     *Downloader
	ctx   context.Context
	s     *session
	onOK  func()
}

func (cj *ChunkJob) Execute() error {
	return cj.d.fetchChunk(cj.ctx, cj.s, cj.Index, cj.onOK)
}

func expectedChunkLen(info protocol.FileInfo, index uint32) int {
	if index == info.ChunkCount-1 {
		return int(info.Size - int64(index)*protocol.ChunkSize)
	}
	return protocol.ChunkSize
}

// fetchChunk tries the candidates for index in random order, falling back to
// the next one on failure. Owners announced while it runs are tried too.
func (d *Downloader) fetchChunk(ctx context.Context, s *session, index uint32, onOK func()) error {
	tried := make(map[string]struct{})
	var errs error

	for {
		candidates := s.untried(index, tried)
		if len(candidates) == 0 {
			break
		}
		for _, p := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			tried[p.ID] = struct{}{}

			s.progress.StartChunk(index, p.ID)
			data, err := d.fetch(ctx, p, s.info.Hash, index)
			if err == nil && len(data) != expectedChunkLen(s.info, index) {
				err = fmt.Errorf("got %d bytes, want %d", len(data), expectedChunkLen(s.info, index))
			}
			if err != nil {
				logger.Sugar.Debugf("[Downloader] chunk %d from %s:%d failed: %v", index, p.Address, p.Port, err)
				s.progress.FailChunk(index)
				s.progress.RetryChunk(index)
				d.metrics.RecordFetchFailure()
				errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", p.ID, err))
				continue
			}

			s.store(index, data)
			s.progress.CompleteChunk(index)
			d.metrics.RecordFetched(len(data))

			// let others find this chunk here before the download finishes
			if err := d.tracker.Announce(ctx, s.info, []uint32{index}); err != nil {
				logger.Sugar.Warnf("[Downloader] failed to announce chunk %d: %v", index, err)
			}
			if onOK != nil {
				onOK()
			}

			if d.delay > 0 {
				select {
				case <-time.After(d.delay):
				case <-ctx.Done():
				}
			}
			return nil
		}
	}

	s.progress.FailChunk(index)
	if len(tried) == 0 {
		return fmt.Errorf("%w %d", protocol.ErrNoPeers, index)
	}
	return fmt.Errorf("chunk %d: all %d candidates failed: %w", index, len(tried), errs)
}

// Download fetches the file announced under name into dir, then seeds it.
// It returns the path of the written file.
func (d *Downloader) Download(ctx context.Context, name, dir string, onProgress ProgressFunc) (string, error) {
	details, err := d.tracker.FileInfo(ctx, name)
	if err != nil {
		return "", fmt.Errorf("lookup %q: %w", name, err)
	}
	info := details.Info
	logger.Sugar.Infof("[Downloader] starting download of %s (%s): %d bytes in %d chunks", info.Name, info.Hash, info.Size, info.ChunkCount)

	s := &session{
		info:       info,
		self:       d.tracker.PeerID(),
		progress:   NewDownloadTracker(info.Name, uint64(info.Size), info.ChunkCount, protocol.ChunkSize),
		candidates: make([][]protocol.Peer, info.ChunkCount),
		buffers:    make([][]byte, info.ChunkCount),
	}
	for i, owners := range details.ChunkOwnership {
		for _, p := range owners {
			s.addCandidate(uint32(i), p)
		}
	}

	s.partial = d.server.beginPartial(info)
	defer d.server.endPartial(s.partial)

	unsubscribe := d.tracker.SubscribeOwnership(func(u protocol.ChunkOwnershipUpdate) {
		if u.FileHash == info.Hash {
			s.addCandidate(u.ChunkIndex, u.Peer)
		}
	})
	defer unsubscribe()

	report := func() {
		if onProgress != nil {
			onProgress(s.progress.Status().Percent())
		}
	}
	report()

	workerPool := NewWorkerPool(d.workers)
	workerPool.Start()
	go func() {
		for i := uint32(0); i < info.ChunkCount; i++ {
			workerPool.Submit(&ChunkJob{Index: i, d: d, ctx: ctx, s: s, onOK: report})
		}
		workerPool.Stop()
	}()

	// every task settles before the download is judged
	var errs error
	for result := range workerPool.Results() {
		if result.Err != nil {
			job := result.Job.(*ChunkJob)
			logger.Sugar.Errorf("[Downloader] chunk %d of %s failed: %v", job.Index, info.Name, result.Err)
			errs = multierr.Append(errs, result.Err)
		}
	}
	<-workerPool.Done()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if missing := s.progress.Missing(); len(missing) > 0 {
		return "", multierr.Append(
			fmt.Errorf("%w: %d of %d chunks missing for %s %v", protocol.ErrIncomplete, len(missing), info.ChunkCount, info.Name, missing),
			errs,
		)
	}
	s.progress.MarkComplete()

	data, err := storage.Reassemble(s.buffers, info.Size)
	if err != nil {
		return "", err
	}
	path, err := storage.WriteFile(dir, info.Name, data)
	if err != nil {
		return "", err
	}

	d.server.Seed(info, path)
	all := make([]uint32, info.ChunkCount)
	for i := range all {
		all[i] = uint32(i)
	}
	if err := d.tracker.Announce(ctx, info, all); err != nil {
		return path, fmt.Errorf("downloaded to %s but failed to announce: %w", path, err)
	}

	st := s.progress.Status()
	logger.Sugar.Infof("[Downloader] %s saved to %s in %s (%.2f MB/s, %d retries)",
		info.Name, path, st.Elapsed.Round(time.Millisecond), st.Speed/1024/1024, st.Retries)
	return path, nil
}

// IsIncomplete reports whether err is a download that ended with chunks missing.
func IsIncomplete(err error) bool {
	return errors.Is(err, protocol.ErrIncomplete)
}
