package peer

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"hogrider/p2p-share/pkg/discovery"
	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/monitor"
	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/storage"
)

// AutoTracker as TrackerAddr locates the tracker over mDNS.
const AutoTracker = "auto"

type Config struct {
	TrackerAddr       string
	AdvertiseIP       string
	DownloadDir       string
	Workers           int
	FetchDelay        time.Duration
	RequestTimeout    time.Duration
	DialTimeout       time.Duration
	TransferTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// PeerServer is one participant in the swarm: a tracker connection, a chunk
// server on the port the tracker assigned, and a download engine.
type PeerServer struct {
	cfg     Config
	metrics *monitor.Metrics

	tracker    *TrackerClient
	server     *ChunkServer
	downloader *Downloader

	id     string
	port   int
	quitCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPeerServer(cfg Config) *PeerServer {
	return &PeerServer{
		cfg:     cfg,
		metrics: monitor.Global,
		quitCh:  make(chan struct{}),
	}
}

func (p *PeerServer) resolveTracker(ctx context.Context) (string, error) {
	if p.cfg.TrackerAddr != AutoTracker {
		return p.cfg.TrackerAddr, nil
	}
	resolver, err := discovery.NewResolver()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return resolver.FindTracker(ctx)
}

// Start connects to the tracker, obtains a port, starts serving chunks on it
// and registers. It returns once the peer is registered.
func (p *PeerServer) Start(ctx context.Context) error {
	addr, err := p.resolveTracker(ctx)
	if err != nil {
		return err
	}

	p.tracker, err = DialTracker(ctx, addr, p.cfg.RequestTimeout)
	if err != nil {
		return err
	}

	p.port, err = p.tracker.RequestPort(ctx)
	if err != nil {
		p.tracker.Close()
		return fmt.Errorf("request port: %w", err)
	}

	p.server = NewChunkServer(net.JoinHostPort("", strconv.Itoa(p.port)), p.metrics)
	if err := p.server.Start(); err != nil {
		p.tracker.Close()
		return err
	}

	p.id, err = p.tracker.Register(ctx, p.cfg.AdvertiseIP, p.port)
	if err != nil {
		p.server.Stop()
		p.tracker.Close()
		return fmt.Errorf("register: %w", err)
	}

	fetch := TCPFetcher(p.cfg.DialTimeout, p.cfg.TransferTimeout)
	p.downloader = NewDownloader(p.tracker, p.server, fetch, p.metrics, p.cfg.Workers, p.cfg.FetchDelay)

	logger.Sugar.Infof("[PeerServer] registered as %s, serving on %s:%d", p.id, p.cfg.AdvertiseIP, p.port)

	if p.cfg.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeat()
	}
	return nil
}

func (p *PeerServer) heartbeat() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quitCh:
			return
		case <-p.tracker.Done():
			return
		case <-ticker.C:
			if err := p.tracker.Heartbeat(context.Background()); err != nil {
				logger.Sugar.Warnf("[PeerServer] heartbeat failed: %v", err)
			}
		}
	}
}

func (p *PeerServer) Stop() {
	p.once.Do(func() {
		close(p.quitCh)
		if p.server != nil {
			p.server.Stop()
		}
		if p.tracker != nil {
			p.tracker.Close()
		}
	})
	p.wg.Wait()
}

func (p *PeerServer) ID() string { return p.id }

func (p *PeerServer) Port() int { return p.port }

// Seed starts serving the file at path and announces all of its chunks.
func (p *PeerServer) Seed(ctx context.Context, path string) (protocol.FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return protocol.FileInfo{}, err
	}
	info, err := storage.Describe(abs)
	if err != nil {
		return protocol.FileInfo{}, err
	}

	p.server.Seed(info, abs)
	chunks := make([]uint32, info.ChunkCount)
	for i := range chunks {
		chunks[i] = uint32(i)
	}
	if err := p.tracker.Announce(ctx, info, chunks); err != nil {
		return protocol.FileInfo{}, err
	}
	logger.Sugar.Infof("[PeerServer] announced %s (%d chunks)", info.Name, info.ChunkCount)
	return info, nil
}

func (p *PeerServer) ListFiles(ctx context.Context) ([]protocol.FileInfo, error) {
	return p.tracker.ListFiles(ctx)
}

func (p *PeerServer) FileDetails(ctx context.Context, name string) (protocol.FileDetails, error) {
	return p.tracker.FileInfo(ctx, name)
}

// Download fetches name into dir, or into the configured download directory
// when dir is empty.
func (p *PeerServer) Download(ctx context.Context, name, dir string, onProgress ProgressFunc) (string, error) {
	if dir == "" {
		dir = p.cfg.DownloadDir
	}
	return p.downloader.Download(ctx, name, dir, onProgress)
}

func (p *PeerServer) Seeded() []SeededFile {
	return p.server.Seeded()
}

func (p *PeerServer) Peers() []protocol.Peer {
	return p.tracker.Peers()
}

func (p *PeerServer) Metrics() monitor.Snapshot {
	return p.metrics.Snapshot()
}

func (p *PeerServer) GetStatus() string {
	status := fmt.Sprintf("Peer %s serving chunks on port %d\n", p.id, p.port)
	status += fmt.Sprintf("Known peers: %d\n", len(p.tracker.Peers()))

	seeded := p.server.Seeded()
	status += fmt.Sprintf("Seeding %d files\n", len(seeded))
	for _, f := range seeded {
		status += fmt.Sprintf(" - %s (%d bytes, %d chunks) %s\n", f.Info.Name, f.Info.Size, f.Info.ChunkCount, f.Path)
	}

	m := p.metrics.Snapshot()
	status += fmt.Sprintf("Served %d chunks, fetched %d chunks, %d fetch failures\n", m.ChunksServed, m.ChunksFetched, m.FetchFailures)
	return status
}
