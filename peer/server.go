package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/monitor"
	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/storage"
	"hogrider/p2p-share/pkg/transport"
	"hogrider/p2p-share/pkg/transport/tcp"
)

type SeededFile struct {
	Info protocol.FileInfo
	Path string
}

// partialFile holds the chunks of a download in progress so they can be
// served before the file is reassembled.
type partialFile struct {
	mu     sync.RWMutex
	info   protocol.FileInfo
	chunks map[uint32][]byte
}

func (pf *partialFile) put(index uint32, data []byte) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.chunks[index] = data
}

func (pf *partialFile) get(index uint32) ([]byte, bool) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	data, ok := pf.chunks[index]
	return data, ok
}

// ChunkServer answers ChunkRequests for seeded files. Requests are served
// concurrently; the seeded set is the only shared state.
type ChunkServer struct {
	Transport transport.Transport
	metrics   *monitor.Metrics

	mu      sync.RWMutex
	seeded  map[string]SeededFile
	partial map[string]*partialFile

	nodesLock sync.Mutex
	nodes     map[string]transport.Node

	quitCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewChunkServer(addr string, metrics *monitor.Metrics) *ChunkServer {
	trans := tcp.NewTCPTransport(addr)
	s := &ChunkServer{
		Transport: trans,
		metrics:   metrics,
		seeded:    make(map[string]SeededFile),
		partial:   make(map[string]*partialFile),
		nodes:     make(map[string]transport.Node),
		quitCh:    make(chan struct{}),
	}
	trans.SetOnPeer(s.OnPeer)
	return s
}

func (s *ChunkServer) Start() error {
	if err := s.Transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start chunk server: %w", err)
	}
	logger.Sugar.Infof("[ChunkServer] serving chunks on %s", s.Transport.Addr())

	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *ChunkServer) Addr() string {
	return s.Transport.Addr()
}

func (s *ChunkServer) Stop() {
	s.once.Do(func() {
		close(s.quitCh)
		s.Transport.Close()

		s.nodesLock.Lock()
		for _, n := range s.nodes {
			n.Close()
		}
		s.nodesLock.Unlock()
	})
	s.wg.Wait()
}

func (s *ChunkServer) OnPeer(node transport.Node) error {
	s.nodesLock.Lock()
	defer s.nodesLock.Unlock()

	select {
	case <-s.quitCh:
		return errors.New("chunk server stopped")
	default:
	}
	s.nodes[node.ID()] = node
	return nil
}

func (s *ChunkServer) loop() {
	defer s.wg.Done()
	for {
		select {
		case rpc := <-s.Transport.Consume():
			s.handleMessage(rpc)
		case <-s.quitCh:
			return
		}
	}
}

func (s *ChunkServer) handleMessage(rpc protocol.RPC) {
	switch v := rpc.Payload.(type) {
	case protocol.ConnClosed:
		s.nodesLock.Lock()
		delete(s.nodes, rpc.From)
		s.nodesLock.Unlock()
	case protocol.ChunkRequest:
		s.nodesLock.Lock()
		node, ok := s.nodes[rpc.From]
		s.nodesLock.Unlock()
		if !ok {
			return
		}
		go s.reply(node, v)
	default:
		logger.Sugar.Warnf("[ChunkServer] unexpected message from=%s type=%T", rpc.From, v)
	}
}

func (s *ChunkServer) reply(node transport.Node, req protocol.ChunkRequest) {
	data, err := s.Serve(req.FileHash, req.ChunkIndex)
	resp := protocol.ChunkResponse{Data: data}
	if err != nil {
		logger.Sugar.Debugf("[ChunkServer] cannot serve chunk %d of %s: %v", req.ChunkIndex, req.FileHash, err)
		resp = protocol.ChunkResponse{Error: err.Error()}
	}
	if err := node.Send(resp); err != nil {
		logger.Sugar.Debugf("[ChunkServer] failed to send chunk to %s: %v", node.Addr(), err)
		return
	}
	if err == nil {
		s.metrics.RecordServed(len(data))
	}
}

// Serve returns the bytes of one chunk. The final chunk of a file is short.
func (s *ChunkServer) Serve(fileHash string, index uint32) ([]byte, error) {
	s.mu.RLock()
	file, seeded := s.seeded[fileHash]
	pf := s.partial[fileHash]
	s.mu.RUnlock()

	if seeded {
		if index >= file.Info.ChunkCount {
			return nil, fmt.Errorf("%w: chunk %d of %s", protocol.ErrNotFound, index, file.Info.Name)
		}
		return storage.ReadChunk(file.Path, index)
	}
	if pf != nil {
		if data, ok := pf.get(index); ok {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrNotSeeding, fileHash)
}

// Seed adds path to the seeded set under info.Hash.
func (s *ChunkServer) Seed(info protocol.FileInfo, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seeded[info.Hash] = SeededFile{Info: info, Path: path}
	logger.Sugar.Infof("[ChunkServer] seeding %s (%s) from %s", info.Name, info.Hash, path)
}

func (s *ChunkServer) IsSeeding(fileHash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seeded[fileHash]
	return ok
}

func (s *ChunkServer) Seeded() []SeededFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]SeededFile, 0, len(s.seeded))
	for _, f := range s.seeded {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Info.Name < files[j].Info.Name })
	return files
}

func (s *ChunkServer) beginPartial(info protocol.FileInfo) *partialFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	pf := &partialFile{info: info, chunks: make(map[uint32][]byte)}
	s.partial[info.Hash] = pf
	return pf
}

func (s *ChunkServer) endPartial(pf *partialFile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partial[pf.info.Hash] == pf {
		delete(s.partial, pf.info.Hash)
	}
}
