package tracker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"hogrider/p2p-share/pkg/discovery"
	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/storage"
	"hogrider/p2p-share/pkg/transport"
	"hogrider/p2p-share/pkg/transport/tcp"
)

var ErrStopped = errors.New("tracker stopped")

type connState int

const (
	stateConnected connState = iota
	statePortAssigned
	stateRegistered
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case statePortAssigned:
		return "port-assigned"
	case stateRegistered:
		return "registered"
	}
	return "unknown"
}

// session is the per-connection protocol state. The connection id doubles
// as the peer id once registered.
type session struct {
	node  transport.Node
	state connState
	port  int
}

type Options struct {
	ListenAddr     string
	PortRangeStart int
	PortRangeEnd   int
	IdleTimeout    time.Duration
	EvictInterval  time.Duration
	// WriteTimeout bounds each send to a peer; zero keeps the transport default.
	WriteTimeout time.Duration
	Advertise    bool
}

type evictResult struct {
	evicted int
	err     error
}

type evictRequest struct {
	ctx   context.Context
	reply chan evictResult
}

type Tracker struct {
	opts       Options
	Transport  transport.Transport
	registry   Registry
	index      Index
	ports      *PortPool
	advertiser *discovery.Advertiser

	mu       sync.Mutex
	sessions map[string]*session
	evictCh  chan evictRequest

	started time.Time
	quitCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func New(opts Options, registry Registry, index Index) *Tracker {
	trans := tcp.NewTCPTransport(opts.ListenAddr)
	if opts.WriteTimeout > 0 {
		trans.SetWriteTimeout(opts.WriteTimeout)
	}

	t := &Tracker{
		opts:       opts,
		Transport:  trans,
		registry:   registry,
		index:      index,
		ports:      NewPortPool(opts.PortRangeStart, opts.PortRangeEnd),
		advertiser: discovery.NewAdvertiser(),
		sessions:   make(map[string]*session),
		evictCh:    make(chan evictRequest),
		quitCh:     make(chan struct{}),
	}
	trans.SetOnPeer(t.OnPeer)

	return t
}

// Start listens and returns; the message loop and the eviction monitor run
// in the background until Stop.
func (t *Tracker) Start() error {
	if err := t.Transport.ListenAndAccept(); err != nil {
		return err
	}
	t.started = time.Now()
	logger.Sugar.Infof("[Tracker] listening on %s (ports %d-%d)", t.Transport.Addr(), t.opts.PortRangeStart, t.opts.PortRangeEnd)

	if t.opts.Advertise {
		t.advertise()
	}

	t.wg.Add(2)
	go t.loop()
	go t.monitorPeers()
	return nil
}

func (t *Tracker) advertise() {
	_, portStr, err := net.SplitHostPort(t.Transport.Addr())
	if err != nil {
		logger.Sugar.Errorf("[Tracker] failed to parse address: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return
	}
	meta := map[string]string{
		"version": "1.0.0",
		"role":    discovery.RoleTracker,
	}
	if err := t.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[Tracker] failed to start mDNS advertisement: %v", err)
		return
	}
	logger.Sugar.Infof("[Tracker] mDNS advertisement started on port %d", port)
}

func (t *Tracker) Addr() string {
	return t.Transport.Addr()
}

func (t *Tracker) Stop() {
	t.once.Do(func() {
		t.advertiser.Stop()
		close(t.quitCh)
		t.Transport.Close()

		t.mu.Lock()
		for _, s := range t.sessions {
			s.node.Close()
		}
		t.mu.Unlock()
	})
	t.wg.Wait()
}

func (t *Tracker) OnPeer(node transport.Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.quitCh:
		return ErrStopped
	default:
	}
	t.sessions[node.ID()] = &session{node: node, state: stateConnected}
	logger.Sugar.Debugf("[Tracker] peer connected: conn=%s remote=%s", node.ID(), node.Addr())
	return nil
}

func (t *Tracker) loop() {
	defer func() {
		logger.Sugar.Info("[Tracker] message loop stopped")
		t.wg.Done()
	}()

	for {
		select {
		case rpc := <-t.Transport.Consume():
			t.handleRPC(rpc)
		case req := <-t.evictCh:
			n, err := t.evictIdle(req.ctx)
			req.reply <- evictResult{evicted: n, err: err}
		case <-t.quitCh:
			return
		}
	}
}

func (t *Tracker) handleRPC(rpc protocol.RPC) {
	if _, ok := rpc.Payload.(protocol.ConnClosed); ok {
		t.handleDisconnect(rpc.From)
		return
	}

	t.mu.Lock()
	s := t.sessions[rpc.From]
	t.mu.Unlock()
	if s == nil {
		// evicted, or closed before OnPeer ran
		return
	}

	ctx := context.Background()
	resp, err := t.handleMessage(ctx, rpc.From, s, rpc.Payload)
	if err != nil {
		logger.Sugar.Warnf("[Tracker] request rejected: conn=%s type=%T err=%v", rpc.From, rpc.Payload, err)
		resp = protocol.ErrorResponse{
			ReqID:   reqIDOfRequest(rpc.Payload),
			Code:    protocol.CodeOf(err),
			Message: err.Error(),
		}
	}
	if resp == nil {
		return
	}
	if err := s.node.Send(resp); err != nil {
		logger.Sugar.Errorf("[Tracker] failed to reply: conn=%s type=%T err=%v", rpc.From, resp, err)
	}
}

func reqIDOfRequest(msg any) uint64 {
	switch v := msg.(type) {
	case protocol.RequestPort:
		return v.ReqID
	case protocol.RegisterPeer:
		return v.ReqID
	case protocol.AnnounceChunks:
		return v.ReqID
	case protocol.FileListRequest:
		return v.ReqID
	case protocol.FileInfoRequest:
		return v.ReqID
	case protocol.PeersForChunkRequest:
		return v.ReqID
	case protocol.Heartbeat:
		return v.ReqID
	}
	return 0
}

func (t *Tracker) handleMessage(ctx context.Context, from string, s *session, msg any) (any, error) {
	switch v := msg.(type) {
	case protocol.RequestPort:
		return t.handleRequestPort(from, s, v)
	case protocol.RegisterPeer:
		return t.handleRegisterPeer(ctx, from, s, v)
	case protocol.AnnounceChunks:
		return nil, t.handleAnnounce(ctx, from, s, v)
	case protocol.FileListRequest:
		files, err := t.index.AllFiles(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.FileList{ReqID: v.ReqID, Files: files}, nil
	case protocol.FileInfoRequest:
		return t.handleFileInfo(ctx, v)
	case protocol.PeersForChunkRequest:
		return t.handlePeersForChunk(ctx, v)
	case protocol.Heartbeat:
		return t.handleHeartbeat(ctx, from, s, v)
	default:
		return nil, fmt.Errorf("%w: unknown message type %T", protocol.ErrValidation, v)
	}
}

func (t *Tracker) requireState(s *session, want connState) error {
	t.mu.Lock()
	got := s.state
	t.mu.Unlock()
	if got != want {
		return fmt.Errorf("%w: expected %s, connection is %s", protocol.ErrInvalidState, want, got)
	}
	return nil
}

func (t *Tracker) handleRequestPort(from string, s *session, msg protocol.RequestPort) (any, error) {
	if err := t.requireState(s, stateConnected); err != nil {
		return nil, err
	}
	port, err := t.ports.Allocate()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	s.port = port
	s.state = statePortAssigned
	t.mu.Unlock()

	logger.Sugar.Infof("[Tracker] port assigned: conn=%s port=%d", from, port)
	return protocol.PortAssigned{ReqID: msg.ReqID, Port: port}, nil
}

func (t *Tracker) handleRegisterPeer(ctx context.Context, from string, s *session, msg protocol.RegisterPeer) (any, error) {
	if err := t.requireState(s, statePortAssigned); err != nil {
		return nil, err
	}
	if net.ParseIP(msg.Address) == nil {
		return nil, fmt.Errorf("%w: address %q is not an IP", protocol.ErrValidation, msg.Address)
	}
	if msg.Port < 1 || msg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", protocol.ErrValidation, msg.Port)
	}

	t.mu.Lock()
	assigned := s.port
	t.mu.Unlock()
	if msg.Port != assigned {
		return nil, fmt.Errorf("%w: port %d does not match assigned port %d", protocol.ErrValidation, msg.Port, assigned)
	}

	peer := protocol.Peer{ID: from, Address: msg.Address, Port: msg.Port, Connected: true}
	if err := t.registry.Register(ctx, peer); err != nil {
		return nil, err
	}

	t.mu.Lock()
	s.state = stateRegistered
	t.mu.Unlock()

	logger.Sugar.Infof("[Tracker] peer registered: id=%s addr=%s:%d", from, msg.Address, msg.Port)

	// ack first so the new peer learns its id before the broadcast reaches it
	if err := s.node.Send(protocol.Registered{ReqID: msg.ReqID, PeerID: from}); err != nil {
		return nil, err
	}
	t.broadcastPeerList(ctx)
	return nil, nil
}

func validateAnnounce(msg protocol.AnnounceChunks) ([]uint32, error) {
	info := msg.FileInfo
	if len(info.Hash) != 64 {
		return nil, fmt.Errorf("%w: file hash must be 64 hex characters", protocol.ErrValidation)
	}
	if _, err := hex.DecodeString(info.Hash); err != nil {
		return nil, fmt.Errorf("%w: file hash is not hex", protocol.ErrValidation)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("%w: file name is empty", protocol.ErrValidation)
	}
	if info.Size <= 0 {
		return nil, fmt.Errorf("%w: file size must be positive", protocol.ErrValidation)
	}
	if want := storage.ChunkCount(info.Size); info.ChunkCount != want {
		return nil, fmt.Errorf("%w: chunk count %d does not match size (want %d)", protocol.ErrValidation, info.ChunkCount, want)
	}
	if len(msg.Chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks announced", protocol.ErrValidation)
	}

	chunks := make([]uint32, 0, len(msg.Chunks))
	for _, c := range msg.Chunks {
		if c.FileHash != info.Hash {
			return nil, fmt.Errorf("%w: chunk refers to file %s", protocol.ErrValidation, c.FileHash)
		}
		if c.ChunkIndex >= info.ChunkCount {
			return nil, fmt.Errorf("%w: chunk index %d out of range", protocol.ErrValidation, c.ChunkIndex)
		}
		chunks = append(chunks, c.ChunkIndex)
	}
	return chunks, nil
}

func (t *Tracker) handleAnnounce(ctx context.Context, from string, s *session, msg protocol.AnnounceChunks) error {
	if err := t.requireState(s, stateRegistered); err != nil {
		return err
	}
	chunks, err := validateAnnounce(msg)
	if err != nil {
		return err
	}
	if err := t.index.Announce(ctx, from, msg.FileInfo, chunks); err != nil {
		return err
	}

	peer, ok, err := t.registry.Get(ctx, from)
	if err != nil {
		return err
	}
	if !ok {
		// registry entry already gone: undo the ownership just recorded
		if err := t.index.RemovePeer(ctx, from); err != nil {
			return err
		}
		return fmt.Errorf("%w: peer %s is no longer registered", protocol.ErrInvalidState, from)
	}

	logger.Sugar.Debugf("[Tracker] chunks announced: peer=%s file=%s count=%d", from, msg.FileInfo.Name, len(chunks))
	for _, c := range chunks {
		t.broadcast(protocol.ChunkOwnershipUpdate{FileHash: msg.FileInfo.Hash, ChunkIndex: c, Peer: peer}, from)
	}
	return nil
}

func (t *Tracker) handleFileInfo(ctx context.Context, msg protocol.FileInfoRequest) (any, error) {
	info, ok, err := t.index.FindByName(ctx, msg.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: file %q", protocol.ErrNotFound, msg.Name)
	}
	details, ok, err := t.index.Materialize(ctx, info.Hash, t.registry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: file %q", protocol.ErrNotFound, msg.Name)
	}
	details.ReqID = msg.ReqID
	return details, nil
}

func (t *Tracker) handlePeersForChunk(ctx context.Context, msg protocol.PeersForChunkRequest) (any, error) {
	ids, err := t.index.OwnersOf(ctx, msg.FileHash, msg.ChunkIndex)
	if err != nil {
		return nil, err
	}
	peers, err := t.registry.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	return protocol.PeersForChunk{
		ReqID:      msg.ReqID,
		FileHash:   msg.FileHash,
		ChunkIndex: msg.ChunkIndex,
		Peers:      peers,
	}, nil
}

func (t *Tracker) handleHeartbeat(ctx context.Context, from string, s *session, msg protocol.Heartbeat) (any, error) {
	if err := t.requireState(s, stateRegistered); err != nil {
		return nil, err
	}
	if err := t.registry.Touch(ctx, from); err != nil {
		return nil, err
	}
	return protocol.HeartbeatAck{ReqID: msg.ReqID}, nil
}

// handleDisconnect ties the port to the connection: it goes back to the pool
// whether or not the peer ever registered.
func (t *Tracker) handleDisconnect(id string) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if s.state != stateConnected {
		t.ports.Release(s.port)
	}
	if s.state != stateRegistered {
		logger.Sugar.Debugf("[Tracker] connection closed before registering: conn=%s", id)
		return
	}

	ctx := context.Background()
	if err := t.dropPeer(ctx, id); err != nil {
		logger.Sugar.Errorf("[Tracker] failed to drop peer: id=%s err=%v", id, err)
	}
	logger.Sugar.Infof("[Tracker] peer disconnected: id=%s", id)
	t.broadcastPeerList(ctx)
}

func (t *Tracker) dropPeer(ctx context.Context, id string) error {
	if err := t.index.RemovePeer(ctx, id); err != nil {
		return err
	}
	return t.registry.Unregister(ctx, id)
}

func (t *Tracker) monitorPeers() {
	defer t.wg.Done()
	if t.opts.EvictInterval <= 0 {
		return
	}

	ticker := time.NewTicker(t.opts.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.quitCh:
			return
		case <-ticker.C:
			if _, err := t.EvictIdle(context.Background()); err != nil && !errors.Is(err, ErrStopped) {
				logger.Sugar.Errorf("[Tracker] eviction failed: %v", err)
			}
		}
	}
}

// EvictIdle removes peers that have not sent a heartbeat within IdleTimeout,
// closes their connections and broadcasts the new peer list. The work runs on
// the message loop, so it never interleaves with a request from the peer
// being evicted.
func (t *Tracker) EvictIdle(ctx context.Context) (int, error) {
	req := evictRequest{ctx: ctx, reply: make(chan evictResult, 1)}
	select {
	case t.evictCh <- req:
	case <-t.quitCh:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.evicted, res.err
	case <-t.quitCh:
		return 0, ErrStopped
	}
}

func (t *Tracker) evictIdle(ctx context.Context) (int, error) {
	ids, err := t.registry.EvictIdle(ctx, t.opts.IdleTimeout)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var errs error
	for _, id := range ids {
		t.mu.Lock()
		s, ok := t.sessions[id]
		if ok {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		if ok {
			t.ports.Release(s.port)
			s.node.Close()
		}

		if err := t.index.RemovePeer(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
		}
		logger.Sugar.Warnf("[Tracker] peer timed out: id=%s", id)
	}

	t.broadcastPeerList(ctx)
	return len(ids), errs
}

func (t *Tracker) broadcastPeerList(ctx context.Context) {
	peers, err := t.registry.ListActive(ctx)
	if err != nil {
		logger.Sugar.Errorf("[Tracker] failed to list peers for broadcast: %v", err)
		return
	}
	t.broadcast(protocol.PeerListUpdate{Peers: peers}, "")
}

// broadcast sends msg to every registered connection except skip.
func (t *Tracker) broadcast(msg any, skip string) {
	t.mu.Lock()
	targets := make([]transport.Node, 0, len(t.sessions))
	for id, s := range t.sessions {
		if id != skip && s.state == stateRegistered {
			targets = append(targets, s.node)
		}
	}
	t.mu.Unlock()

	for _, node := range targets {
		if err := node.Send(msg); err != nil {
			// a peer that stops reading is dropped; its ConnClosed does the cleanup
			logger.Sugar.Debugf("[Tracker] broadcast failed, closing: conn=%s type=%T err=%v", node.ID(), msg, err)
			node.Close()
		}
	}
}

func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	active, err := t.registry.ListActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	files, err := t.index.AllFiles(ctx)
	if err != nil {
		return Stats{}, err
	}

	t.mu.Lock()
	total := len(t.sessions)
	t.mu.Unlock()

	st := Stats{TotalPeers: total, ActivePeers: len(active), TotalFiles: len(files)}
	for _, f := range files {
		st.TotalChunks += int(f.ChunkCount)
	}
	return st, nil
}

func (t *Tracker) Peers(ctx context.Context) ([]protocol.Peer, error) {
	peers, err := t.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

func (t *Tracker) Files(ctx context.Context) ([]protocol.FileInfo, error) {
	return t.index.AllFiles(ctx)
}

func (t *Tracker) Uptime() time.Duration {
	if t.started.IsZero() {
		return 0
	}
	return time.Since(t.started)
}

func (t *Tracker) GetStatus() string {
	ctx := context.Background()
	status := fmt.Sprintf("Tracker running on: %s\n", t.Transport.Addr())

	st, err := t.Stats(ctx)
	if err != nil {
		return status + fmt.Sprintf("Stats unavailable: %v\n", err)
	}
	status += fmt.Sprintf("Connections: %d  Registered peers: %d\n", st.TotalPeers, st.ActivePeers)
	status += fmt.Sprintf("Ports in use: %d\n", t.ports.InUse())
	status += fmt.Sprintf("Files: %d  Chunks: %d\n", st.TotalFiles, st.TotalChunks)

	files, err := t.index.AllFiles(ctx)
	if err != nil {
		return status
	}
	for _, f := range files {
		status += fmt.Sprintf(" - File: %s (ID: %s) Size: %d bytes, %d chunks\n", f.Name, f.Hash, f.Size, f.ChunkCount)
	}
	return status
}
