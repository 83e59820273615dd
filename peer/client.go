package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/transport"
	"hogrider/p2p-share/pkg/transport/tcp"
)

// TrackerClient holds the persistent connection to the tracker. Requests are
// matched to replies by ReqID; broadcasts are fanned out to subscribers.
type TrackerClient struct {
	trans   transport.Transport
	node    transport.Node
	timeout time.Duration

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan any
	peers   []protocol.Peer
	subs    map[uint64]func(protocol.ChunkOwnershipUpdate)
	nextSub uint64
	peerID  string

	closed    chan struct{}
	closeOnce sync.Once
}

// DialTracker connects to the tracker. timeout bounds every request that
// expects a reply.
func DialTracker(ctx context.Context, addr string, timeout time.Duration) (*TrackerClient, error) {
	trans := tcp.NewTCPTransport("")
	node, err := trans.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial tracker %s: %w", addr, err)
	}

	c := &TrackerClient{
		trans:   trans,
		node:    node,
		timeout: timeout,
		pending: make(map[uint64]chan any),
		subs:    make(map[uint64]func(protocol.ChunkOwnershipUpdate)),
		closed:  make(chan struct{}),
	}
	go c.loop()

	logger.Sugar.Infof("[TrackerClient] connected to tracker %s", addr)
	return c, nil
}

func (c *TrackerClient) loop() {
	for {
		select {
		case rpc := <-c.trans.Consume():
			if !c.handle(rpc.Payload) {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *TrackerClient) handle(msg any) bool {
	switch v := msg.(type) {
	case protocol.ConnClosed:
		logger.Sugar.Warn("[TrackerClient] tracker connection closed")
		c.shutdown()
		return false
	case protocol.PeerListUpdate:
		c.mu.Lock()
		c.peers = v.Peers
		c.mu.Unlock()
	case protocol.ChunkOwnershipUpdate:
		c.mu.Lock()
		subs := make([]func(protocol.ChunkOwnershipUpdate), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(v)
		}
	default:
		id := protocol.ReqIDOf(msg)
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			if resp, isErr := msg.(protocol.ErrorResponse); isErr {
				logger.Sugar.Warnf("[TrackerClient] tracker reported: %v", resp.Err())
			} else {
				logger.Sugar.Debugf("[TrackerClient] unsolicited message %T", msg)
			}
			return true
		}
		ch <- msg
	}
	return true
}

func (c *TrackerClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.node.Close()
		c.trans.Close()
	})
}

func (c *TrackerClient) Close() error {
	c.shutdown()
	return nil
}

// Done is closed once the tracker connection is gone.
func (c *TrackerClient) Done() <-chan struct{} {
	return c.closed
}

func (c *TrackerClient) call(ctx context.Context, build func(id uint64) any) (any, error) {
	id := c.nextID.Add(1)
	ch := make(chan any, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := build(id)
	if err := c.node.Send(req); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrTrackerClosed, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if e, ok := resp.(protocol.ErrorResponse); ok {
			return nil, e.Err()
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %T after %s", protocol.ErrTimeout, req, c.timeout)
	case <-c.closed:
		return nil, protocol.ErrTrackerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unexpected(resp any) error {
	return fmt.Errorf("unexpected reply from tracker: %T", resp)
}

func (c *TrackerClient) RequestPort(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, func(id uint64) any { return protocol.RequestPort{ReqID: id} })
	if err != nil {
		return 0, err
	}
	v, ok := resp.(protocol.PortAssigned)
	if !ok {
		return 0, unexpected(resp)
	}
	return v.Port, nil
}

func (c *TrackerClient) Register(ctx context.Context, address string, port int) (string, error) {
	resp, err := c.call(ctx, func(id uint64) any {
		return protocol.RegisterPeer{ReqID: id, Address: address, Port: port}
	})
	if err != nil {
		return "", err
	}
	v, ok := resp.(protocol.Registered)
	if !ok {
		return "", unexpected(resp)
	}

	c.mu.Lock()
	c.peerID = v.PeerID
	c.mu.Unlock()
	return v.PeerID, nil
}

// PeerID is empty until Register succeeds.
func (c *TrackerClient) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Announce is fire-and-forget and carries ReqID 0: the tracker only answers
// on failure, which is logged by the read loop.
func (c *TrackerClient) Announce(_ context.Context, info protocol.FileInfo, chunks []uint32) error {
	refs := make([]protocol.ChunkRef, 0, len(chunks))
	for _, idx := range chunks {
		refs = append(refs, protocol.ChunkRef{FileHash: info.Hash, ChunkIndex: idx})
	}
	msg := protocol.AnnounceChunks{FileInfo: info, Chunks: refs}
	if err := c.node.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTrackerClosed, err)
	}
	return nil
}

func (c *TrackerClient) ListFiles(ctx context.Context) ([]protocol.FileInfo, error) {
	resp, err := c.call(ctx, func(id uint64) any { return protocol.FileListRequest{ReqID: id} })
	if err != nil {
		return nil, err
	}
	v, ok := resp.(protocol.FileList)
	if !ok {
		return nil, unexpected(resp)
	}
	return v.Files, nil
}

func (c *TrackerClient) FileInfo(ctx context.Context, name string) (protocol.FileDetails, error) {
	resp, err := c.call(ctx, func(id uint64) any { return protocol.FileInfoRequest{ReqID: id, Name: name} })
	if err != nil {
		return protocol.FileDetails{}, err
	}
	v, ok := resp.(protocol.FileDetails)
	if !ok {
		return protocol.FileDetails{}, unexpected(resp)
	}
	// gob omits empty slices; restore one non-nil entry per chunk
	if len(v.ChunkOwnership) < int(v.Info.ChunkCount) {
		full := make([][]protocol.Peer, v.Info.ChunkCount)
		copy(full, v.ChunkOwnership)
		v.ChunkOwnership = full
	}
	for i := range v.ChunkOwnership {
		if v.ChunkOwnership[i] == nil {
			v.ChunkOwnership[i] = []protocol.Peer{}
		}
	}
	return v, nil
}

func (c *TrackerClient) PeersForChunk(ctx context.Context, fileHash string, chunk uint32) ([]protocol.Peer, error) {
	resp, err := c.call(ctx, func(id uint64) any {
		return protocol.PeersForChunkRequest{ReqID: id, FileHash: fileHash, ChunkIndex: chunk}
	})
	if err != nil {
		return nil, err
	}
	v, ok := resp.(protocol.PeersForChunk)
	if !ok {
		return nil, unexpected(resp)
	}
	return v.Peers, nil
}

func (c *TrackerClient) Heartbeat(ctx context.Context) error {
	resp, err := c.call(ctx, func(id uint64) any {
		return protocol.Heartbeat{ReqID: id, Timestamp: time.Now().UnixMilli()}
	})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.HeartbeatAck); !ok {
		return unexpected(resp)
	}
	return nil
}

// Peers returns the last active-peer list broadcast by the tracker.
func (c *TrackerClient) Peers() []protocol.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Peer(nil), c.peers...)
}

// SubscribeOwnership registers fn for ownership broadcasts until the returned
// cancel func is called. fn runs on the read loop and must not block.
func (c *TrackerClient) SubscribeOwnership(fn func(protocol.ChunkOwnershipUpdate)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
