package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/transport/tcp"
)

type testConn struct {
	t    *testing.T
	conn net.Conn
}

func dialTracker(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(msg any) {
	c.t.Helper()
	require.NoError(c.t, tcp.WriteMessage(c.conn, msg))
}

func (c *testConn) recv() any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := tcp.ReadMessage(c.conn)
	require.NoError(c.t, err)
	return msg
}

// reply skips broadcasts and returns the next response.
func (c *testConn) reply() any {
	c.t.Helper()
	for {
		switch msg := c.recv().(type) {
		case protocol.PeerListUpdate, protocol.ChunkOwnershipUpdate:
			continue
		default:
			return msg
		}
	}
}

func (c *testConn) expectError(code string) protocol.ErrorResponse {
	c.t.Helper()
	resp, ok := c.reply().(protocol.ErrorResponse)
	require.True(c.t, ok, "expected an error response")
	require.Equal(c.t, code, resp.Code)
	return resp
}

// register walks the connection through request-port and register-peer.
func (c *testConn) register() (string, int) {
	c.t.Helper()
	c.send(protocol.RequestPort{ReqID: 1})
	assigned, ok := c.reply().(protocol.PortAssigned)
	require.True(c.t, ok)

	c.send(protocol.RegisterPeer{ReqID: 2, Address: "127.0.0.1", Port: assigned.Port})
	reg, ok := c.reply().(protocol.Registered)
	require.True(c.t, ok)
	require.Equal(c.t, uint64(2), reg.ReqID)
	require.NotEmpty(c.t, reg.PeerID)
	return reg.PeerID, assigned.Port
}

func startTracker(t *testing.T, opts Options) (*Tracker, *MemoryRegistry) {
	t.Helper()
	return startTrackerWith(t, opts, NewMemoryRegistry())
}

func startTrackerWith(t *testing.T, opts Options, reg *MemoryRegistry) (*Tracker, *MemoryRegistry) {
	t.Helper()
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	if opts.PortRangeStart == 0 {
		opts.PortRangeStart, opts.PortRangeEnd = 45100, 45199
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	tr := New(opts, reg, NewMemoryIndex())
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)
	return tr, reg
}

func announceAll(info protocol.FileInfo) protocol.AnnounceChunks {
	msg := protocol.AnnounceChunks{ReqID: 3, FileInfo: info}
	for c := uint32(0); c < info.ChunkCount; c++ {
		msg.Chunks = append(msg.Chunks, protocol.ChunkRef{FileHash: info.Hash, ChunkIndex: c})
	}
	return msg
}

func TestConnectionStateMachine(t *testing.T) {
	tr, _ := startTracker(t, Options{})
	c := dialTracker(t, tr.Addr())

	c.send(protocol.RegisterPeer{ReqID: 10, Address: "127.0.0.1", Port: 45100})
	resp := c.expectError(protocol.CodeInvalidState)
	require.Equal(t, uint64(10), resp.ReqID)
	require.ErrorIs(t, resp.Err(), protocol.ErrInvalidState)

	c.send(protocol.Heartbeat{ReqID: 11})
	c.expectError(protocol.CodeInvalidState)

	c.send(announceAll(testFile("early.txt", 10)))
	c.expectError(protocol.CodeInvalidState)

	c.send(protocol.RequestPort{ReqID: 12})
	assigned, ok := c.reply().(protocol.PortAssigned)
	require.True(t, ok)
	require.Equal(t, uint64(12), assigned.ReqID)
	require.Equal(t, 45100, assigned.Port)

	c.send(protocol.RequestPort{ReqID: 13})
	c.expectError(protocol.CodeInvalidState)

	c.send(protocol.RegisterPeer{ReqID: 14, Address: "127.0.0.1", Port: assigned.Port + 1})
	c.expectError(protocol.CodeValidation)

	c.send(protocol.RegisterPeer{ReqID: 15, Address: "not-an-ip", Port: assigned.Port})
	c.expectError(protocol.CodeValidation)

	c.send(protocol.RegisterPeer{ReqID: 16, Address: "127.0.0.1", Port: assigned.Port})
	reg, ok := c.reply().(protocol.Registered)
	require.True(t, ok)
	require.NotEmpty(t, reg.PeerID)

	c.send(protocol.Heartbeat{ReqID: 17, Timestamp: time.Now().UnixMilli()})
	ack, ok := c.reply().(protocol.HeartbeatAck)
	require.True(t, ok)
	require.Equal(t, uint64(17), ack.ReqID)

	c.send(protocol.RequestPort{ReqID: 18})
	c.expectError(protocol.CodeInvalidState)
}

func TestAnnounceValidation(t *testing.T) {
	tr, _ := startTracker(t, Options{})
	c := dialTracker(t, tr.Addr())
	c.register()

	good := testFile("good.bin", 2*protocol.ChunkSize)

	empty := protocol.AnnounceChunks{ReqID: 20, FileInfo: good}
	c.send(empty)
	require.Equal(t, uint64(20), c.expectError(protocol.CodeValidation).ReqID)

	wrongCount := announceAll(good)
	wrongCount.FileInfo.ChunkCount = 5
	c.send(wrongCount)
	c.expectError(protocol.CodeValidation)

	badHash := announceAll(good)
	badHash.FileInfo.Hash = "xyz"
	c.send(badHash)
	c.expectError(protocol.CodeValidation)

	outOfRange := announceAll(good)
	outOfRange.Chunks = append(outOfRange.Chunks, protocol.ChunkRef{FileHash: good.Hash, ChunkIndex: 9})
	c.send(outOfRange)
	c.expectError(protocol.CodeValidation)

	// a valid announce is fire-and-forget; the next reply belongs to the file list
	c.send(announceAll(good))
	c.send(protocol.FileListRequest{ReqID: 21})
	list, ok := c.reply().(protocol.FileList)
	require.True(t, ok)
	require.Equal(t, uint64(21), list.ReqID)
	require.Equal(t, []protocol.FileInfo{good}, list.Files)
}

func TestSeederLeecherOwnershipFlow(t *testing.T) {
	tr, _ := startTracker(t, Options{})

	seeder := dialTracker(t, tr.Addr())
	seederID, _ := seeder.register()

	leecher := dialTracker(t, tr.Addr())
	leecher.register()

	info := testFile("video.mp4", protocol.ChunkSize*5/2)
	require.Equal(t, uint32(3), info.ChunkCount)
	seeder.send(announceAll(info))

	// ownership updates arrive one per chunk, to everyone but the announcer
	seen := map[uint32]bool{}
	for len(seen) < 3 {
		if upd, ok := leecher.recv().(protocol.ChunkOwnershipUpdate); ok {
			require.Equal(t, info.Hash, upd.FileHash)
			require.Equal(t, seederID, upd.Peer.ID)
			seen[upd.ChunkIndex] = true
		}
	}

	leecher.send(protocol.FileInfoRequest{ReqID: 30, Name: "video.mp4"})
	details, ok := leecher.reply().(protocol.FileDetails)
	require.True(t, ok)
	require.Equal(t, uint64(30), details.ReqID)
	require.Equal(t, info, details.Info)
	require.Len(t, details.ChunkOwnership, 3)
	for _, owners := range details.ChunkOwnership {
		require.Equal(t, []string{seederID}, peerIDs(owners))
		require.Equal(t, "127.0.0.1", owners[0].Address)
	}

	leecher.send(protocol.PeersForChunkRequest{ReqID: 31, FileHash: info.Hash, ChunkIndex: 1})
	forChunk, ok := leecher.reply().(protocol.PeersForChunk)
	require.True(t, ok)
	require.Equal(t, []string{seederID}, peerIDs(forChunk.Peers))

	leecher.send(protocol.FileInfoRequest{ReqID: 32, Name: "missing.mp4"})
	resp := leecher.expectError(protocol.CodeNotFound)
	require.ErrorIs(t, resp.Err(), protocol.ErrNotFound)
}

func TestDisconnectReleasesPortAndOwnership(t *testing.T) {
	tr, reg := startTracker(t, Options{})

	seeder := dialTracker(t, tr.Addr())
	seederID, _ := seeder.register()
	info := testFile("leaving.bin", 10)
	seeder.send(announceAll(info))

	watcher := dialTracker(t, tr.Addr())
	watcher.register()

	require.Eventually(t, func() bool {
		owners, _ := tr.index.OwnersOf(context.Background(), info.Hash, 0)
		return len(owners) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 2, tr.ports.InUse())

	seeder.conn.Close()

	// the peer-list broadcast reflects the departure
	for {
		if upd, ok := watcher.recv().(protocol.PeerListUpdate); ok && !containsPeer(upd.Peers, seederID) {
			break
		}
	}

	_, ok, err := reg.Get(context.Background(), seederID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, tr.ports.InUse())

	watcher.send(protocol.FileInfoRequest{ReqID: 40, Name: "leaving.bin"})
	details, ok := watcher.reply().(protocol.FileDetails)
	require.True(t, ok)
	require.Len(t, details.ChunkOwnership, 1)
	require.Empty(t, details.ChunkOwnership[0])
}

func containsPeer(peers []protocol.Peer, id string) bool {
	for _, p := range peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestPortExhaustion(t *testing.T) {
	tr, _ := startTracker(t, Options{PortRangeStart: 45150, PortRangeEnd: 45151})

	first := dialTracker(t, tr.Addr())
	first.send(protocol.RequestPort{ReqID: 1})
	_, ok := first.reply().(protocol.PortAssigned)
	require.True(t, ok)

	second := dialTracker(t, tr.Addr())
	second.send(protocol.RequestPort{ReqID: 1})
	_, ok = second.reply().(protocol.PortAssigned)
	require.True(t, ok)

	third := dialTracker(t, tr.Addr())
	third.send(protocol.RequestPort{ReqID: 7})
	resp := third.expectError(protocol.CodePortsExhausted)
	require.Equal(t, uint64(7), resp.ReqID)
	require.ErrorIs(t, resp.Err(), protocol.ErrPortsExhausted)

	// closing a connection that never registered still frees its port
	first.conn.Close()
	require.Eventually(t, func() bool { return tr.ports.InUse() == 1 }, 5*time.Second, 20*time.Millisecond)

	third.send(protocol.RequestPort{ReqID: 8})
	assigned, ok := third.reply().(protocol.PortAssigned)
	require.True(t, ok)
	require.Equal(t, 45150, assigned.Port)
}

func TestEvictIdlePeer(t *testing.T) {
	clock := newFakeClock()
	reg := NewMemoryRegistry()
	reg.now = clock.Now
	tr, _ := startTrackerWith(t, Options{IdleTimeout: 5 * time.Minute}, reg)

	idle := dialTracker(t, tr.Addr())
	idleID, _ := idle.register()

	clock.Advance(10 * time.Minute)

	live := dialTracker(t, tr.Addr())
	liveID, _ := live.register()

	n, err := tr.EvictIdle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for {
		upd, ok := live.recv().(protocol.PeerListUpdate)
		if ok && !containsPeer(upd.Peers, idleID) {
			require.True(t, containsPeer(upd.Peers, liveID))
			break
		}
	}

	// the evicted connection is closed by the tracker
	require.NoError(t, idle.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, err := tcp.ReadMessage(idle.conn); err != nil {
			require.NotErrorIs(t, err, os.ErrDeadlineExceeded)
			break
		}
	}

	stats, err := tr.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.ActivePeers)
	require.Equal(t, 1, tr.ports.InUse())
}

func TestAnnounceFromUnregisteredPeerLeavesNoOwnership(t *testing.T) {
	tr, reg := startTracker(t, Options{})
	c := dialTracker(t, tr.Addr())
	id, _ := c.register()

	// registry entry gone while the connection is still open
	require.NoError(t, reg.Unregister(context.Background(), id))

	info := testFile("orphan.bin", 10)
	c.send(announceAll(info))
	resp := c.expectError(protocol.CodeInvalidState)
	require.Equal(t, uint64(3), resp.ReqID)

	owners, err := tr.index.OwnersOf(context.Background(), info.Hash, 0)
	require.NoError(t, err)
	require.Empty(t, owners)
}

// pausingIndex holds the first RemovePeer call open until resume is closed.
type pausingIndex struct {
	Index
	once     sync.Once
	removing chan string
	resume   chan struct{}
}

func (x *pausingIndex) RemovePeer(ctx context.Context, peerID string) error {
	err := x.Index.RemovePeer(ctx, peerID)
	x.once.Do(func() {
		x.removing <- peerID
		<-x.resume
	})
	return err
}

func TestEvictionDoesNotRaceAnnounce(t *testing.T) {
	clock := newFakeClock()
	reg := NewMemoryRegistry()
	reg.now = clock.Now
	idx := &pausingIndex{Index: NewMemoryIndex(), removing: make(chan string, 1), resume: make(chan struct{})}

	tr := New(Options{ListenAddr: "127.0.0.1:0", PortRangeStart: 45100, PortRangeEnd: 45199, IdleTimeout: 5 * time.Minute}, reg, idx)
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)
	var resumeOnce sync.Once
	release := func() { resumeOnce.Do(func() { close(idx.resume) }) }
	t.Cleanup(release)

	idle := dialTracker(t, tr.Addr())
	idleID, _ := idle.register()
	clock.Advance(10 * time.Minute)

	evicted := make(chan error, 1)
	go func() {
		_, err := tr.EvictIdle(context.Background())
		evicted <- err
	}()

	select {
	case id := <-idx.removing:
		require.Equal(t, idleID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("eviction never reached the index")
	}

	// an announce racing the eviction; the write may fail once the tracker hangs up
	info := testFile("late.bin", 10)
	_ = tcp.WriteMessage(idle.conn, announceAll(info))
	release()

	select {
	case err := <-evicted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("eviction did not finish")
	}

	require.Never(t, func() bool {
		owners, err := idx.OwnersOf(context.Background(), info.Hash, 0)
		return err != nil || len(owners) > 0
	}, 500*time.Millisecond, 20*time.Millisecond)

	_, ok, err := reg.Get(context.Background(), idleID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvictIdleAfterStop(t *testing.T) {
	tr, _ := startTracker(t, Options{})
	tr.Stop()

	_, err := tr.EvictIdle(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

func TestStalledPeerDoesNotBlockTracker(t *testing.T) {
	tr, reg := startTracker(t, Options{WriteTimeout: 200 * time.Millisecond})

	// registered, then never reads again
	stalled := dialTracker(t, tr.Addr())
	stalledID, _ := stalled.register()

	seeder := dialTracker(t, tr.Addr())
	seeder.register()

	// ownership updates for every chunk go to the stalled peer until its
	// socket buffers fill
	const chunks = 50000
	for i := 0; i < 4; i++ {
		seeder.send(announceAll(testFile(fmt.Sprintf("flood-%d.bin", i), chunks*protocol.ChunkSize)))
	}

	require.Eventually(t, func() bool {
		_, ok, err := reg.Get(context.Background(), stalledID)
		return err == nil && !ok
	}, 30*time.Second, 50*time.Millisecond)

	// unregistered connections get no broadcasts, so the next frame is the reply;
	// each one must arrive within the read deadline
	observer := dialTracker(t, tr.Addr())
	var list protocol.FileList
	for reqID := uint64(50); reqID < 150; reqID++ {
		observer.send(protocol.FileListRequest{ReqID: reqID})
		var ok bool
		list, ok = observer.reply().(protocol.FileList)
		require.True(t, ok)
		require.Equal(t, reqID, list.ReqID)
		if len(list.Files) == 4 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Len(t, list.Files, 4)
}

type failingIndex struct {
	Index
}

func (failingIndex) RemovePeer(_ context.Context, peerID string) error {
	return fmt.Errorf("remove %s: %w", peerID, errBrokenIndex)
}

var errBrokenIndex = errors.New("index broken")

func TestEvictIdleCombinesErrors(t *testing.T) {
	clock := newFakeClock()
	reg := NewMemoryRegistry()
	reg.now = clock.Now

	tr := New(Options{ListenAddr: "127.0.0.1:0", PortRangeStart: 45100, PortRangeEnd: 45199, IdleTimeout: 5 * time.Minute}, reg, failingIndex{NewMemoryIndex()})
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)

	dialTracker(t, tr.Addr()).register()
	dialTracker(t, tr.Addr()).register()
	clock.Advance(10 * time.Minute)

	n, err := tr.EvictIdle(context.Background())
	require.Equal(t, 2, n)
	require.ErrorIs(t, err, errBrokenIndex)
	require.Len(t, multierr.Errors(err), 2)

	// the connections are still torn down
	require.Eventually(t, func() bool { return tr.ports.InUse() == 0 }, 5*time.Second, 20*time.Millisecond)
}
