package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"hogrider/p2p-share/pkg/monitor"
	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/storage"
)

type fakeTracker struct {
	mu        sync.Mutex
	self      string
	details   protocol.FileDetails
	err       error
	announced [][]uint32
	subs      map[int]func(protocol.ChunkOwnershipUpdate)
	nextSub   int
}

func newFakeTracker(details protocol.FileDetails) *fakeTracker {
	return &fakeTracker{self: "me", details: details, subs: make(map[int]func(protocol.ChunkOwnershipUpdate))}
}

func (f *fakeTracker) FileInfo(_ context.Context, name string) (protocol.FileDetails, error) {
	if f.err != nil {
		return protocol.FileDetails{}, f.err
	}
	if name != f.details.Info.Name {
		return protocol.FileDetails{}, fmt.Errorf("%w: %s", protocol.ErrNotFound, name)
	}
	return f.details, nil
}

func (f *fakeTracker) Announce(_ context.Context, _ protocol.FileInfo, chunks []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, append([]uint32(nil), chunks...))
	return nil
}

func (f *fakeTracker) SubscribeOwnership(fn func(protocol.ChunkOwnershipUpdate)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeTracker) publish(u protocol.ChunkOwnershipUpdate) {
	f.mu.Lock()
	subs := make([]func(protocol.ChunkOwnershipUpdate), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (f *fakeTracker) PeerID() string { return f.self }

func (f *fakeTracker) announcements() [][]uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]uint32(nil), f.announced...)
}

// swarm serves chunks of data for the peers listed in good.
type swarm struct {
	mu    sync.Mutex
	data  []byte
	good  map[string]bool
	calls map[string][]uint32
	hook  func(from protocol.Peer, index uint32)
}

func newSwarm(data []byte, good ...string) *swarm {
	sw := &swarm{data: data, good: make(map[string]bool), calls: make(map[string][]uint32)}
	for _, id := range good {
		sw.good[id] = true
	}
	return sw
}

func (sw *swarm) fetch(_ context.Context, from protocol.Peer, _ string, index uint32) ([]byte, error) {
	sw.mu.Lock()
	sw.calls[from.ID] = append(sw.calls[from.ID], index)
	hook := sw.hook
	ok := sw.good[from.ID]
	sw.mu.Unlock()

	if hook != nil {
		hook(from, index)
	}
	if !ok {
		return nil, errors.New("connection refused")
	}
	start := int(index) * protocol.ChunkSize
	end := start + protocol.ChunkSize
	if end > len(sw.data) {
		end = len(sw.data)
	}
	return append([]byte(nil), sw.data[start:end]...), nil
}

func (sw *swarm) callsTo(id string) []uint32 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return append([]uint32(nil), sw.calls[id]...)
}

func fileDetails(name string, data []byte, owners ...[]protocol.Peer) protocol.FileDetails {
	size := int64(len(data))
	return protocol.FileDetails{
		Info: protocol.FileInfo{
			Hash:       storage.FileID(name, size),
			Name:       name,
			Size:       size,
			ChunkCount: storage.ChunkCount(size),
		},
		ChunkOwnership: owners,
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	_, data := writeRandomFile(t, t.TempDir(), "src", n)
	return data
}

var (
	peerGood = protocol.Peer{ID: "good", Address: "10.0.0.1", Port: 4001}
	peerBad  = protocol.Peer{ID: "bad", Address: "10.0.0.2", Port: 4002}
	peerMe   = protocol.Peer{ID: "me", Address: "10.0.0.3", Port: 4003}
)

func newTestDownloader(tr trackerAPI, sw *swarm, workers int) (*Downloader, *ChunkServer) {
	server := NewChunkServer("127.0.0.1:0", monitor.New())
	return NewDownloader(tr, server, sw.fetch, monitor.New(), workers, 0), server
}

func TestDownloadFallsBackToNextCandidate(t *testing.T) {
	data := randomBytes(t, protocol.ChunkSize*5/2)
	both := []protocol.Peer{peerBad, peerGood}
	details := fileDetails("movie.mp4", data, both, both, both)

	tr := newFakeTracker(details)
	sw := newSwarm(data, "good")
	d, server := newTestDownloader(tr, sw, 5)

	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	path, err := d.Download(context.Background(), "movie.mp4", dir, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "movie.mp4"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.ElementsMatch(t, []uint32{0, 1, 2}, sw.callsTo("good"))
	require.True(t, server.IsSeeding(details.Info.Hash))

	// one announcement per chunk as it lands, then the full set
	ann := tr.announcements()
	require.Len(t, ann, 4)
	var singles []uint32
	for _, a := range ann[:3] {
		require.Len(t, a, 1)
		singles = append(singles, a[0])
	}
	require.ElementsMatch(t, []uint32{0, 1, 2}, singles)
	require.Equal(t, []uint32{0, 1, 2}, ann[3])
}

func TestDownloadFailsOnChunkWithoutOwners(t *testing.T) {
	data := randomBytes(t, protocol.ChunkSize*5/2)
	good := []protocol.Peer{peerGood}
	details := fileDetails("gap.bin", data, good, []protocol.Peer{}, good)

	tr := newFakeTracker(details)
	sw := newSwarm(data, "good")
	d, server := newTestDownloader(tr, sw, 5)

	dir := t.TempDir()
	_, err := d.Download(context.Background(), "gap.bin", dir, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, protocol.ErrNoPeers)
	require.ErrorIs(t, err, protocol.ErrIncomplete)
	require.True(t, IsIncomplete(err))
	require.Contains(t, err.Error(), "no peers for chunk 1")
	require.Contains(t, err.Error(), "1 of 3 chunks missing")

	// the other chunks still ran to completion
	require.ElementsMatch(t, []uint32{0, 2}, sw.callsTo("good"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.False(t, server.IsSeeding(details.Info.Hash))
}

func TestDownloadFailsWhenAllCandidatesFail(t *testing.T) {
	data := randomBytes(t, 100)
	details := fileDetails("tiny.txt", data, []protocol.Peer{peerBad})

	tr := newFakeTracker(details)
	d, _ := newTestDownloader(tr, newSwarm(data), 2)

	_, err := d.Download(context.Background(), "tiny.txt", t.TempDir(), nil)
	require.ErrorIs(t, err, protocol.ErrIncomplete)
	require.Contains(t, err.Error(), "all 1 candidates failed")
}

func TestDownloadPicksUpBroadcastOwners(t *testing.T) {
	data := randomBytes(t, protocol.ChunkSize+10)
	// chunk 0 also lists ourselves; chunk 1 starts with no owners at all
	details := fileDetails("late.bin", data, []protocol.Peer{peerMe, peerGood}, []protocol.Peer{})

	tr := newFakeTracker(details)
	sw := newSwarm(data, "good")
	sw.hook = func(_ protocol.Peer, index uint32) {
		if index == 0 {
			tr.publish(protocol.ChunkOwnershipUpdate{FileHash: details.Info.Hash, ChunkIndex: 1, Peer: peerMe})
			tr.publish(protocol.ChunkOwnershipUpdate{FileHash: details.Info.Hash, ChunkIndex: 1, Peer: peerGood})
		}
	}
	// a single worker runs chunk 0 before chunk 1
	d, _ := newTestDownloader(tr, sw, 1)

	path, err := d.Download(context.Background(), "late.bin", t.TempDir(), nil)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.Empty(t, sw.callsTo("me"))
	require.Equal(t, []uint32{0, 1}, sw.callsTo("good"))
}

func TestDownloadReportsProgress(t *testing.T) {
	data := randomBytes(t, protocol.ChunkSize*3)
	good := []protocol.Peer{peerGood}
	details := fileDetails("p.bin", data, good, good, good)

	var mu sync.Mutex
	var seen []float64
	progress := func(pct float64) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, pct)
	}

	d, _ := newTestDownloader(newFakeTracker(details), newSwarm(data, "good"), 1)
	_, err := d.Download(context.Background(), "p.bin", t.TempDir(), progress)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	require.Equal(t, 0.0, seen[0])
	for i := 1; i < len(seen); i++ {
		require.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	require.InDelta(t, 100.0, seen[len(seen)-1], 0.001)
}

func TestDownloadUnknownFile(t *testing.T) {
	details := fileDetails("known.bin", []byte("x"), []protocol.Peer{peerGood})
	d, _ := newTestDownloader(newFakeTracker(details), newSwarm(nil), 1)

	_, err := d.Download(context.Background(), "other.bin", t.TempDir(), nil)
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestDownloadCanceled(t *testing.T) {
	data := randomBytes(t, protocol.ChunkSize*2)
	good := []protocol.Peer{peerGood}
	details := fileDetails("c.bin", data, good, good)

	ctx, cancel := context.WithCancel(context.Background())
	sw := newSwarm(data, "good")
	sw.hook = func(protocol.Peer, uint32) { cancel() }

	d, server := newTestDownloader(newFakeTracker(details), sw, 1)
	dir := t.TempDir()
	_, err := d.Download(ctx, "c.bin", dir, nil)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	// the in-progress chunks are dropped with the session
	_, err = server.Serve(details.Info.Hash, 0)
	require.ErrorIs(t, err, protocol.ErrNotSeeding)
}
