package tracker

import (
	"context"
	"sort"
	"sync"

	"hogrider/p2p-share/pkg/protocol"
)

type peerSet map[string]struct{}

func (s peerSet) sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MemoryIndex is the in-process Index. One RWMutex guards all maps.
type MemoryIndex struct {
	mu     sync.RWMutex
	files  map[string]protocol.FileInfo
	order  []string                                  // file hashes in first-announce order
	owners map[string]map[uint32]peerSet             // fileHash -> chunk -> owners
	held   map[string]map[string]map[uint32]struct{} // peerID -> fileHash -> chunks, for eager cleanup
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		files:  make(map[string]protocol.FileInfo),
		owners: make(map[string]map[uint32]peerSet),
		held:   make(map[string]map[string]map[uint32]struct{}),
	}
}

func (x *MemoryIndex) Announce(_ context.Context, peerID string, info protocol.FileInfo, chunks []uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	// first writer wins on name/size/chunkCount
	if _, ok := x.files[info.Hash]; !ok {
		x.files[info.Hash] = info
		x.order = append(x.order, info.Hash)
		x.owners[info.Hash] = make(map[uint32]peerSet)
	}

	byChunk := x.owners[info.Hash]
	if x.held[peerID] == nil {
		x.held[peerID] = make(map[string]map[uint32]struct{})
	}
	if x.held[peerID][info.Hash] == nil {
		x.held[peerID][info.Hash] = make(map[uint32]struct{})
	}
	held := x.held[peerID][info.Hash]

	for _, c := range chunks {
		if byChunk[c] == nil {
			byChunk[c] = make(peerSet)
		}
		byChunk[c][peerID] = struct{}{}
		held[c] = struct{}{}
	}
	return nil
}

func (x *MemoryIndex) OwnersOf(_ context.Context, fileHash string, chunk uint32) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	info, ok := x.files[fileHash]
	if !ok || chunk >= info.ChunkCount {
		return []string{}, nil
	}
	return x.owners[fileHash][chunk].sorted(), nil
}

func (x *MemoryIndex) RemovePeer(_ context.Context, peerID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for hash, chunks := range x.held[peerID] {
		byChunk := x.owners[hash]
		for c := range chunks {
			delete(byChunk[c], peerID)
			if len(byChunk[c]) == 0 {
				delete(byChunk, c)
			}
		}
	}
	delete(x.held, peerID)
	return nil
}

func (x *MemoryIndex) FileInfo(_ context.Context, fileHash string) (protocol.FileInfo, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	info, ok := x.files[fileHash]
	return info, ok, nil
}

func (x *MemoryIndex) FindByName(_ context.Context, name string) (protocol.FileInfo, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, hash := range x.order {
		if info := x.files[hash]; info.Name == name {
			return info, true, nil
		}
	}
	return protocol.FileInfo{}, false, nil
}

func (x *MemoryIndex) Materialize(ctx context.Context, fileHash string, reg Registry) (protocol.FileDetails, bool, error) {
	x.mu.RLock()
	info, ok := x.files[fileHash]
	if !ok {
		x.mu.RUnlock()
		return protocol.FileDetails{}, false, nil
	}
	owners := make([][]string, info.ChunkCount)
	for c := uint32(0); c < info.ChunkCount; c++ {
		owners[c] = x.owners[fileHash][c].sorted()
	}
	x.mu.RUnlock()

	ownership, err := resolveOwnership(ctx, reg, owners)
	if err != nil {
		return protocol.FileDetails{}, false, err
	}
	return protocol.FileDetails{Info: info, ChunkOwnership: ownership}, true, nil
}

func (x *MemoryIndex) AllFiles(_ context.Context) ([]protocol.FileInfo, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	files := make([]protocol.FileInfo, 0, len(x.order))
	for _, hash := range x.order {
		files = append(files, x.files[hash])
	}
	return files, nil
}
