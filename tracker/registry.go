package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"hogrider/p2p-share/pkg/protocol"
)

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	peers map[string]*protocol.Peer
	now   func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		peers: make(map[string]*protocol.Peer),
		now:   time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, p protocol.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.Connected = true
	p.LastSeen = r.now()
	r.peers[p.ID] = &p
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
	return nil
}

func (r *MemoryRegistry) Touch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		p.LastSeen = r.now()
	}
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (protocol.Peer, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return protocol.Peer{}, false, nil
	}
	return *p, true, nil
}

func (r *MemoryRegistry) ListActive(_ context.Context) ([]protocol.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]protocol.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Connected {
			list = append(list, *p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *MemoryRegistry) Resolve(_ context.Context, ids []string) ([]protocol.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]protocol.Peer, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.peers[id]; ok {
			list = append(list, *p)
		}
	}
	return list, nil
}

func (r *MemoryRegistry) EvictIdle(_ context.Context, threshold time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > threshold {
			delete(r.peers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted, nil
}
