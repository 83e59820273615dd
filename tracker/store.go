package tracker

import (
	"context"
	"time"

	"hogrider/p2p-share/pkg/protocol"
)

// Registry is the source of truth for which peers are online. Every other
// structure refers to peers by id only and resolves them through it.
type Registry interface {
	// Register upserts p, marks it connected and stamps LastSeen.
	Register(ctx context.Context, p protocol.Peer) error
	// Unregister removes the record entirely.
	Unregister(ctx context.Context, id string) error
	// Touch refreshes LastSeen; unknown ids are ignored.
	Touch(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (protocol.Peer, bool, error)
	ListActive(ctx context.Context) ([]protocol.Peer, error)
	// Resolve drops ids that no longer exist.
	Resolve(ctx context.Context, ids []string) ([]protocol.Peer, error)
	// EvictIdle removes peers not seen for longer than threshold and returns their ids.
	EvictIdle(ctx context.Context, threshold time.Duration) ([]string, error)
}

// Index maps (file, chunk) to the set of peer ids believed to hold it.
type Index interface {
	// Announce records info on first sight and adds peerID to each chunk's owner set.
	Announce(ctx context.Context, peerID string, info protocol.FileInfo, chunks []uint32) error
	// OwnersOf is empty for unknown files and out-of-range indices.
	OwnersOf(ctx context.Context, fileHash string, chunk uint32) ([]string, error)
	// RemovePeer purges peerID from every owner set.
	RemovePeer(ctx context.Context, peerID string) error
	FileInfo(ctx context.Context, fileHash string) (protocol.FileInfo, bool, error)
	// FindByName returns the first file announced under name.
	FindByName(ctx context.Context, name string) (protocol.FileInfo, bool, error)
	// Materialize resolves every owner set through reg; the ownership list has
	// exactly ChunkCount entries.
	Materialize(ctx context.Context, fileHash string, reg Registry) (protocol.FileDetails, bool, error)
	AllFiles(ctx context.Context) ([]protocol.FileInfo, error)
}

// Stats is served on the admin /stats endpoint.
type Stats struct {
	TotalPeers  int `json:"totalPeers"`
	ActivePeers int `json:"activePeers"`
	TotalFiles  int `json:"totalFiles"`
	TotalChunks int `json:"totalChunks"`
}

// resolveOwnership turns per-chunk id lists into peer lists with a single
// Resolve call, so a peer vanishing mid-request is either present in every
// list it belongs to or in none.
func resolveOwnership(ctx context.Context, reg Registry, owners [][]string) ([][]protocol.Peer, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, set := range owners {
		for _, id := range set {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	resolved, err := reg.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]protocol.Peer, len(resolved))
	for _, p := range resolved {
		byID[p.ID] = p
	}

	out := make([][]protocol.Peer, len(owners))
	for i, set := range owners {
		list := make([]protocol.Peer, 0, len(set))
		for _, id := range set {
			if p, ok := byID[id]; ok {
				list = append(list, p)
			}
		}
		out[i] = list
	}
	return out, nil
}
