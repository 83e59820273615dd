package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"hogrider/p2p-share/pkg/protocol"
)

const (
	peerKeyPrefix       = "peer:"
	activePeersKey      = "active_peers"
	peersByLastSeenKey  = "peers_by_last_seen"
	fileKeyPrefix       = "file:"
	chunkKeyPrefix      = "chunk:"
	peerChunksKeyPrefix = "peer_chunks:"
	allFilesKey         = "all_files"
	fileSearchKey       = "file_search"
)

// NewRedisClient builds a client the way the tracker config describes it.
func NewRedisClient(addr, password string, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		PoolSize: poolSize,
	})
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", protocol.ErrUnavailable, op, err)
}

func peerKey(id string) string { return peerKeyPrefix + id }

func fileKey(hash string) string { return fileKeyPrefix + hash }

func chunkKey(hash string, chunk uint32) string {
	return fmt.Sprintf("%s%s:%d", chunkKeyPrefix, hash, chunk)
}

// RedisRegistry stores peers as hashes plus an active set and a last-seen
// sorted set, so several tracker processes can share one view.
type RedisRegistry struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisRegistry(client redis.Cmdable) *RedisRegistry {
	return &RedisRegistry{client: client, now: time.Now}
}

func (r *RedisRegistry) Register(ctx context.Context, p protocol.Peer) error {
	now := r.now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, peerKey(p.ID), map[string]interface{}{
			"id":        p.ID,
			"address":   p.Address,
			"port":      p.Port,
			"lastSeen":  now.Format(time.RFC3339Nano),
			"connected": "true",
		})
		pipe.SAdd(ctx, activePeersKey, p.ID)
		pipe.ZAdd(ctx, peersByLastSeenKey, &redis.Z{Score: float64(now.UnixMilli()), Member: p.ID})
		return nil
	})
	if err != nil {
		return unavailable("register peer", err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, peerKey(id))
		pipe.SRem(ctx, activePeersKey, id)
		pipe.ZRem(ctx, peersByLastSeenKey, id)
		return nil
	})
	if err != nil {
		return unavailable("unregister peer", err)
	}
	return nil
}

func (r *RedisRegistry) Touch(ctx context.Context, id string) error {
	n, err := r.client.Exists(ctx, peerKey(id)).Result()
	if err != nil {
		return unavailable("touch peer", err)
	}
	if n == 0 {
		return nil
	}
	now := r.now()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, peerKey(id), "lastSeen", now.Format(time.RFC3339Nano))
		pipe.ZAdd(ctx, peersByLastSeenKey, &redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return unavailable("touch peer", err)
	}
	return nil
}

func parsePeer(data map[string]string) (protocol.Peer, bool) {
	if len(data) == 0 || data["id"] == "" {
		return protocol.Peer{}, false
	}
	port, _ := strconv.Atoi(data["port"])
	lastSeen, _ := time.Parse(time.RFC3339Nano, data["lastSeen"])
	return protocol.Peer{
		ID:        data["id"],
		Address:   data["address"],
		Port:      port,
		LastSeen:  lastSeen,
		Connected: data["connected"] == "true",
	}, true
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (protocol.Peer, bool, error) {
	data, err := r.client.HGetAll(ctx, peerKey(id)).Result()
	if err != nil {
		return protocol.Peer{}, false, unavailable("get peer", err)
	}
	p, ok := parsePeer(data)
	return p, ok, nil
}

func (r *RedisRegistry) ListActive(ctx context.Context) ([]protocol.Peer, error) {
	ids, err := r.client.SMembers(ctx, activePeersKey).Result()
	if err != nil {
		return nil, unavailable("list active peers", err)
	}
	peers, err := r.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	active := peers[:0]
	for _, p := range peers {
		if p.Connected {
			active = append(active, p)
		}
	}
	return active, nil
}

func (r *RedisRegistry) Resolve(ctx context.Context, ids []string) ([]protocol.Peer, error) {
	if len(ids) == 0 {
		return []protocol.Peer{}, nil
	}
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, peerKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("resolve peers", err)
	}
	peers := make([]protocol.Peer, 0, len(ids))
	for _, cmd := range cmds {
		if p, ok := parsePeer(cmd.Val()); ok {
			peers = append(peers, p)
		}
	}
	return peers, nil
}

func (r *RedisRegistry) EvictIdle(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := r.now().Add(-threshold).UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, peersByLastSeenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, unavailable("find idle peers", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, peerKey(id))
			pipe.SRem(ctx, activePeersKey, id)
			pipe.ZRem(ctx, peersByLastSeenKey, id)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("evict idle peers", err)
	}
	return ids, nil
}

// RedisIndex keeps file metadata in hashes written with HSETNX (first writer
// wins), owner sets per chunk, and a reverse set per peer for eager cleanup.
type RedisIndex struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisIndex(client redis.Cmdable) *RedisIndex {
	return &RedisIndex{client: client, now: time.Now}
}

func (x *RedisIndex) Announce(ctx context.Context, peerID string, info protocol.FileInfo, chunks []uint32) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := fileKey(info.Hash)
		pipe.HSetNX(ctx, key, "name", info.Name)
		pipe.HSetNX(ctx, key, "size", info.Size)
		pipe.HSetNX(ctx, key, "chunkCount", info.ChunkCount)
		pipe.ZAddNX(ctx, allFilesKey, &redis.Z{Score: float64(x.now().UnixNano()), Member: info.Hash})
		pipe.ZAdd(ctx, fileSearchKey, &redis.Z{Score: 0, Member: strings.ToLower(info.Name) + ":" + info.Hash})
		for _, c := range chunks {
			pipe.SAdd(ctx, chunkKey(info.Hash, c), peerID)
			pipe.SAdd(ctx, peerChunksKeyPrefix+peerID, fmt.Sprintf("%s:%d", info.Hash, c))
		}
		return nil
	})
	if err != nil {
		return unavailable("announce chunks", err)
	}
	return nil
}

func (x *RedisIndex) OwnersOf(ctx context.Context, fileHash string, chunk uint32) ([]string, error) {
	info, ok, err := x.FileInfo(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if !ok || chunk >= info.ChunkCount {
		return []string{}, nil
	}
	ids, err := x.client.SMembers(ctx, chunkKey(fileHash, chunk)).Result()
	if err != nil {
		return nil, unavailable("owners of chunk", err)
	}
	return ids, nil
}

func (x *RedisIndex) RemovePeer(ctx context.Context, peerID string) error {
	members, err := x.client.SMembers(ctx, peerChunksKeyPrefix+peerID).Result()
	if err != nil {
		return unavailable("remove peer", err)
	}
	_, err = x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			pipe.SRem(ctx, chunkKeyPrefix+m, peerID)
		}
		pipe.Del(ctx, peerChunksKeyPrefix+peerID)
		return nil
	})
	if err != nil {
		return unavailable("remove peer", err)
	}
	return nil
}

func parseFileInfo(hash string, data map[string]string) (protocol.FileInfo, bool) {
	if len(data) == 0 || data["name"] == "" {
		return protocol.FileInfo{}, false
	}
	size, _ := strconv.ParseInt(data["size"], 10, 64)
	count, _ := strconv.ParseUint(data["chunkCount"], 10, 32)
	return protocol.FileInfo{
		Hash:       hash,
		Name:       data["name"],
		Size:       size,
		ChunkCount: uint32(count),
	}, true
}

func (x *RedisIndex) FileInfo(ctx context.Context, fileHash string) (protocol.FileInfo, bool, error) {
	data, err := x.client.HGetAll(ctx, fileKey(fileHash)).Result()
	if err != nil {
		return protocol.FileInfo{}, false, unavailable("file info", err)
	}
	info, ok := parseFileInfo(fileHash, data)
	return info, ok, nil
}

// FindByName returns the earliest announced file with exactly this name, the
// same pick as AllFiles order.
func (x *RedisIndex) FindByName(ctx context.Context, name string) (protocol.FileInfo, bool, error) {
	prefix := strings.ToLower(name) + ":"
	members, err := x.client.ZRangeByLex(ctx, fileSearchKey, &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return protocol.FileInfo{}, false, unavailable("find file by name", err)
	}

	var matches []protocol.FileInfo
	for _, m := range members {
		hash := m[strings.LastIndex(m, ":")+1:]
		info, ok, err := x.FileInfo(ctx, hash)
		if err != nil {
			return protocol.FileInfo{}, false, err
		}
		// the search index is case-folded, names are not
		if ok && info.Name == name {
			matches = append(matches, info)
		}
	}
	switch len(matches) {
	case 0:
		return protocol.FileInfo{}, false, nil
	case 1:
		return matches[0], true, nil
	}

	ranks := make([]*redis.IntCmd, len(matches))
	_, err = x.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, info := range matches {
			ranks[i] = pipe.ZRank(ctx, allFilesKey, info.Hash)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return protocol.FileInfo{}, false, unavailable("find file by name", err)
	}
	best := -1
	var bestRank int64
	for i, cmd := range ranks {
		rank, err := cmd.Result()
		if err != nil {
			continue
		}
		if best < 0 || rank < bestRank {
			best, bestRank = i, rank
		}
	}
	if best < 0 {
		best = 0
	}
	return matches[best], true, nil
}

func (x *RedisIndex) Materialize(ctx context.Context, fileHash string, reg Registry) (protocol.FileDetails, bool, error) {
	info, ok, err := x.FileInfo(ctx, fileHash)
	if err != nil || !ok {
		return protocol.FileDetails{}, false, err
	}

	cmds := make([]*redis.StringSliceCmd, info.ChunkCount)
	if info.ChunkCount > 0 {
		_, err = x.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for c := uint32(0); c < info.ChunkCount; c++ {
				cmds[c] = pipe.SMembers(ctx, chunkKey(fileHash, c))
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return protocol.FileDetails{}, false, unavailable("materialize", err)
		}
	}
	owners := make([][]string, info.ChunkCount)
	for c, cmd := range cmds {
		owners[c] = cmd.Val()
	}

	ownership, err := resolveOwnership(ctx, reg, owners)
	if err != nil {
		return protocol.FileDetails{}, false, err
	}
	return protocol.FileDetails{Info: info, ChunkOwnership: ownership}, true, nil
}

func (x *RedisIndex) AllFiles(ctx context.Context) ([]protocol.FileInfo, error) {
	hashes, err := x.client.ZRange(ctx, allFilesKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list files", err)
	}
	files := make([]protocol.FileInfo, 0, len(hashes))
	for _, h := range hashes {
		info, ok, err := x.FileInfo(ctx, h)
		if err != nil {
			return nil, err
		}
		if ok {
			files = append(files, info)
		}
	}
	return files, nil
}
