package protocol

import (
	"encoding/gob"
	"time"
)

func init() {
	// Register types for GOB encoding
	gob.Register(RequestPort{})
	gob.Register(PortAssigned{})
	gob.Register(RegisterPeer{})
	gob.Register(Registered{})
	gob.Register(AnnounceChunks{})
	gob.Register(FileListRequest{})
	gob.Register(FileList{})
	gob.Register(FileInfoRequest{})
	gob.Register(FileDetails{})
	gob.Register(PeersForChunkRequest{})
	gob.Register(PeersForChunk{})
	gob.Register(Heartbeat{})
	gob.Register(HeartbeatAck{})
	gob.Register(PeerListUpdate{})
	gob.Register(ChunkOwnershipUpdate{})
	gob.Register(ErrorResponse{})
	gob.Register(ChunkRequest{})
	gob.Register(ChunkResponse{})
}

// ChunkSize is the fixed size of every chunk except possibly the last one.
const ChunkSize = 1024 * 1024

// RPC represents a message received from the network
type RPC struct {
	From    string // connection id of the sender
	Payload any
}

// ConnClosed is delivered by the transport, never sent over the wire, when a
// connection goes away.
type ConnClosed struct{}

// Envelope is the frame payload.
type Envelope struct {
	Msg any
}

// --- Domain Types ---

type Peer struct {
	ID        string
	Address   string
	Port      int
	LastSeen  time.Time
	Connected bool
}

type FileInfo struct {
	Hash       string
	Name       string
	Size       int64
	ChunkCount uint32
}

type ChunkRef struct {
	FileHash   string
	ChunkIndex uint32
}

// --- Tracker protocol ---

type RequestPort struct {
	ReqID uint64
}

type PortAssigned struct {
	ReqID uint64
	Port  int
}

type RegisterPeer struct {
	ReqID   uint64
	Address string
	Port    int
}

type Registered struct {
	ReqID  uint64
	PeerID string
}

type AnnounceChunks struct {
	ReqID    uint64
	FileInfo FileInfo
	Chunks   []ChunkRef
}

type FileListRequest struct {
	ReqID uint64
}

type FileList struct {
	ReqID uint64
	Files []FileInfo
}

type FileInfoRequest struct {
	ReqID uint64
	Name  string
}

// FileDetails is the materialized view of a file: ChunkOwnership has exactly
// Info.ChunkCount entries.
type FileDetails struct {
	ReqID          uint64
	Info           FileInfo
	ChunkOwnership [][]Peer
}

type PeersForChunkRequest struct {
	ReqID      uint64
	FileHash   string
	ChunkIndex uint32
}

type PeersForChunk struct {
	ReqID      uint64
	FileHash   string
	ChunkIndex uint32
	Peers      []Peer
}

type Heartbeat struct {
	ReqID     uint64
	Timestamp int64
}

type HeartbeatAck struct {
	ReqID uint64
}

type PeerListUpdate struct {
	Peers []Peer
}

type ChunkOwnershipUpdate struct {
	FileHash   string
	ChunkIndex uint32
	Peer       Peer
}

type ErrorResponse struct {
	ReqID   uint64
	Code    string
	Message string
}

// --- Peer chunk protocol ---

type ChunkRequest struct {
	FileHash   string
	ChunkIndex uint32
}

type ChunkResponse struct {
	Data  []byte
	Error string
}

// ReqIDOf returns the request id carried by a tracker response, or 0 for
// broadcasts.
func ReqIDOf(msg any) uint64 {
	switch v := msg.(type) {
	case PortAssigned:
		return v.ReqID
	case Registered:
		return v.ReqID
	case FileList:
		return v.ReqID
	case FileDetails:
		return v.ReqID
	case PeersForChunk:
		return v.ReqID
	case HeartbeatAck:
		return v.ReqID
	case ErrorResponse:
		return v.ReqID
	}
	return 0
}
