package transport

import (
	"context"

	"hogrider/p2p-share/pkg/protocol"
)

// Node represents a remote peer that we can send messages to
type Node interface {
	Send(msg any) error
	Close() error
	Addr() string
	// ID is assigned when the connection is established and never reused.
	ID() string
}

// Transport handles the network layer
type Transport interface {
	ListenAndAccept() error
	Dial(ctx context.Context, addr string) (Node, error)
	Consume() <-chan protocol.RPC
	Close() error
	Addr() string
	SetOnPeer(func(Node) error)
}
