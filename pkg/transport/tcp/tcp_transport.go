package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/protocol"
	"hogrider/p2p-share/pkg/transport"
)

// DefaultWriteTimeout bounds a single Send on nodes created by a transport.
const DefaultWriteTimeout = 10 * time.Second

// TCPNode implements transport.Node
type TCPNode struct {
	id   string
	conn net.Conn
	lock sync.Mutex
	// TCP主动连接 outbound -> true 否则 outbound -> false
	outbound     bool
	writeTimeout time.Duration
}

func NewTCPNode(conn net.Conn, outbound bool) *TCPNode {
	return &TCPNode{
		id:           uuid.NewString(),
		conn:         conn,
		outbound:     outbound,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Send writes one frame. A failed write may leave a partial frame on the
// wire, so the connection is closed and the read side reports ConnClosed.
func (n *TCPNode) Send(msg any) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.writeTimeout > 0 {
		if err := n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout)); err != nil {
			return err
		}
	}
	if err := WriteMessage(n.conn, msg); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

func (n *TCPNode) ID() string {
	return n.id
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	rpcCh      chan protocol.RPC
	onPeer     func(transport.Node) error
	quitCh     chan struct{}
	closeOnce  sync.Once

	writeTimeout time.Duration
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		listenAddr:   addr,
		rpcCh:        make(chan protocol.RPC, 1024),
		quitCh:       make(chan struct{}),
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetWriteTimeout applies to nodes accepted or dialed afterwards. Zero
// disables the deadline.
func (t *TCPTransport) SetWriteTimeout(d time.Duration) {
	t.writeTimeout = d
}

func (t *TCPTransport) newNode(conn net.Conn, outbound bool) *TCPNode {
	node := NewTCPNode(conn, outbound)
	node.writeTimeout = t.writeTimeout
	return node
}

func (t *TCPTransport) SetOnPeer(f func(transport.Node) error) {
	t.onPeer = f
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}

	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.quitCh:
				return
			default:
				logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
				continue
			}
		}
		node := t.newNode(conn, false)
		go t.handleConn(conn, node)
	}
}

func (t *TCPTransport) deliver(rpc protocol.RPC) bool {
	select {
	case t.rpcCh <- rpc:
		return true
	case <-t.quitCh:
		return false
	}
}

func (t *TCPTransport) handleConn(conn net.Conn, node *TCPNode) {
	defer func() {
		conn.Close()
		t.deliver(protocol.RPC{From: node.ID(), Payload: protocol.ConnClosed{}})
	}()

	if !node.outbound && t.onPeer != nil {
		if err := t.onPeer(node); err != nil {
			return
		}
	}

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Sugar.Debugf("[TCPTransport] read error: remote=%s err=%v", conn.RemoteAddr(), err)
			}
			return
		}
		if !t.deliver(protocol.RPC{From: node.ID(), Payload: msg}) {
			return
		}
	}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (transport.Node, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	node := t.newNode(conn, true)
	go t.handleConn(conn, node)

	return node, nil
}

func (t *TCPTransport) Consume() <-chan protocol.RPC {
	return t.rpcCh
}

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quitCh)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

// Addr returns the bound address once listening, so ":0" resolves to the real port.
func (t *TCPTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}

// Call performs a single request/response exchange on a fresh connection.
// dialTimeout bounds connection establishment, transferTimeout bounds the
// write and the read of the reply.
func Call(ctx context.Context, addr string, req any, dialTimeout, transferTimeout time.Duration) (any, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(transferTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteMessage(conn, req); err != nil {
		return nil, fmt.Errorf("send to %s: %w", addr, err)
	}
	resp, err := ReadMessage(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read from %s: %w", addr, err)
	}
	return resp, nil
}
