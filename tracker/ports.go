package tracker

import (
	"fmt"
	"sync"

	"hogrider/p2p-share/pkg/protocol"
)

// PortPool hands out listening ports for peer chunk servers from a fixed
// range, round-robin, so peers sharing a host never collide.
type PortPool struct {
	mu    sync.Mutex
	start int
	end   int
	next  int
	inUse map[int]struct{}
}

func NewPortPool(start, end int) *PortPool {
	return &PortPool{
		start: start,
		end:   end,
		next:  start,
		inUse: make(map[int]struct{}),
	}
}

func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempts := 0; attempts <= p.end-p.start; attempts++ {
		port := p.next
		p.next++
		if p.next > p.end {
			p.next = p.start
		}
		if _, taken := p.inUse[port]; !taken {
			p.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: range %d-%d fully allocated", protocol.ErrPortsExhausted, p.start, p.end)
}

func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.inUse, port)
}

func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.inUse)
}
