package datagram

import (
	"sync"

	ethercat "github.com/ecat-go/goethercat"
)

// PoolSize is the full rolling 8-bit index space.
const PoolSize = 256

// Pool preallocates PoolSize descriptors at construction and hands them
// out by index; no datagram is ever allocated on the hot cyclic path.
type Pool struct {
	mu    sync.Mutex
	slots [PoolSize]Datagram
	free  [PoolSize]bool // true == available
	next  uint8          // next index to probe, for round-robin reuse
}

// NewPool preallocates a full pool. Every slot starts free.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.slots {
		p.slots[i].index = uint8(i)
		p.free[i] = true
	}
	return p
}

// Alloc reserves the next free index and returns its descriptor loaded
// with cmd/addr/payload, or ErrBusy if the pool is exhausted (every index
// in {queued,sent}).
func (p *Pool) Alloc(cmd Command, addr ethercat.Address, payload []byte) (*Datagram, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < PoolSize; i++ {
		idx := (int(p.next) + i) % PoolSize
		if p.free[idx] {
			p.free[idx] = false
			p.next = uint8((idx + 1) % PoolSize)
			d := &p.slots[idx]
			d.reset(cmd, addr, payload)
			return d, nil
		}
	}
	return nil, ethercat.ErrBusy
}

// Release returns an index to the free pool. Invariant: callers
// must only release a descriptor once it has left {queued,sent}.
func (p *Pool) Release(d *Datagram) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[d.index] = true
}

// ByIndex looks up the descriptor currently occupying an index, used by
// the frame assembler to match an incoming reply. Returns nil if that
// index is currently free, so an unknown or stale reply is dropped
// rather than matched to the wrong descriptor.
func (p *Pool) ByIndex(idx uint8) *Datagram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free[idx] {
		return nil
	}
	return &p.slots[idx]
}

// InFlight reports how many indices are currently reserved.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, free := range p.free {
		if !free {
			n++
		}
	}
	return n
}
