//go:build linux

// Package iouring is an io_uring-backed EtherCAT device driver: submits
// send/receive operations through a shared submission/completion ring
// instead of a syscall per frame, avoiding dynamic allocation on the
// cyclic send/receive path. Grounded on the full example repo
// github.com/behrlich/go-iouring (the only iouring library in the
// retrieval pack); the teacher has no analogue for this driver, since
// its CAN buses are all syscall- or library-per-frame.
package iouring

import (
	"fmt"
	"sync"

	iour "github.com/behrlich/go-iouring"
	"golang.org/x/sys/unix"

	"github.com/ecat-go/goethercat/pkg/device"
	"github.com/ecat-go/goethercat/pkg/device/rawsock"
)

func init() {
	device.Register("iouring", New)
}

const (
	ringEntries  = 64
	rxBufferSize = 1600
	rxUserData   = 0xE7C0 // tag for the always-armed receive SQE
	txUserData   = 0xE7C1 // tag for a one-shot send SQE
)

// Bus is a raw AF_PACKET socket driven through an io_uring ring: sends
// are PrepSend/Submit, receives are a perpetually re-armed PrepRecv whose
// completion is drained by a single background goroutine — no per-frame
// heap allocation on either path once the ring and buffers are set up.
type Bus struct {
	mu      sync.Mutex
	fd      int
	ring    *iour.Ring
	rxBuf   []byte
	handler device.FrameListener
	stop    chan struct{}
	wg      sync.WaitGroup
	up      bool
}

func New(channel string) (device.Device, error) {
	return &Bus{stop: make(chan struct{}), rxBuf: make([]byte, rxBufferSize)}, nil
}

func (b *Bus) Open(ifname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fd, err := rawFdFor(ifname)
	if err != nil {
		return err
	}
	ring, err := iour.New(ringEntries)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("iouring: ring init: %w", err)
	}

	b.fd = fd
	b.ring = ring
	b.up = true
	if err := b.armReceive(); err != nil {
		return err
	}
	b.wg.Add(1)
	go b.completionLoop()
	return nil
}

// rawFdFor opens the same kind of AF_PACKET/SOCK_RAW socket rawsock.Bus
// binds, bound to the EtherCAT ethertype; the io_uring ring then drives
// I/O on that descriptor itself instead of rawsock's blocking
// read/write loop, so the socket setup is duplicated here rather than
// shared — the two drivers own their file descriptor's I/O strategy
// exclusively.
func rawFdFor(ifname string) (int, error) {
	return rawsock.OpenSocket(ifname)
}

func (b *Bus) armReceive() error {
	return b.ring.PrepRecv(b.fd, b.rxBuf, 0, rxUserData)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.up = false
	ring := b.ring
	fd := b.fd
	b.mu.Unlock()
	close(b.stop)
	b.wg.Wait()
	if ring != nil {
		ring.Close()
	}
	return unix.Close(fd)
}

func (b *Bus) LinkUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

func (b *Bus) SetReceiveHandler(l device.FrameListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = l
}

// Send submits the frame through the ring and returns once it's queued.
// Its completion is reaped asynchronously by completionLoop alongside
// receive completions; nothing here blocks on TX confirmation, since
// retry is the datagram/FSM layer's concern, not the device's.
func (b *Bus) Send(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ring.PrepSend(b.fd, frame, 0, txUserData); err != nil {
		return fmt.Errorf("iouring: prep send: %w", err)
	}
	if _, err := b.ring.Submit(); err != nil {
		return fmt.Errorf("iouring: submit: %w", err)
	}
	return nil
}

func (b *Bus) completionLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		userData, res, _, ok := b.ring.PeekCQE()
		if !ok {
			continue
		}
		b.ring.SeenCQE()
		if userData == txUserData {
			if res < 0 {
				_ = iour.ResultError(res) // observability hook only; TX errors aren't retried here
			}
			continue
		}
		if userData != rxUserData || res <= 0 {
			continue
		}
		b.mu.Lock()
		handler := b.handler
		// frame aliases the receive buffer: it stays valid until Handle
		// returns, after which the buffer is re-armed for the next frame.
		frame := b.rxBuf[:res]
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
		b.mu.Lock()
		_ = b.armReceive()
		_, _ = b.ring.Submit()
		b.mu.Unlock()
	}
}
