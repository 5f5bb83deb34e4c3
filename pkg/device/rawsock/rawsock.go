//go:build linux

// Package rawsock is the real-NIC EtherCAT device driver: an AF_PACKET
// SOCK_RAW socket bound to the EtherCAT ethertype, the direct analogue of
// the teacher's pkg/can/socketcan thin wrapper (there, brutella/can;
// here, golang.org/x/sys/unix directly, the same package the teacher
// already pulls in for CAN_SFF_MASK in bus_manager.go).
package rawsock

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ecat-go/goethercat/pkg/device"
)

func init() {
	device.Register("rawsock", New)
}

// htons converts a uint16 to network byte order, needed because
// AF_PACKET's sll_protocol field is big-endian regardless of host
// endianness.
func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

const etherTypeEtherCAT = 0x88A4

// Bus is a raw AF_PACKET device bound to one network interface.
type Bus struct {
	mu      sync.Mutex
	fd      int
	up      bool
	handler device.FrameListener
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New constructs an unopened rawsock device.
func New(channel string) (device.Device, error) {
	return &Bus{stop: make(chan struct{})}, nil
}

func (b *Bus) Open(ifname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fd, err := OpenSocket(ifname)
	if err != nil {
		return err
	}

	b.fd = fd
	b.up = true
	b.wg.Add(1)
	go b.receiveLoop()
	return nil
}

// OpenSocket creates and binds an AF_PACKET/SOCK_RAW socket to the
// EtherCAT ethertype on the named interface, without attaching it to a
// Bus. Exported so pkg/device/iouring can drive the same kind of socket
// through its own I/O strategy.
func OpenSocket(ifname string) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(etherTypeEtherCAT)))
	if err != nil {
		return 0, fmt.Errorf("rawsock: socket: %w", err)
	}
	iface, err := ifIndexByName(ifname)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("rawsock: %w", err)
	}
	addr := unix.SockaddrLinklayer{
		Protocol: htons(etherTypeEtherCAT),
		Ifindex:  iface,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("rawsock: bind: %w", err)
	}
	return fd, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	fd := b.fd
	b.up = false
	b.mu.Unlock()
	close(b.stop)
	err := unix.Close(fd)
	b.wg.Wait()
	return err
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

// Fd exposes the underlying socket descriptor for drivers that want to
// drive the same socket a different way, such as pkg/device/iouring.
func (b *Bus) Fd() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd
}

// Send writes one full Ethernet frame (header included) to the socket.
// No per-send allocation beyond what unix.Write itself requires; the
// cyclic hot path that needs zero allocation end-to-end should use
// pkg/device/iouring instead.
func (b *Bus) Send(frame []byte) error {
	b.mu.Lock()
	fd := b.fd
	b.mu.Unlock()
	_, err := unix.Write(fd, frame)
	return err
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	buf := make([]byte, 1600)
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		n, _, err := unix.Recvfrom(b.fd, buf, 0)
		if err != nil {
			continue
		}
		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil && n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			handler.Handle(frame)
		}
	}
}

func ifIndexByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return iface.Index, nil
}
