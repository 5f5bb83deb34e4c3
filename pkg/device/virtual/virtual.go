// Package virtual provides an in-process loopback Device pair, used to
// drive master/slave interaction in tests without real hardware —
// the direct analogue of the teacher's pkg/can/virtual, minus the TCP
// broker (two in-process ends are enough for unit tests; nothing here
// needs to cross a process boundary).
package virtual

import (
	"sync"

	"github.com/ecat-go/goethercat/pkg/device"
)

func init() {
	device.Register("virtual", New)
}

// Bus is a bidirectional pair of loopback links. Frames sent on one End
// are delivered to the other End's receive handler.
type Bus struct {
	mu   sync.Mutex
	ends [2]*End
}

// NewBus creates a connected pair of virtual devices.
func NewBus() *Bus {
	b := &Bus{}
	b.ends[0] = &End{bus: b, side: 0}
	b.ends[1] = &End{bus: b, side: 1}
	return b
}

// End returns one side of the pair. side must be 0 or 1.
func (b *Bus) End(side int) *End { return b.ends[side] }

// End is one side of a virtual.Bus, implementing device.Device.
type End struct {
	mu      sync.Mutex
	bus     *Bus
	side    int
	up      bool
	handler device.FrameListener
}

// New constructs a standalone single-ended virtual device (registered
// under the "virtual" driver name). Channel is ignored; pair two ends
// via NewBus when a connected loopback is needed, as tests do.
func New(channel string) (device.Device, error) {
	bus := NewBus()
	return bus.End(0), nil
}

func (e *End) Open(ifname string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.up = true
	return nil
}

func (e *End) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.up = false
	return nil
}

func (e *End) LinkUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.up
}

func (e *End) SetReceiveHandler(l device.FrameListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = l
}

// Send delivers frame to the other end's receive handler synchronously.
// Matches the teacher's virtual bus semantics: send is a direct hand-off,
// no framing/serialization needed since both ends live in one process.
func (e *End) Send(frame []byte) error {
	other := e.bus.ends[1-e.side]
	other.mu.Lock()
	handler := other.handler
	other.mu.Unlock()
	if handler != nil {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		handler.Handle(cp)
	}
	return nil
}
