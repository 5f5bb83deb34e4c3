// Package master implements the top-level cooperative scheduler: a
// Bus tying the datagram pool/queue, frame assembler, and device
// together into blocking register operations, per-slave scan/config
// dispatch in priority order, broadcast topology probing, and the
// mailbox gateway escape hatch. Grounded on the teacher's
// pkg/network.Network, which plays the same "own a bus manager, hold
// a map of managed peers, schedule their bring-up" role for CANopen
// nodes, generalized here from one goroutine per managed node to a
// single shared priority queue serving one realtime task.
package master

import (
	"log/slog"
	"time"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/datagram"
	"github.com/ecat-go/goethercat/pkg/device"
	"github.com/ecat-go/goethercat/pkg/frameio"
)

// DefaultRegisterTimeout bounds how long a single register operation
// waits for its datagram to come back before giving up.
const DefaultRegisterTimeout = 100 * time.Millisecond

const pollInterval = 200 * time.Microsecond

// Bus owns the datagram pool/queue, frame assembler, and device, and
// drives one send cycle at a time. The direct analogue of the
// teacher's BusManager, generalized from CAN-ID dispatch to datagram-
// index dispatch.
type Bus struct {
	pool      *datagram.Pool
	queue     *datagram.Queue
	assembler *frameio.Assembler
	dev       device.Device
	clock     datagram.Clock
	logger    *slog.Logger
}

// NewBus wires dev's receive path into the frame assembler. srcMAC
// stamps the Ethernet source address on every frame this bus sends.
func NewBus(dev device.Device, srcMAC [6]byte, clock datagram.Clock, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = datagram.NewSystemClock()
	}
	pool := datagram.NewPool()
	b := &Bus{
		pool:      pool,
		queue:     datagram.NewQueue(),
		assembler: frameio.NewAssembler(pool, srcMAC, logger),
		dev:       dev,
		clock:     clock,
		logger:    logger,
	}
	dev.SetReceiveHandler(device.FrameListenerFunc(b.handleFrame))
	return b
}

func (b *Bus) handleFrame(frame []byte) {
	b.assembler.Dispatch(frame, b.clock.Now())
}

// Pool returns the datagram pool backing this bus, so a caller can
// allocate datagrams of its own (pkg/domain's FMMU datagrams) to feed
// into Queue/Cycle alongside register operations.
func (b *Bus) Pool() *datagram.Pool { return b.pool }

// Queue returns the pending-datagram queue Cycle drains each send, so a
// caller can push datagrams of its own ahead of a Cycle call.
func (b *Bus) Queue() *datagram.Queue { return b.queue }

// Cycle packs whatever is queued into one frame and sends it, reporting
// how many datagrams it packed. Called once per Exchange and, in the
// realtime application's own cyclic loop, once per bus period for
// process-data traffic queued by pkg/domain.
func (b *Bus) Cycle() (int, error) {
	ready := b.queue.Drain()
	if len(ready) == 0 {
		return 0, nil
	}
	frame, packed, err := b.assembler.Pack(ready)
	if err != nil {
		return 0, err
	}
	if frame == nil {
		return 0, nil
	}
	sentAt := b.clock.Now()
	for _, d := range packed {
		d.MarkSent(sentAt)
	}
	if err := b.dev.Send(frame); err != nil {
		return 0, err
	}
	return len(packed), nil
}

// Exchange allocates a datagram for cmd/addr/payload, queues it, sends
// one cycle, and blocks polling the datagram's state until it resolves
// or timeout elapses. Blocking, matching the blocking-exchange style
// already used uniformly by pkg/mailbox, pkg/coe, and the other
// acyclic-service packages this core builds on.
func (b *Bus) Exchange(cmd datagram.Command, addr ethercat.Address, payload []byte, timeout time.Duration) (reply []byte, wc uint16, err error) {
	d, err := b.pool.Alloc(cmd, addr, payload)
	if err != nil {
		return nil, 0, err
	}
	b.queue.Push(d)
	if _, err := b.Cycle(); err != nil {
		b.pool.Release(d)
		return nil, 0, err
	}

	deadline := time.Now().Add(timeout)
	for {
		if d.State() == datagram.StateReceived {
			reply = append([]byte(nil), d.Payload()...)
			wc = d.WorkingCounter()
			b.pool.Release(d)
			return reply, wc, nil
		}
		if time.Now().After(deadline) {
			d.MarkTimedOut()
			b.pool.Release(d)
			return nil, 0, ethercat.ErrTimedOut
		}
		time.Sleep(pollInterval)
	}
}
