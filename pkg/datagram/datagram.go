// Package datagram implements the preallocated datagram descriptor pool
// and rolling 8-bit index space, adapted from the teacher's
// internal/fifo ring-buffer bookkeeping (read/write positions,
// space/occupied accounting) to a fixed-size descriptor ring instead of
// a byte ring.
package datagram

import (
	"time"

	ethercat "github.com/ecat-go/goethercat"
)

// MaxPayload is the largest single-datagram payload this pool supports.
// At the frame assembler's default 1500-byte budget only 1472 payload
// bytes fit in one frame (after the Ethernet, EtherCAT and datagram
// headers and the working counter), so a larger payload is rejected by
// the assembler, not by the pool.
const MaxPayload = 1486

// State is a datagram's lifecycle state.
type State uint8

const (
	StateFree State = iota
	StateInit
	StateQueued
	StateSent
	StateReceived
	StateTimedOut
	StateError
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateInit:
		return "init"
	case StateQueued:
		return "queued"
	case StateSent:
		return "sent"
	case StateReceived:
		return "received"
	case StateTimedOut:
		return "timed_out"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Datagram is one EtherCAT command: the unit the frame assembler packs
// into frames and the reply dispatcher matches by index.
type Datagram struct {
	Command Command
	Address ethercat.Address
	Data    [MaxPayload]byte
	DataLen int
	More    bool // set by the assembler; true unless this is the frame's last datagram

	index          uint8
	state          State
	workingCounter uint16
	sentAt         time.Duration
	recvAt         time.Duration
	retries        int

	// Done, if non-nil, is invoked once with the final state when the
	// datagram transitions to received/timed_out/error. FSMs poll State()
	// on the realtime path instead of relying on this in the hot loop; it
	// exists for acyclic requests that want a callback-style completion.
	Done func(d *Datagram)
}

// Command re-exports ethercat.Command so callers of this package don't
// need a second import just to name a command type.
type Command = ethercat.Command

func (d *Datagram) Index() uint8              { return d.index }
func (d *Datagram) State() State              { return d.state }
func (d *Datagram) WorkingCounter() uint16     { return d.workingCounter }
func (d *Datagram) SentAt() time.Duration      { return d.sentAt }
func (d *Datagram) ReceivedAt() time.Duration  { return d.recvAt }
func (d *Datagram) Retries() int               { return d.retries }
func (d *Datagram) Payload() []byte            { return d.Data[:d.DataLen] }

// ApplyReply finalizes a datagram once its reply has arrived: copies the
// payload back into the descriptor's buffer, records the working counter
// and receive timestamp, and transitions to StateReceived.
func (d *Datagram) ApplyReply(payload []byte, wc uint16, recvAt time.Duration) {
	copy(d.Data[:len(payload)], payload)
	d.DataLen = len(payload)
	d.workingCounter = wc
	d.recvAt = recvAt
	d.state = StateReceived
	if d.Done != nil {
		d.Done(d)
	}
}

// MarkSent transitions a datagram to StateSent and stamps its send time,
// called by the cyclic send path right after a frame carrying it goes out.
func (d *Datagram) MarkSent(sentAt time.Duration) {
	d.state = StateSent
	d.sentAt = sentAt
}

// MarkTimedOut transitions a datagram to StateTimedOut.
func (d *Datagram) MarkTimedOut() {
	d.state = StateTimedOut
	if d.Done != nil {
		d.Done(d)
	}
}

// reset clears a datagram to carry a new command, payload, and address,
// leaving its pool-assigned index untouched. Called by the pool on
// allocation and never exported, so callers cannot smuggle a stale
// in-flight datagram back into queued state.
func (d *Datagram) reset(cmd Command, addr ethercat.Address, payload []byte) {
	d.Command = cmd
	d.Address = addr
	d.DataLen = copy(d.Data[:], payload)
	d.More = false
	d.state = StateInit
	d.workingCounter = 0
	d.sentAt = 0
	d.recvAt = 0
	d.retries = 0
	d.Done = nil
}
