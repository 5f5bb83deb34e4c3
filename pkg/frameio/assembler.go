// Package frameio packs queued datagrams into MTU-sized EtherCAT frames
// and dispatches replies back to their originating descriptors by index.
// Grounded on the teacher's bus_manager.go dispatch-by-CAN-ID
// pattern (Handle/Subscribe), generalized here to dispatch-by-datagram-
// index instead of dispatch-by-arbitration-ID.
package frameio

import (
	"encoding/binary"
	"log/slog"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/datagram"
)

// DefaultMTU is the frame size budget this assembler packs frames
// against; Pack subtracts the 14-byte Ethernet header and the 2-byte
// EtherCAT header from it.
const DefaultMTU = 1500

// Assembler packs ready datagrams into frames and parses replies,
// matching the pool's preallocated descriptors by 8-bit index. It holds
// no datagrams of its own; the Pool and Queue own that state.
type Assembler struct {
	pool   *datagram.Pool
	srcMAC [6]byte
	mtu    int
	logger *slog.Logger

	stats Stats
}

// Stats counts reply-matching outcomes, surfaced for monitoring.
type Stats struct {
	UnknownIndex uint64
	StaleReply   uint64
}

// NewAssembler builds an assembler over pool, stamping srcMAC as the
// Ethernet source address on every frame it builds.
func NewAssembler(pool *datagram.Pool, srcMAC [6]byte, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{pool: pool, srcMAC: srcMAC, mtu: DefaultMTU, logger: logger}
}

func (a *Assembler) Stats() Stats { return a.stats }

// SetMTU overrides the assembler's frame budget; mainly useful in tests
// exercising the EOVERFLOW path without a payload over 1472 bytes.
func (a *Assembler) SetMTU(mtu int) { a.mtu = mtu }

// Pack packs as many ready datagrams as fit into one frame, in FIFO
// order, and returns the built frame bytes. It stops (without consuming
// the remainder) once the next datagram would exceed the MTU, so a
// caller with more ready datagrams than fit in one frame should call Pack
// again for the remainder in the next cycle.
//
// A single datagram whose payload alone exceeds the MTU is a hard error:
// Pack returns ErrOverflow rather than silently dropping or truncating it.
func (a *Assembler) Pack(ready []*datagram.Datagram) ([]byte, []*datagram.Datagram, error) {
	budget := a.mtu - ethercat.EthernetHeaderLen - ethercat.FrameHeaderLen

	var packed []*datagram.Datagram
	used := 0
	for _, d := range ready {
		size := ethercat.DatagramOverhead + d.DataLen
		if size > budget {
			return nil, nil, ethercat.ErrOverflow
		}
		if used+size > budget {
			break
		}
		used += size
		packed = append(packed, d)
	}
	if len(packed) == 0 {
		return nil, nil, nil
	}

	var body []byte
	for i, d := range packed {
		d.More = i != len(packed)-1 // every datagram but the last
		body = append(body, encodeDatagram(d, d.More)...)
	}

	frame := make([]byte, 0, ethercat.EthernetHeaderLen+ethercat.FrameHeaderLen+len(body))
	frame = append(frame, broadcastMAC[:]...)
	frame = append(frame, a.srcMAC[:]...)
	frame = binary.BigEndian.AppendUint16(frame, ethercat.EtherType)

	hdr := uint16(len(body))&0x7FF | uint16(ethercat.ProtocolType)<<12
	frame = binary.LittleEndian.AppendUint16(frame, hdr)
	frame = append(frame, body...)

	return frame, packed, nil
}

var broadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func encodeDatagram(d *datagram.Datagram, more bool) []byte {
	buf := make([]byte, ethercat.DatagramHeaderLen+d.DataLen+ethercat.DatagramWCLen)
	buf[0] = uint8(d.Command)
	buf[1] = d.Index()
	binary.LittleEndian.PutUint32(buf[2:6], uint32(d.Address))
	lenFlags := uint16(d.DataLen) & 0x7FF
	// circulating bit (bit 14) left at 0: this core never reuses a frame
	// around a logical ring segment.
	if more {
		lenFlags |= 1 << 15
	}
	binary.LittleEndian.PutUint16(buf[6:8], lenFlags)
	binary.LittleEndian.PutUint16(buf[8:10], 0) // interrupt, unused
	copy(buf[10:10+d.DataLen], d.Payload())
	// Working counter trails the payload; zero on the wire until a slave
	// increments it and the frame comes back.
	binary.LittleEndian.PutUint16(buf[10+d.DataLen:], 0)
	return buf
}
