package frameio

import (
	"encoding/binary"
	"time"

	"github.com/ecat-go/goethercat/pkg/datagram"
)

// Dispatch parses a received frame's datagrams in order and matches each
// to its in-flight descriptor by index, copying the reply payload back,
// recording the working counter and receive timestamp, and transitioning
// it to StateReceived. recvAt is the receive timestamp to stamp, taken
// from the injected datagram.Clock rather than read here.
//
// Unknown indices (already released, or never allocated) and stale
// replies (wrong size for the descriptor that owns the index) are
// dropped and counted, never causing an error.
func (a *Assembler) Dispatch(frame []byte, recvAt time.Duration) {
	if len(frame) < 16 {
		return
	}
	body := frame[16:]
	for len(body) >= 10 {
		idx := body[1]
		lenFlags := binary.LittleEndian.Uint16(body[6:8])
		dataLen := int(lenFlags & 0x7FF)
		more := lenFlags&(1<<15) != 0
		total := 10 + dataLen + 2
		if len(body) < total {
			return
		}
		payload := body[10 : 10+dataLen]
		wc := binary.LittleEndian.Uint16(body[10+dataLen : total])

		d := a.pool.ByIndex(idx)
		if d == nil {
			a.stats.UnknownIndex++
		} else if d.DataLen != dataLen {
			a.stats.StaleReply++
		} else {
			d.ApplyReply(payload, wc, recvAt)
		}

		body = body[total:]
		if !more {
			break
		}
	}
}
