package foe

import (
	"encoding/binary"
	"fmt"

	"github.com/ecat-go/goethercat/pkg/mailbox"
)

// defaultBufferLimit bounds how much unread file data a Request
// accumulates before suspending, so a large read doesn't grow without
// limit while the application is slow to drain it.
const defaultBufferLimit = 64 * 1024

// Request drives an in-progress FoE read. The slave streams DATA
// packets on its own once the transfer starts; Next pulls the next one
// in and ACKs it. When the buffered-but-undrained data reaches the
// buffer limit, Next suspends the transfer (the FOE_READY condition)
// instead of reading further, until the application drains Data() and
// calls Resume.
type Request struct {
	client           *Client
	expectedPacketNo uint32
	buf              []byte
	done             bool
	suspended        bool
	bufferLimit      int
}

// Read issues an RRQ for filename and ingests the first DATA packet the
// slave replies with.
func (c *Client) Read(filename string, password uint32) (*Request, error) {
	resp, err := c.exchange(encodeRequest(OpRRQ, password, filename), 0)
	if err != nil {
		return nil, err
	}
	if resp[0] == OpERR {
		return nil, decodeError(resp)
	}
	if resp[0] != OpDATA {
		return nil, fmt.Errorf("foe: expected DATA, got opcode %#x", resp[0])
	}

	r := &Request{client: c, expectedPacketNo: 1, bufferLimit: defaultBufferLimit}
	if err := r.ingest(resp); err != nil {
		return nil, err
	}
	return r, nil
}

// Next advances the read by one DATA packet, unless the transfer is
// already done or suspended on a full buffer.
func (r *Request) Next() error {
	if r.done || r.suspended {
		return nil
	}
	resp, err := r.client.awaitResponse(0)
	if err != nil {
		return err
	}
	if resp[0] == OpERR {
		r.done = true
		return decodeError(resp)
	}
	if resp[0] != OpDATA {
		return fmt.Errorf("foe: expected DATA, got opcode %#x", resp[0])
	}
	return r.ingest(resp)
}

func (r *Request) ingest(resp []byte) error {
	got := binary.LittleEndian.Uint32(resp[2:6])
	if got != r.expectedPacketNo {
		return fmt.Errorf("foe: data packet %d, expected %d", got, r.expectedPacketNo)
	}
	payload := resp[HeaderLen:]
	r.buf = append(r.buf, payload...)

	if err := r.client.transport.Send(r.client.slave, mailbox.TypeFoE, encodeAck(got)); err != nil {
		return err
	}

	fragSize, err := r.client.fragmentSize()
	if err != nil {
		return err
	}
	if len(payload) < fragSize {
		r.done = true
		return nil
	}

	r.expectedPacketNo++
	if len(r.buf) >= r.bufferLimit {
		r.suspended = true
	}
	return nil
}

// Data returns the file bytes accumulated so far.
func (r *Request) Data() []byte { return r.buf }

// Done reports whether the final packet has been ingested.
func (r *Request) Done() bool { return r.done }

// Suspended reports whether Next is refusing to read further until
// Resume is called.
func (r *Request) Suspended() bool { return r.suspended }

// Resume clears the buffer the application has drained and re-arms the
// transfer to keep reading.
func (r *Request) Resume() {
	r.buf = r.buf[:0]
	r.suspended = false
}
