package foe

import (
	"encoding/binary"
	"testing"

	"github.com/ecat-go/goethercat/pkg/mailbox"
	"github.com/ecat-go/goethercat/pkg/sii"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const regSM1Status = 0x0805

type fakeIO struct {
	regs     map[uint16]map[uint16][]byte
	mbQueue  map[uint16][][]byte
	mbOffset map[uint16]uint16
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		regs:     make(map[uint16]map[uint16][]byte),
		mbQueue:  make(map[uint16][][]byte),
		mbOffset: make(map[uint16]uint16),
	}
}

func (f *fakeIO) WriteRegister(slave uint16, addr uint16, data []byte) error {
	if f.regs[slave] == nil {
		f.regs[slave] = make(map[uint16][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.regs[slave][addr] = cp
	return nil
}

func (f *fakeIO) ReadRegister(slave uint16, addr uint16, length int) ([]byte, error) {
	if addr == regSM1Status {
		buf := make([]byte, length)
		if len(f.mbQueue[slave]) > 0 {
			buf[0] = 1 << 3
		}
		return buf, nil
	}
	if off, ok := f.mbOffset[slave]; ok && addr == off && len(f.mbQueue[slave]) > 0 {
		frame := f.mbQueue[slave][0]
		f.mbQueue[slave] = f.mbQueue[slave][1:]
		buf := make([]byte, length)
		copy(buf, frame)
		return buf, nil
	}
	buf := make([]byte, length)
	copy(buf, f.regs[slave][addr])
	return buf, nil
}

func queueReply(f *fakeIO, slave uint16, in sii.MailboxGeometry, reply []byte) {
	h := mailbox.Header{Length: uint16(len(reply)), Type: mailbox.TypeFoE, Counter: 1}
	f.mbOffset[slave] = in.Offset
	f.mbQueue[slave] = append(f.mbQueue[slave], h.Encode(reply))
}

func newClient(t *testing.T, mailboxSize uint16) (*Client, *fakeIO, sii.MailboxGeometry, sii.MailboxGeometry) {
	t.Helper()
	io := newFakeIO()
	out := sii.MailboxGeometry{Offset: 0x1000, Size: mailboxSize}
	in := sii.MailboxGeometry{Offset: 0x1100, Size: mailboxSize}
	transport := mailbox.NewTransport(io, nil)
	transport.Configure(1, out, in)
	return NewClient(transport, 1, nil), io, out, in
}

func TestWriteFragmentsIntoMailboxSizedPackets(t *testing.T) {
	client, io, _, in := newClient(t, 6+HeaderLen+4) // 4-byte fragments

	queueReply(io, 1, in, encodeAck(0)) // WRQ ack
	queueReply(io, 1, in, encodeAck(1))
	queueReply(io, 1, in, encodeAck(2))
	queueReply(io, 1, in, encodeAck(3))

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} // 2 full + 1 short (last)
	require.NoError(t, client.Write("fw", 0, data))
}

func TestWriteSendsTrailingEmptyPacketWhenPayloadIsExactFragmentMultiple(t *testing.T) {
	client, io, _, in := newClient(t, 6+HeaderLen+4) // 4-byte fragments

	queueReply(io, 1, in, encodeAck(0)) // WRQ ack
	queueReply(io, 1, in, encodeAck(1)) // first full 4-byte fragment
	queueReply(io, 1, in, encodeAck(2)) // second full 4-byte fragment
	queueReply(io, 1, in, encodeAck(3)) // trailing zero-length fragment

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8} // exactly two 4-byte fragments
	require.NoError(t, client.Write("fw", 0, data))

	// A third DATA exchange (beyond the two full fragments) only
	// happens if the trailing empty packet was actually sent; that
	// exchange is the one that consumes ACK(3), leaving the reply
	// queue empty.
	assert.Empty(t, io.mbQueue[1])
}

func TestWriteRetransmitsOnBusy(t *testing.T) {
	client, io, _, in := newClient(t, 6+HeaderLen+4)

	queueReply(io, 1, in, encodeAck(0))
	busy := make([]byte, HeaderLen)
	busy[0] = OpBUSY
	queueReply(io, 1, in, busy)
	queueReply(io, 1, in, encodeAck(1))

	require.NoError(t, client.Write("a", 0, []byte{1, 2}))
}

func TestWriteErrAborts(t *testing.T) {
	client, io, _, in := newClient(t, 6+HeaderLen+4)

	errFrame := make([]byte, HeaderLen)
	errFrame[0] = OpERR
	binary.LittleEndian.PutUint32(errFrame[2:6], uint32(ErrAccessDenied))
	queueReply(io, 1, in, errFrame)

	err := client.Write("a", 0, []byte{1})
	require.Error(t, err)
	assert.Equal(t, ErrAccessDenied, err)
}

func TestReadAccumulatesAcrossPackets(t *testing.T) {
	client, io, _, in := newClient(t, 6+HeaderLen+4)

	queueReply(io, 1, in, encodeData(1, []byte{1, 2, 3, 4}))
	queueReply(io, 1, in, encodeData(2, []byte{5, 6}))

	req, err := client.Read("a", 0)
	require.NoError(t, err)
	assert.False(t, req.Done())

	require.NoError(t, req.Next())
	assert.True(t, req.Done())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, req.Data())
}

func TestReadSuspendsWhenBufferFull(t *testing.T) {
	client, io, _, in := newClient(t, 6+HeaderLen+4)

	req, err := newReadWithBufferLimit(client, io, in, 4)
	require.NoError(t, err)
	assert.True(t, req.Suspended())
	assert.Equal(t, []byte{1, 2, 3, 4}, req.Data())

	req.Resume()
	assert.False(t, req.Suspended())
	assert.Equal(t, 0, len(req.Data()))
}

// newReadWithBufferLimit mirrors Client.Read but with a small buffer
// limit, to exercise the FOE_READY suspension path without a 64KiB fixture.
func newReadWithBufferLimit(c *Client, io *fakeIO, in sii.MailboxGeometry, limit int) (*Request, error) {
	queueReply(io, 1, in, encodeData(1, []byte{1, 2, 3, 4}))
	resp, err := c.exchange(encodeRequest(OpRRQ, 0, "a"), 0)
	if err != nil {
		return nil, err
	}
	r := &Request{client: c, expectedPacketNo: 1, bufferLimit: limit}
	if err := r.ingest(resp); err != nil {
		return nil, err
	}
	return r, nil
}
