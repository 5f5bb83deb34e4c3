package soe

import (
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
	h := mailbox.Header{Length: uint16(len(reply)), Type: mailbox.TypeSoE, Counter: 1}
	f.mbOffset[slave] = in.Offset
	f.mbQueue[slave] = append(f.mbQueue[slave], h.Encode(reply))
}

func newClient(t *testing.T, mailboxSize uint16) (*Client, *fakeIO, sii.MailboxGeometry) {
	t.Helper()
	io := newFakeIO()
	out := sii.MailboxGeometry{Offset: 0x1000, Size: mailboxSize}
	in := sii.MailboxGeometry{Offset: 0x1100, Size: mailboxSize}
	transport := mailbox.NewTransport(io, nil)
	transport.Configure(1, out, in)
	return NewClient(transport, 1, nil), io, in
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	raw := encodeHeader(OpWriteRequest, true, true, 7)
	h, err := decodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(OpWriteRequest), h.opcode)
	assert.True(t, h.incomplete)
	assert.True(t, h.valueIncluded)
	assert.Equal(t, uint16(7), h.idnOrFrags)
}

func TestReadSingleFrame(t *testing.T) {
	client, io, in := newClient(t, 256)

	resp := append(encodeHeader(OpReadResponse, false, true, 0x11), []byte{1, 2, 3, 4}...)
	queueReply(io, 1, in, resp)

	data, err := client.Read(0x0011)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestReadFollowsIncompleteFragments(t *testing.T) {
	client, io, in := newClient(t, 256)

	first := append(encodeHeader(OpReadResponse, true, true, 0), []byte{1, 2}...)
	last := append(encodeHeader(OpReadResponse, false, true, 0x11), []byte{3, 4}...)
	queueReply(io, 1, in, first)
	queueReply(io, 1, in, last)

	data, err := client.Read(0x0011)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestReadErrorFlagged(t *testing.T) {
	client, io, in := newClient(t, 256)

	resp := encodeHeader(OpReadResponse, false, false, 0)
	resp[0] |= errorBit
	resp = append(resp, 0x02, 0x80) // ErrNoSuchIDN, little-endian
	queueReply(io, 1, in, resp)

	_, err := client.Read(0x0099)
	require.Error(t, err)
	assert.Equal(t, ErrNoSuchIDN, err)
}

func TestWriteSingleFrame(t *testing.T) {
	client, io, in := newClient(t, 256)

	resp := encodeHeader(OpWriteResponse, false, false, 0x20)
	queueReply(io, 1, in, resp)

	require.NoError(t, client.Write(0x0020, []byte{9, 9}))
}

func TestWriteFragmentsLargePayload(t *testing.T) {
	client, io, in := newClient(t, mailbox.HeaderLen+HeaderLen+2) // 2-byte fragments

	queueReply(io, 1, in, encodeHeader(OpWriteResponse, false, false, 0))
	queueReply(io, 1, in, encodeHeader(OpWriteResponse, false, false, 0))
	queueReply(io, 1, in, encodeHeader(OpWriteResponse, false, false, 0x30))

	require.NoError(t, client.Write(0x0030, []byte{1, 2, 3, 4, 5, 6}))
}
