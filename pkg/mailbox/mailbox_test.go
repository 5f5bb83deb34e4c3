package mailbox

import (
	"testing"

	"github.com/ecat-go/goethercat/pkg/sii"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIO struct {
	regs map[uint16]map[uint16][]byte
}

func newFakeIO() *fakeIO {
	return &fakeIO{regs: make(map[uint16]map[uint16][]byte)}
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
	buf := make([]byte, length)
	copy(buf, f.regs[slave][addr])
	return buf, nil
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Length: 4, Type: TypeCoE, Counter: 3}
	raw := h.Encode([]byte{1, 2, 3, 4})
	got, payload, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, h.Length, got.Length)
	assert.Equal(t, h.Type, got.Type)
	assert.Equal(t, h.Counter, got.Counter)
	assert.Equal(t, []byte{1, 2, 3, 4}, payload)
}

func TestTransportSendWritesFramedHeader(t *testing.T) {
	io := newFakeIO()
	tr := NewTransport(io, nil)
	out := sii.MailboxGeometry{Offset: 0x1000, Size: 256}
	in := sii.MailboxGeometry{Offset: 0x1100, Size: 256}
	tr.Configure(1, out, in)

	require.NoError(t, tr.Send(1, TypeCoE, []byte{0x40, 0x17, 0x10, 0x00}))

	raw := io.regs[1][out.Offset]
	hdr, payload, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeCoE), hdr.Type)
	assert.Equal(t, uint8(1), hdr.Counter)
	assert.Equal(t, []byte{0x40, 0x17, 0x10, 0x00}, payload)
}

func TestTransportCounterCyclesSkippingZero(t *testing.T) {
	io := newFakeIO()
	tr := NewTransport(io, nil)
	out := sii.MailboxGeometry{Offset: 0x1000, Size: 256}
	in := sii.MailboxGeometry{Offset: 0x1100, Size: 256}
	tr.Configure(1, out, in)

	var seen []uint8
	for i := 0; i < 9; i++ {
		require.NoError(t, tr.Send(1, TypeCoE, []byte{0x00}))
		hdr, _, err := Decode(io.regs[1][out.Offset])
		require.NoError(t, err)
		seen = append(seen, hdr.Counter)
	}
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6, 7, 1, 2}, seen)
	for _, c := range seen {
		assert.NotEqual(t, uint8(0), c)
	}
}

func TestTransportPollReturnsFalseWhenMailboxEmpty(t *testing.T) {
	io := newFakeIO()
	tr := NewTransport(io, nil)
	tr.Configure(1, sii.MailboxGeometry{Offset: 0x1000, Size: 256}, sii.MailboxGeometry{Offset: 0x1100, Size: 256})

	_, _, ok, err := tr.Poll(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransportPollFetchesAndStagesPayload(t *testing.T) {
	io := newFakeIO()
	tr := NewTransport(io, nil)
	in := sii.MailboxGeometry{Offset: 0x1100, Size: 256}
	tr.Configure(1, sii.MailboxGeometry{Offset: 0x1000, Size: 256}, in)

	h := Header{Length: 2, Type: TypeFoE, Counter: 2}
	io.regs[1] = map[uint16][]byte{
		regSM1Status: {mailboxFullBit},
		in.Offset:    h.Encode([]byte{0xAA, 0xBB}),
	}

	proto, payload, ok, err := tr.Poll(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(TypeFoE), proto)
	assert.Equal(t, []byte{0xAA, 0xBB}, payload)

	staged, ok := tr.Consume(1, TypeFoE)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB}, staged)

	_, ok = tr.Consume(1, TypeFoE)
	assert.False(t, ok)
}

func TestTransportPollReturnsMailboxError(t *testing.T) {
	io := newFakeIO()
	tr := NewTransport(io, nil)
	in := sii.MailboxGeometry{Offset: 0x1100, Size: 256}
	tr.Configure(1, sii.MailboxGeometry{Offset: 0x1000, Size: 256}, in)

	h := Header{Length: 4, Type: TypeError}
	errPayload := h.Encode([]byte{0x00, 0x00, 0x06, 0x00}) // error code 0x06
	io.regs[1] = map[uint16][]byte{
		regSM1Status: {mailboxFullBit},
		in.Offset:    errPayload,
	}

	_, _, ok, err := tr.Poll(1)
	assert.False(t, ok)
	require.Error(t, err)
	var mbErr Error
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, uint16(0x06), mbErr.Code)
}

func TestTransportSendOverflowsWhenPayloadExceedsMailbox(t *testing.T) {
	io := newFakeIO()
	tr := NewTransport(io, nil)
	tr.Configure(1, sii.MailboxGeometry{Offset: 0x1000, Size: 8}, sii.MailboxGeometry{Offset: 0x1100, Size: 8})

	err := tr.Send(1, TypeCoE, make([]byte, 100))
	require.Error(t, err)
}
