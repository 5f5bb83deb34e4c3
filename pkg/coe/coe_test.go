package coe

import (
	"encoding/binary"
	"testing"

	"github.com/ecat-go/goethercat/pkg/mailbox"
	"github.com/ecat-go/goethercat/pkg/sii"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const regSM1Status = 0x0805

// fakeIO is a RegisterIO that serves a queue of TX mailbox frames, one
// per Poll, so a test can script a multi-round exchange (initiate then
// segment, or a fragmented dictionary reply) without a second goroutine.
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

// queueReply appends reply as the next frame the TX mailbox will serve.
func queueReply(f *fakeIO, slave uint16, in sii.MailboxGeometry, reply []byte) {
	h := mailbox.Header{Length: uint16(len(reply)), Type: mailbox.TypeCoE, Counter: 1}
	f.mbOffset[slave] = in.Offset
	f.mbQueue[slave] = append(f.mbQueue[slave], h.Encode(reply))
}

func newClient(t *testing.T) (*Client, *fakeIO, sii.MailboxGeometry, sii.MailboxGeometry) {
	t.Helper()
	io := newFakeIO()
	out := sii.MailboxGeometry{Offset: 0x1000, Size: 256}
	in := sii.MailboxGeometry{Offset: 0x1100, Size: 256}
	transport := mailbox.NewTransport(io, nil)
	transport.Configure(1, out, in)
	return NewClient(transport, 1, nil), io, out, in
}

func TestDownloadExpeditedSendsExpectedFrame(t *testing.T) {
	client, io, out, in := newClient(t)

	respFrame := []byte{0, 0, cmdDownloadResponse, 0x72, 0x60, 0x00, 0, 0, 0, 0}
	queueReply(io, 1, in, respFrame)

	require.NoError(t, client.Download(0x6072, 0, []byte{0x10, 0x27}))

	req, _, err := mailbox.Decode(io.regs[1][out.Offset])
	require.NoError(t, err)
	assert.Equal(t, uint8(mailbox.TypeCoE), req.Type)
}

func TestDownloadExpeditedAbort(t *testing.T) {
	client, io, _, in := newClient(t)

	abortFrame := make([]byte, 10)
	abortFrame[2] = cmdAbort
	binary.LittleEndian.PutUint32(abortFrame[6:10], uint32(AbortNotExist))
	queueReply(io, 1, in, abortFrame)

	err := client.Download(0x6072, 0, []byte{0x01})
	require.Error(t, err)
	assert.Equal(t, AbortNotExist, err)
}

func TestUploadExpedited(t *testing.T) {
	client, io, _, in := newClient(t)

	resp := make([]byte, 10)
	resp[2] = cmdUploadResponse // expedited, size indicated with n=0 (all 4 bytes)
	binary.LittleEndian.PutUint32(resp[6:10], 0xDEADBEEF)
	queueReply(io, 1, in, resp)

	data, err := client.Upload(0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(data))
}

func TestUploadSegmentedFollowsToggleAndStops(t *testing.T) {
	client, io, _, in := newClient(t)

	initial := make([]byte, 14)
	initial[2] = 0x41 // normal transfer, size indicated, not expedited, not last
	binary.LittleEndian.PutUint32(initial[6:10], 8)
	copy(initial[10:14], []byte{1, 2, 3, 4})
	queueReply(io, 1, in, initial)

	seg := make([]byte, 8)
	seg[2] = 0x0B // toggle 0, last-segment bit set, 2 data bytes used
	seg[3], seg[4] = 5, 6
	queueReply(io, 1, in, seg)

	data, err := client.Upload(0x1008, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, data)
}

func TestUploadSegmentedToggleMismatchAborts(t *testing.T) {
	client, io, _, in := newClient(t)

	initial := make([]byte, 14)
	initial[2] = 0x41
	binary.LittleEndian.PutUint32(initial[6:10], 8)
	copy(initial[10:14], []byte{1, 2, 3, 4})
	queueReply(io, 1, in, initial)

	seg := make([]byte, 8)
	seg[2] = 0x10 | 0x0B // wrong toggle: server echoes toggle 1 when 0 was expected
	seg[3], seg[4] = 5, 6
	queueReply(io, 1, in, seg)

	data, err := client.Upload(0x1008, 0)
	require.Error(t, err)
	assert.Equal(t, AbortToggleBit, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestDownloadNormalOversizeReturnsOverflow(t *testing.T) {
	client, _, _, _ := newClient(t)
	err := client.Download(0x1020, 0, make([]byte, 300))
	require.Error(t, err)
}

func TestAbortCodeDescription(t *testing.T) {
	assert.Contains(t, AbortNotExist.Error(), "does not exist")
	assert.Contains(t, AbortCode(0x12345678).Error(), "general error")
}

func TestDictionaryIndicesFollowsFragments(t *testing.T) {
	client, io, _, in := newClient(t)
	dict := NewDictionary(client)

	first := make([]byte, 10)
	copy(first[0:2], encodeCoEHeader(serviceSDOInfo))
	first[2] = opGetODListResp
	binary.LittleEndian.PutUint16(first[4:6], 1) // one fragment left
	binary.LittleEndian.PutUint16(first[6:8], 0x1000)
	binary.LittleEndian.PutUint16(first[8:10], 0x1001)
	queueReply(io, 1, in, first)

	second := make([]byte, 8)
	copy(second[0:2], encodeCoEHeader(serviceSDOInfo))
	second[2] = opGetODListResp
	binary.LittleEndian.PutUint16(second[4:6], 0) // no fragments left
	binary.LittleEndian.PutUint16(second[6:8], 0x1002)
	queueReply(io, 1, in, second)

	indices, err := dict.Indices(ListAll)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1000, 0x1001, 0x1002}, indices)
}
