package scan

import (
	"testing"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/mailbox"
	"github.com/ecat-go/goethercat/pkg/sii"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const regSM1Status = 0x0805

// regSIIAddress mirrors pkg/sii's own unexported regAddress: the EEPROM
// address register ReadWord writes once per word pair fetched, used
// here only to count how many EEPROM words a scan actually reads.
const regSIIAddress = 0x0504

// fakeIO serves plain registers, plus an ordered per-slave TX mailbox
// frame queue for the ScanPDOs tests that need several successive CoE
// replies.
type fakeIO struct {
	regs         map[uint16]map[uint16][]byte
	mbQueue      map[uint16][][]byte
	mbOffset     map[uint16]uint16
	eepromWrites map[uint16]int
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		regs:         make(map[uint16]map[uint16][]byte),
		mbQueue:      make(map[uint16][][]byte),
		mbOffset:     make(map[uint16]uint16),
		eepromWrites: make(map[uint16]int),
	}
}

func (f *fakeIO) WriteRegister(slave uint16, addr uint16, data []byte) error {
	if addr == regSIIAddress {
		f.eepromWrites[slave]++
	}
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

func baseDevice(io *fakeIO, station uint16) {
	io.regs[station] = map[uint16][]byte{
		regALState: {uint8(ethercat.StatePreOp), 0x00},
		regBaseInfo: {
			0x05,       // device type
			0x01, 0x00, // revision
			0x00, 0x00, // build
			0x04,       // fmmu count
			0x02,       // sm count
			0x01, 0x02, // port nibbles 0,1 and 2,3
			0x00, 0x00, // unused
			0x04, // features: DC supported bit set
		},
		regDLStatus: {0x30, 0x00}, // ports 0,1 link up
	}
}

func TestScanAssignsStationAddressAndReadsBaseInfo(t *testing.T) {
	io := newFakeIO()
	baseDevice(io, 0x0001)

	s := NewScanner(io, nil)
	slave, err := s.Scan(0, 0x0001)
	require.NoError(t, err)

	assert.Equal(t, ethercat.StatePreOp, slave.ALState)
	assert.False(t, slave.ALError)
	assert.EqualValues(t, 4, slave.FMMUCount)
	assert.EqualValues(t, 2, slave.SMCount)
	assert.True(t, slave.DCSupported)
	assert.True(t, slave.Ports[0].LinkUp)
	assert.True(t, slave.Ports[1].LinkUp)
	assert.False(t, slave.Ports[2].LinkUp)

	assigned := io.regs[0][regStationAddress]
	require.Len(t, assigned, 2)
	assert.Equal(t, uint16(0x0001), uint16(assigned[0])|uint16(assigned[1])<<8)
}

func TestScanProbesDCWhenSupported(t *testing.T) {
	io := newFakeIO()
	baseDevice(io, 0x0002)
	io.regs[0x0002][regDCSystemTime] = make([]byte, 8)
	io.regs[0x0002][regDCPortReceive] = []byte{
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	s := NewScanner(io, nil)
	slave, err := s.Scan(0, 0x0002)
	require.NoError(t, err)

	assert.True(t, slave.SystemTimeSupported)
	assert.EqualValues(t, 1, slave.PortReceiveTimes[0])
	assert.EqualValues(t, 2, slave.PortReceiveTimes[1])
}

func TestScanSkipsDCProbeWhenUnsupported(t *testing.T) {
	io := newFakeIO()
	baseDevice(io, 0x0003)
	io.regs[0x0003][regBaseInfo][11] = 0x00 // clear DC-supported feature bit

	s := NewScanner(io, nil)
	slave, err := s.Scan(0, 0x0003)
	require.NoError(t, err)

	assert.False(t, slave.DCSupported)
	assert.False(t, slave.SystemTimeSupported)
}

func TestScanReusesCachedSIIForMatchingIdentity(t *testing.T) {
	io := newFakeIO()
	baseDevice(io, 0x0004)
	baseDevice(io, 0x0005)
	// Identical (zeroed) EEPROM content on both stations: both read as
	// the same identity, so the second scan should hit the cache.

	s := NewScanner(io, nil)
	first, err := s.Scan(0, 0x0004)
	require.NoError(t, err)
	firstReads := io.eepromWrites[0x0004]

	second, err := s.Scan(1, 0x0005)
	require.NoError(t, err)
	secondReads := io.eepromWrites[0x0005]

	assert.Same(t, first.SII, second.SII)
	// The first scan (a cache miss) sweeps the full EEPROM category
	// list; the second scan's identical identity should hit the cache
	// after only the handful of identity words, well short of a full
	// sweep.
	assert.Less(t, secondReads, firstReads)
	assert.Less(t, secondReads, 10)
}

func TestScanPDOsReadsAssignmentAndMapping(t *testing.T) {
	io := newFakeIO()
	station := uint16(0x0007)
	io.regs[station] = map[uint16][]byte{
		regALState: {uint8(ethercat.StatePreOp), 0x00},
	}

	out := sii.MailboxGeometry{Offset: 0x1000, Size: 256}
	in := sii.MailboxGeometry{Offset: 0x1100, Size: 256}

	// One stale frame the drain step should discard.
	queueReply(io, station, in, []byte{0, 0, 0x43, 0x01, 0, 0, 0, 0, 0, 0})
	// 0x1C10 sub0: one PDO assigned.
	queueReply(io, station, in, []byte{0, 0, 0x4F, 0x01, 0, 0, 0x01, 0, 0, 0})
	// 0x1C10 sub1: assigned PDO index 0x1A00.
	queueReply(io, station, in, []byte{0, 0, 0x4B, 0x01, 0, 0, 0x00, 0x1A, 0, 0})
	// 0x1A00 sub0: one mapped entry.
	queueReply(io, station, in, []byte{0, 0, 0x4F, 0x01, 0, 0, 0x01, 0, 0, 0})
	// 0x1A00 sub1: entry packs index 0x6000, subindex 1, bit length 8.
	queueReply(io, station, in, []byte{0, 0, 0x43, 0x01, 0, 0, 0x08, 0x01, 0x00, 0x60})

	s := NewScanner(io, nil)
	slave := &Slave{Station: station, SMCount: 1, SII: &sii.SII{
		Protocols:  sii.ProtocolCoE,
		MailboxOut: out,
		MailboxIn:  in,
	}}

	require.NoError(t, s.ScanPDOs(slave))

	require.Contains(t, slave.PDOAssignments, uint8(0))
	assert.Equal(t, []uint16{0x1A00}, slave.PDOAssignments[0])

	entries := slave.PDOMappings[0x1A00]
	require.Len(t, entries, 1)
	assert.Equal(t, PDOMapEntry{Index: 0x6000, SubIndex: 0x01, BitLen: 0x08}, entries[0])
}

func TestScanALErrorBitSurfacesAsALError(t *testing.T) {
	io := newFakeIO()
	baseDevice(io, 0x0006)
	io.regs[0x0006][regALState] = []byte{uint8(ethercat.StatePreOp) | 0x10, 0x00}

	s := NewScanner(io, nil)
	slave, err := s.Scan(0, 0x0006)
	require.NoError(t, err)

	assert.True(t, slave.ALError)
	assert.True(t, slave.ALState.HasError())
}
