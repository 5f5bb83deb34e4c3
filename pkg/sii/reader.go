package sii

import (
	"encoding/binary"
	"fmt"
	"time"

	ethercat "github.com/ecat-go/goethercat"
)

// RegisterIO is the minimal slave register access the SII reader needs:
// write a register and read one back, with the caller (pkg/scan) owning
// retry/timeout policy against the datagram engine. Kept as an interface
// so this package never depends on pkg/master/pkg/frameio, avoiding the
// import cycle a direct dependency would create.
type RegisterIO interface {
	WriteRegister(slave uint16, addr uint16, data []byte) error
	ReadRegister(slave uint16, addr uint16, length int) ([]byte, error)
}

// SII EEPROM control/status register block.
const (
	regControlStatus = 0x0502
	regAddress       = 0x0504
	regData          = 0x0508

	busyBit = 1 << 15
)

// ReadWord performs one two-word EEPROM read at wordOffset via the
// register block at 0x0500-0x050F: write the address, issue the read
// command, poll the busy bit, then read the two result words.
//
// It returns both words (wordOffset and wordOffset+1) since that's what
// one EEPROM operation yields; newWordReader keeps both, so the second
// word costs no further EEPROM operation.
func ReadWord(io RegisterIO, slave uint16, wordOffset uint16, poll func() bool) ([2]uint16, error) {
	addrBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(addrBuf, uint32(wordOffset))
	if err := io.WriteRegister(slave, regAddress, addrBuf); err != nil {
		return [2]uint16{}, fmt.Errorf("sii: write address: %w", err)
	}
	// Command byte 0x01 (bit 0) == read request, per the EEPROM control
	// word layout; written to the control/status register to kick off
	// the operation.
	if err := io.WriteRegister(slave, regControlStatus, []byte{0x01, 0x00}); err != nil {
		return [2]uint16{}, fmt.Errorf("sii: issue read: %w", err)
	}

	for {
		status, err := io.ReadRegister(slave, regControlStatus, 2)
		if err != nil {
			return [2]uint16{}, fmt.Errorf("sii: poll status: %w", err)
		}
		if binary.LittleEndian.Uint16(status)&busyBit == 0 {
			break
		}
		if poll != nil && !poll() {
			return [2]uint16{}, ethercat.ErrTimedOut
		}
	}

	data, err := io.ReadRegister(slave, regData, 4)
	if err != nil {
		return [2]uint16{}, fmt.Errorf("sii: read data: %w", err)
	}
	return [2]uint16{
		binary.LittleEndian.Uint16(data[0:2]),
		binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

// newWordReader builds the memoizing word/dword readers ReadIdentity and
// ReadImage both walk the EEPROM image with: ReadWord handles the
// busy-bit polling, and the readers memoize both words of each pair.
func newWordReader(io RegisterIO, slave uint16, pollTimeout time.Duration, clock func() time.Duration) (read func(uint16) (uint16, error), read32 func(uint16) (uint32, error)) {
	deadline := time.Duration(0)
	if clock != nil {
		deadline = clock() + pollTimeout
	}
	poll := func() bool {
		if clock == nil {
			return true
		}
		return clock() < deadline
	}

	words := make(map[uint16]uint16)
	read = func(off uint16) (uint16, error) {
		if v, ok := words[off]; ok {
			return v, nil
		}
		pair, err := ReadWord(io, slave, off, poll)
		if err != nil {
			return 0, err
		}
		words[off] = pair[0]
		words[off+1] = pair[1]
		return words[off], nil
	}
	read32 = func(off uint16) (uint32, error) {
		lo, err := read(off)
		if err != nil {
			return 0, err
		}
		hi, err := read(off + 1)
		if err != nil {
			return 0, err
		}
		return uint32(lo) | uint32(hi)<<16, nil
	}
	return read, read32
}

// ReadIdentity reads only the five identity fields a scan needs to check a
// slave's identity against its cache, without following the category
// headers ReadImage sweeps for the full image. A cache hit lets a
// rescan skip that sweep entirely.
func ReadIdentity(io RegisterIO, slave uint16, pollTimeout time.Duration, clock func() time.Duration) (Identity, error) {
	read, read32 := newWordReader(io, slave, pollTimeout, clock)

	alias, err := read(wordAlias)
	if err != nil {
		return Identity{}, err
	}
	vendor, err := read32(wordVendor)
	if err != nil {
		return Identity{}, err
	}
	product, err := read32(wordProduct)
	if err != nil {
		return Identity{}, err
	}
	revision, err := read32(wordRevision)
	if err != nil {
		return Identity{}, err
	}
	serial, err := read32(wordSerial)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Alias: alias, Vendor: vendor, Product: product, Revision: revision, Serial: serial}, nil
}

// ReadImage performs the full EEPROM readout a scan does after a cache
// miss: identity words first, then the complete image by following
// category headers from firstCategoryOffset until the 0xFFFF terminator
// or MaxSize.
func ReadImage(io RegisterIO, slave uint16, pollTimeout time.Duration, clock func() time.Duration) (*SII, error) {
	read, read32 := newWordReader(io, slave, pollTimeout, clock)

	alias, err := read(wordAlias)
	if err != nil {
		return nil, err
	}
	vendor, err := read32(wordVendor)
	if err != nil {
		return nil, err
	}
	product, err := read32(wordProduct)
	if err != nil {
		return nil, err
	}
	revision, err := read32(wordRevision)
	if err != nil {
		return nil, err
	}
	serial, err := read32(wordSerial)
	if err != nil {
		return nil, err
	}

	mbOutOff, _ := read(wordMailboxOutOffset)
	mbOutSize, _ := read(wordMailboxOutSize)
	mbInOff, _ := read(wordMailboxInOffset)
	mbInSize, _ := read(wordMailboxInSize)
	protoWord, _ := read(wordMailboxProtocols)

	s := &SII{
		Identity: Identity{Alias: alias, Vendor: vendor, Product: product, Revision: revision, Serial: serial},
		MailboxOut: MailboxGeometry{Offset: mbOutOff, Size: mbOutSize},
		MailboxIn:  MailboxGeometry{Offset: mbInOff, Size: mbInSize},
		Protocols:  uint8(protoWord),
	}
	if !s.MailboxOut.Valid() {
		s.MailboxOut = MailboxGeometry{}
	}
	if !s.MailboxIn.Valid() {
		s.MailboxIn = MailboxGeometry{}
	}

	// Linear category sweep.
	off := uint16(firstCategoryOffset)
	for off < MaxSize/2 {
		catType, err := read(off)
		if err != nil {
			return nil, err
		}
		if catType == categoryTerminator {
			break
		}
		catWords, err := read(off + 1)
		if err != nil {
			return nil, err
		}
		wordsData := make([]uint16, catWords)
		for i := uint16(0); i < catWords; i++ {
			v, err := read(off + 2 + i)
			if err != nil {
				return nil, err
			}
			wordsData[i] = v
		}
		applyCategory(s, catType, wordsData)
		off += 2 + catWords
	}

	flat := make([]uint16, 0, int(off)+1)
	for i := uint16(0); i <= off; i++ {
		v, err := read(i)
		if err != nil {
			return nil, err
		}
		flat = append(flat, v)
	}
	s.Words = flat
	return s, nil
}
