package ethercat

import "encoding/binary"

// All multi-byte fields on the EtherCAT wire are little-endian. These
// helpers are the one place that encodes that rule, the way the teacher's
// od.Streamer centralizes object-dictionary encode/decode in one place
// instead of scattering binary.LittleEndian calls.

func ReadU8(b []byte) uint8 { return b[0] }

func ReadU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

func ReadU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func ReadU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func WriteU8(b []byte, v uint8) { b[0] = v }

func WriteU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }

// WriteU32 always performs a single 32-bit little-endian write. The
// original source's EC_WRITE_U32 macro appeared to byteswap as if it were
// 16 bits wide; this is treated as a defect in the original,
// not a behavior to reproduce: writes are little-endian in full.
func WriteU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func WriteU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// ReadBit reads a single bit at the given bit offset from the start of b
// (bit 0 is the LSB of b[0]).
func ReadBit(b []byte, bitOffset uint) bool {
	byteIdx := bitOffset / 8
	bitIdx := bitOffset % 8
	return b[byteIdx]&(1<<bitIdx) != 0
}

// WriteBit sets or clears a single bit at the given bit offset.
func WriteBit(b []byte, bitOffset uint, v bool) {
	byteIdx := bitOffset / 8
	bitIdx := bitOffset % 8
	if v {
		b[byteIdx] |= 1 << bitIdx
	} else {
		b[byteIdx] &^= 1 << bitIdx
	}
}

// ReadBits reads an arbitrary-width (<=32 bit) field starting at bitOffset,
// used for packed sub-byte PDO entries.
func ReadBits(b []byte, bitOffset uint, width uint) uint32 {
	var v uint32
	for i := uint(0); i < width; i++ {
		if ReadBit(b, bitOffset+i) {
			v |= 1 << i
		}
	}
	return v
}

// WriteBits writes an arbitrary-width (<=32 bit) field starting at bitOffset.
func WriteBits(b []byte, bitOffset uint, width uint, value uint32) {
	for i := uint(0); i < width; i++ {
		WriteBit(b, bitOffset+i, value&(1<<i) != 0)
	}
}
