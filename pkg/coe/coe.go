// Package coe implements CANopen over EtherCAT: SDO upload/download and
// the object dictionary listing service, carried over pkg/mailbox's
// transport. Grounded on the teacher's pkg/sdo package — the command
// specifier byte, index/subindex addressing, and abort code handling
// are the same CANopen SDO shape the teacher already implements over a
// CAN bus; this package carries the same bytes over an EtherCAT
// mailbox instead.
package coe

import "encoding/binary"

// CoE service codes, the 4-bit field at the top of the 2-byte CoE
// header that precedes every SDO/Info frame in the mailbox payload.
const (
	serviceEmergency   = 1
	serviceSDORequest  = 2
	serviceSDOResponse = 3
	serviceSDOInfo     = 8
)

// SDO command specifier bits, byte 0 of the SDO request/response.
const (
	cmdDownloadInitiate  = 0x21 // size-indicated bit (0x01) already set
	cmdDownloadExpedited = 0x23
	cmdDownloadResponse  = 0x60
	cmdUploadInitiate    = 0x40
	cmdUploadResponse    = 0x43 // expedited bit set
	cmdAbort             = 0x80
)

// Info opcodes, the low nibble of byte 2 in an SDO Info frame.
const (
	opGetODListReq     = 1
	opGetODListResp    = 2
	opGetObjDescReq    = 3
	opGetObjDescResp   = 4
	opGetEntryDescReq  = 5
	opGetEntryDescResp = 6
	opInfoError        = 7
)

const incompleteBit = 0x80

func encodeCoEHeader(service uint8) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(service&0x0F)<<12)
	return buf
}

func decodeCoEHeader(b []byte) (service uint8) {
	v := binary.LittleEndian.Uint16(b[0:2])
	return uint8(v >> 12)
}
