// Package soe implements SoE (Servo profile over EtherCAT) IDN read and
// write, including segmented transfers and the standard SoE error
// table. Grounded on the teacher's pkg/sdo segmented-upload shape
// (toggle/fragment bookkeeping over a command-specifier byte) adapted
// to SoE's opcode-plus-incomplete-flag header instead of a toggle bit.
package soe

import (
	"encoding/binary"
	"fmt"
)

// Opcodes, bits 0-2 of header byte 0.
const (
	OpReadRequest   = 1
	OpReadResponse  = 2
	OpWriteRequest  = 3
	OpWriteResponse = 4
)

// Header byte 0 bit layout: opcode in bits 0-2, incomplete flag bit 3,
// error flag bit 4.
const (
	incompleteBit = 1 << 3
	errorBit      = 1 << 4
)

// HeaderLen is the fixed SoE header size preceding value bytes.
const HeaderLen = 4

// ErrorCode is an SoE-level transfer error, read from the tail of an
// error-flagged response.
type ErrorCode uint16

const (
	ErrNoError        ErrorCode = 0x0000
	ErrWriteProtected ErrorCode = 0x8001
	ErrNoSuchIDN      ErrorCode = 0x8002
	ErrInvalidValue   ErrorCode = 0x8003
	ErrExceedsRange   ErrorCode = 0x8004
	ErrAttrUnknown    ErrorCode = 0x8005
	ErrNotConvertible ErrorCode = 0x8006
	ErrBusy           ErrorCode = 0x8007
	ErrListNotFound   ErrorCode = 0x8008
	ErrCmdNotAllowed  ErrorCode = 0x8009
	ErrNameNotSet     ErrorCode = 0x800A
)

var errorText = map[ErrorCode]string{
	ErrWriteProtected: "IDN is write protected",
	ErrNoSuchIDN:      "IDN does not exist",
	ErrInvalidValue:   "value of IDN cannot be changed, currently invalid",
	ErrExceedsRange:   "value exceeds IDN's value range",
	ErrAttrUnknown:    "attribute of IDN is unknown",
	ErrNotConvertible: "IDN data is not convertible to the requested size",
	ErrBusy:           "IDN cannot be accessed because of a local control",
	ErrListNotFound:   "requested list does not exist",
	ErrCmdNotAllowed:  "command not allowed in this operation mode",
	ErrNameNotSet:     "name not set for this IDN",
}

func (e ErrorCode) Error() string {
	if s, ok := errorText[e]; ok {
		return fmt.Sprintf("soe: %s (code %#04x)", s, uint16(e))
	}
	return fmt.Sprintf("soe: unknown error code %#04x", uint16(e))
}

// header is the decoded form of an SoE frame's first 4 bytes.
type header struct {
	opcode        uint8
	incomplete    bool
	errorFlagged  bool
	valueIncluded bool
	idnOrFrags    uint16
}

func decodeHeader(frame []byte) (header, error) {
	if len(frame) < HeaderLen {
		return header{}, fmt.Errorf("soe: short frame")
	}
	return header{
		opcode:        frame[0] & 0x07,
		incomplete:    frame[0]&incompleteBit != 0,
		errorFlagged:  frame[0]&errorBit != 0,
		valueIncluded: frame[1]&0x01 != 0,
		idnOrFrags:    binary.LittleEndian.Uint16(frame[2:4]),
	}, nil
}

func encodeHeader(opcode uint8, incomplete bool, valueIncluded bool, idnOrFrags uint16) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = opcode & 0x07
	if incomplete {
		buf[0] |= incompleteBit
	}
	if valueIncluded {
		buf[1] = 0x01
	}
	binary.LittleEndian.PutUint16(buf[2:4], idnOrFrags)
	return buf
}

func parseError(frame []byte) ErrorCode {
	if len(frame) < HeaderLen+2 {
		return ErrNoError
	}
	return ErrorCode(binary.LittleEndian.Uint16(frame[len(frame)-2:]))
}
