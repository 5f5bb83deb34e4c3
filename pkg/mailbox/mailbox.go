// Package mailbox implements the EtherCAT mailbox transport: the
// 6-byte header framing, per-slave counter cycling, and the two-phase
// check/fetch read that every higher protocol (CoE, FoE, EoE, SoE, VoE)
// rides on top of. Grounded on the teacher's pkg/sdo client/server pair,
// generalized from a single CANopen transfer protocol to a dispatcher
// that hands a decoded frame off to whichever protocol handler claims
// its type nibble.
package mailbox

import "fmt"

// Protocol type nibble values carried in the mailbox header's type field.
const (
	TypeError = 0x00
	TypeAoE   = 0x01
	TypeEoE   = 0x02
	TypeCoE   = 0x03
	TypeFoE   = 0x04
	TypeSoE   = 0x05
	TypeVoE   = 0x0F
)

// Header is the fixed 6-byte mailbox envelope preceding every protocol
// payload.
type Header struct {
	Length   uint16
	Address  uint16 // station address; always 0 from the master
	Channel  uint8  // 6 bits
	Priority uint8  // 2 bits
	Type     uint8  // 4 bits, one of the Type* constants
	Counter  uint8  // 4 bits, cycles 1..7 skipping 0
}

const HeaderLen = 6

// Encode writes h followed by payload into a fresh byte slice.
func (h Header) Encode(payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(h.Length)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Address)
	buf[3] = byte(h.Address >> 8)
	buf[4] = (h.Channel & 0x3F) | (h.Priority&0x03)<<6
	buf[5] = (h.Type & 0x0F) | (h.Counter&0x0F)<<4
	copy(buf[HeaderLen:], payload)
	return buf
}

// Decode splits raw into its header and payload. raw must be at least
// HeaderLen bytes.
func Decode(raw []byte) (Header, []byte, error) {
	if len(raw) < HeaderLen {
		return Header{}, nil, fmt.Errorf("mailbox: frame shorter than header (%d bytes)", len(raw))
	}
	h := Header{
		Length:   uint16(raw[0]) | uint16(raw[1])<<8,
		Address:  uint16(raw[2]) | uint16(raw[3])<<8,
		Channel:  raw[4] & 0x3F,
		Priority: (raw[4] >> 6) & 0x03,
		Type:     raw[5] & 0x0F,
		Counter:  (raw[5] >> 4) & 0x0F,
	}
	rest := raw[HeaderLen:]
	if int(h.Length) > len(rest) {
		return Header{}, nil, fmt.Errorf("mailbox: header declares %d bytes, only %d present", h.Length, len(rest))
	}
	return h, rest[:h.Length], nil
}

// errorDescriptions maps a type-0x00 mailbox error reply's error code to
// a human-readable message.
var errorDescriptions = map[uint16]string{
	0x01: "syntax of the 6 octet mailbox header is wrong",
	0x02: "the mailbox protocol is not supported",
	0x03: "channel field contains an invalid value",
	0x04: "the service in the mailbox protocol is not supported",
	0x05: "mailbox header has an invalid value in one of its fields",
	0x06: "mailbox service data is too short",
	0x07: "insufficient memory in the mailbox to execute the service",
	0x08: "mailbox size is too small for the requested service",
}

// Error is a decoded type-0x00 mailbox error reply.
type Error struct {
	Code uint16
}

func (e Error) Error() string {
	desc, ok := errorDescriptions[e.Code]
	if !ok {
		desc = "unknown mailbox error code"
	}
	return fmt.Sprintf("mailbox: error 0x%02x: %s", e.Code, desc)
}

// ParseError decodes a type-0x00 error payload: a 2-byte reserved field
// followed by a 2-byte little-endian error code.
func ParseError(payload []byte) (Error, error) {
	if len(payload) < 4 {
		return Error{}, fmt.Errorf("mailbox: error payload too short (%d bytes)", len(payload))
	}
	return Error{Code: uint16(payload[2]) | uint16(payload[3])<<8}, nil
}
