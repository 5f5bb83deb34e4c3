// Package foe implements FoE (File access over EtherCAT): a small,
// stop-and-wait file transfer protocol carried over pkg/mailbox, used
// to push and pull firmware images and configuration files to and from
// a slave. Grounded on the teacher's pkg/sdo block-transfer FSMs
// (download_block.go/upload_block.go), the closest teacher analogue to
// a sequence-numbered, acknowledged transfer, generalized from
// CANopen's windowed block protocol to FoE's simpler one-packet-at-a-
// time exchange.
package foe

import "encoding/binary"

// FoE opcodes, byte 0 of every FoE mailbox payload.
const (
	OpRRQ  = 1
	OpWRQ  = 2
	OpDATA = 3
	OpACK  = 4
	OpERR  = 5
	OpBUSY = 6
)

// HeaderLen is the fixed FoE header size preceding DATA payload bytes.
const HeaderLen = 6

// ErrorCode is an FoE-level transfer error (ERR packet payload), distinct
// from a mailbox transport error or a CoE abort code.
type ErrorCode uint32

const (
	ErrNotDefined    ErrorCode = 0x8001
	ErrNotFound      ErrorCode = 0x8002
	ErrAccessDenied  ErrorCode = 0x8003
	ErrDiskFull      ErrorCode = 0x8004
	ErrIllegalOp     ErrorCode = 0x8005
	ErrUnknownTID    ErrorCode = 0x8006
	ErrFileExists    ErrorCode = 0x8007
	ErrNoUser        ErrorCode = 0x8008
	ErrBootstrapOnly ErrorCode = 0x8009
	ErrNotBootstrap  ErrorCode = 0x800A
	ErrNoConfigData  ErrorCode = 0x800B
	ErrFlashAreaBusy ErrorCode = 0x800C
)

var errorText = map[ErrorCode]string{
	ErrNotDefined:    "not defined",
	ErrNotFound:      "file not found",
	ErrAccessDenied:  "access denied",
	ErrDiskFull:      "disk full",
	ErrIllegalOp:     "illegal FoE operation",
	ErrUnknownTID:    "unknown transfer ID",
	ErrFileExists:    "file already exists",
	ErrNoUser:        "no user",
	ErrBootstrapOnly: "only available in bootstrap mode",
	ErrNotBootstrap:  "not available in bootstrap mode",
	ErrNoConfigData:  "no configuration data available",
	ErrFlashAreaBusy: "flash area currently busy",
}

func (e ErrorCode) Error() string {
	if s, ok := errorText[e]; ok {
		return s
	}
	return "unknown FoE error"
}

func encodeRequest(op uint8, password uint32, filename string) []byte {
	buf := make([]byte, HeaderLen+len(filename))
	buf[0] = op
	binary.LittleEndian.PutUint32(buf[2:6], password)
	copy(buf[6:], filename)
	return buf
}

func encodeData(packetNo uint32, data []byte) []byte {
	buf := make([]byte, HeaderLen+len(data))
	buf[0] = OpDATA
	binary.LittleEndian.PutUint32(buf[2:6], packetNo)
	copy(buf[6:], data)
	return buf
}

func encodeAck(packetNo uint32) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = OpACK
	binary.LittleEndian.PutUint32(buf[2:6], packetNo)
	return buf
}

func decodeError(payload []byte) ErrorCode {
	if len(payload) < HeaderLen {
		return ErrNotDefined
	}
	return ErrorCode(binary.LittleEndian.Uint32(payload[2:6]))
}
