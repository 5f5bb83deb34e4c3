package coe

import (
	"encoding/binary"
	"fmt"
)

// AbortCode is the 4-byte code a server returns in place of a normal
// SDO response when a request cannot be completed.
type AbortCode uint32

// Standard CoE/CANopen SDO abort codes.
const (
	AbortToggleBit         AbortCode = 0x05030000
	AbortTimeout           AbortCode = 0x05040000
	AbortCmd               AbortCode = 0x05040001
	AbortOutOfMem          AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly         AbortCode = 0x06010001
	AbortReadOnly          AbortCode = 0x06010002
	AbortNotExist          AbortCode = 0x06020000
	AbortParamIncompat     AbortCode = 0x06040043
	AbortDeviceIncompat    AbortCode = 0x06040047
	AbortHardware          AbortCode = 0x06060000
	AbortTypeMismatch      AbortCode = 0x06070010
	AbortDataLong          AbortCode = 0x06070012
	AbortDataShort         AbortCode = 0x06070013
	AbortSubUnknown        AbortCode = 0x06090011
	AbortValueHigh         AbortCode = 0x06090031
	AbortValueLow          AbortCode = 0x06090032
	AbortGeneral           AbortCode = 0x08000000
	AbortDataTransfer      AbortCode = 0x08000020
	AbortNoData            AbortCode = 0x08000024
)

var abortDescriptions = map[AbortCode]string{
	AbortToggleBit:         "toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "command specifier not valid or unknown",
	AbortOutOfMem:          "out of memory",
	AbortUnsupportedAccess: "unsupported access to an object",
	AbortWriteOnly:         "attempt to read a write-only object",
	AbortReadOnly:          "attempt to write a read-only object",
	AbortNotExist:          "object does not exist in the object dictionary",
	AbortParamIncompat:     "general parameter incompatibility",
	AbortDeviceIncompat:    "general internal incompatibility in device",
	AbortHardware:          "access failed due to a hardware error",
	AbortTypeMismatch:      "data type does not match, length does not match",
	AbortDataLong:          "data type does not match, length too high",
	AbortDataShort:         "data type does not match, length too short",
	AbortSubUnknown:        "subindex does not exist",
	AbortValueHigh:         "value range of parameter written too high",
	AbortValueLow:          "value range of parameter written too low",
	AbortGeneral:           "general error",
	AbortDataTransfer:      "data cannot be transferred or stored to the application",
	AbortNoData:            "no data available",
}

func (a AbortCode) Error() string {
	return fmt.Sprintf("coe: abort 0x%08x: %s", uint32(a), a.Description())
}

// Description returns a human-readable description, falling back to the
// generic "general error" text for codes not in the table.
func (a AbortCode) Description() string {
	if desc, ok := abortDescriptions[a]; ok {
		return desc
	}
	return abortDescriptions[AbortGeneral]
}

func parseAbort(resp []byte) AbortCode {
	if len(resp) < 10 {
		return AbortGeneral
	}
	return AbortCode(binary.LittleEndian.Uint32(resp[6:10]))
}
