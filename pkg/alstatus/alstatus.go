// Package alstatus carries the standard EtherCAT AL status code table:
// the 16-bit code a slave reports alongside its AL state when a
// requested state transition fails. Grounded on the teacher's
// pkg/emergency static error-code-to-string table, the same
// code-lookup shape applied to AL status instead of CANopen emergency
// codes.
package alstatus

import "fmt"

// Code is an AL status code as read from register 0x0134.
type Code uint16

// A representative subset of the standard AL status codes a slave can
// report; codes outside this table still round-trip through Describe
// with a generic message rather than failing.
const (
	CodeNoError                 Code = 0x0000
	CodeUnspecifiedError        Code = 0x0001
	CodeNoMemory                Code = 0x0002
	CodeInvalidRequestedState   Code = 0x0011
	CodeUnknownRequestedState   Code = 0x0012
	CodeBootstrapNotSupported   Code = 0x0013
	CodeNoValidFirmware         Code = 0x0014
	CodeInvalidMailboxConfig    Code = 0x0015
	CodeInvalidMailboxConfig2   Code = 0x0016
	CodeInvalidSyncManagerConf  Code = 0x0017
	CodeNoValidInputs           Code = 0x0018
	CodeNoValidOutputs          Code = 0x0019
	CodeSyncError               Code = 0x001A
	CodeSyncManagerWatchdog     Code = 0x001B
	CodeInvalidSyncManagerTypes Code = 0x001C
	CodeInvalidOutputConfig     Code = 0x001D
	CodeInvalidInputConfig      Code = 0x001E
	CodeInvalidWatchdogConfig   Code = 0x001F
	CodeSlaveNeedsColdStart     Code = 0x0020
	CodeSlaveNeedsInit          Code = 0x0021
	CodeSlaveNeedsPreop         Code = 0x0022
	CodeSlaveNeedsSafeop        Code = 0x0023
	CodeInvalidInputMapping     Code = 0x0024
	CodeInvalidOutputMapping    Code = 0x0025
	CodeInconsistentSettings    Code = 0x0026
	CodeFreerunNotSupported     Code = 0x0027
	CodeSyncNotSupported        Code = 0x0028
	CodeFreerunNeedsSync        Code = 0x0029
	CodeDcInvalidSyncConfig     Code = 0x002A
	CodeDcSyncIOError           Code = 0x002B
	CodeDcInvalidSync0Cycle     Code = 0x002C
	CodeDcInvalidSync1Cycle     Code = 0x002D
	CodeMbxAoeError             Code = 0x0030
	CodeMbxEoeError             Code = 0x0031
	CodeMbxCoeError             Code = 0x0032
	CodeMbxFoeError             Code = 0x0033
	CodeMbxSoeError             Code = 0x0034
	CodeMbxVoeError             Code = 0x003F
	CodeEepromNoAccess          Code = 0x0040
	CodeEepromError             Code = 0x0041
	CodeSlaveRestartedLocally   Code = 0x0042
	CodeDeviceIdUpdated         Code = 0x0043
	CodeApplicationControllerError Code = 0x0050
)

var descriptions = map[Code]string{
	CodeNoError:                     "no error",
	CodeUnspecifiedError:            "unspecified error",
	CodeNoMemory:                    "no memory",
	CodeInvalidRequestedState:       "invalid requested state change",
	CodeUnknownRequestedState:       "unknown requested state",
	CodeBootstrapNotSupported:       "bootstrap not supported",
	CodeNoValidFirmware:             "no valid firmware",
	CodeInvalidMailboxConfig:        "invalid mailbox configuration (PREOP)",
	CodeInvalidMailboxConfig2:       "invalid mailbox configuration (SAFEOP)",
	CodeInvalidSyncManagerConf:      "invalid sync manager configuration",
	CodeNoValidInputs:               "no valid inputs available",
	CodeNoValidOutputs:              "no valid outputs available",
	CodeSyncError:                   "synchronization error",
	CodeSyncManagerWatchdog:         "sync manager watchdog",
	CodeInvalidSyncManagerTypes:     "invalid sync manager types",
	CodeInvalidOutputConfig:         "invalid output configuration",
	CodeInvalidInputConfig:          "invalid input configuration",
	CodeInvalidWatchdogConfig:       "invalid watchdog configuration",
	CodeSlaveNeedsColdStart:         "slave needs cold start",
	CodeSlaveNeedsInit:              "slave needs INIT",
	CodeSlaveNeedsPreop:             "slave needs PREOP",
	CodeSlaveNeedsSafeop:            "slave needs SAFEOP",
	CodeInvalidInputMapping:         "invalid input mapping",
	CodeInvalidOutputMapping:        "invalid output mapping",
	CodeInconsistentSettings:        "inconsistent settings",
	CodeFreerunNotSupported:         "freerun not supported",
	CodeSyncNotSupported:            "sync mode not supported",
	CodeFreerunNeedsSync:            "free run needs 3-buffer mode",
	CodeDcInvalidSyncConfig:         "invalid DC SYNC configuration",
	CodeDcSyncIOError:               "invalid DC latch configuration",
	CodeDcInvalidSync0Cycle:         "invalid DC SYNC0 cycle time",
	CodeDcInvalidSync1Cycle:         "invalid DC SYNC1 cycle time",
	CodeMbxAoeError:                 "mailbox AoE error",
	CodeMbxEoeError:                 "mailbox EoE error",
	CodeMbxCoeError:                 "mailbox CoE error",
	CodeMbxFoeError:                 "mailbox FoE error",
	CodeMbxSoeError:                 "mailbox SoE error",
	CodeMbxVoeError:                 "mailbox VoE error",
	CodeEepromNoAccess:              "EEPROM no access",
	CodeEepromError:                 "EEPROM error",
	CodeSlaveRestartedLocally:       "slave restarted locally",
	CodeDeviceIdUpdated:             "device identification value updated",
	CodeApplicationControllerError:  "application controller available",
}

// Describe returns the human-readable text for code, or a generic
// message naming the raw value when it isn't in the table.
func Describe(code Code) string {
	if s, ok := descriptions[code]; ok {
		return s
	}
	return fmt.Sprintf("unrecognized AL status code %#04x", uint16(code))
}
