package ethercat

import "fmt"

// ALState is an EtherCAT Application Layer state. Transitions are
// strictly INIT -> PREOP -> SAFEOP -> OP on the way up, and can only
// drop straight to a lower state (never skip upward) once bus or slave
// errors force a retreat.
type ALState uint8

const (
	StateInit    ALState = 0x01
	StatePreOp   ALState = 0x02
	StateBoot    ALState = 0x03
	StateSafeOp  ALState = 0x04
	StateOp      ALState = 0x08
	StateError   ALState = 0x10 // ORed onto the above when ack-error bit set
)

func (s ALState) String() string {
	switch s &^ StateError {
	case StateInit:
		return withErr(s, "INIT")
	case StatePreOp:
		return withErr(s, "PREOP")
	case StateBoot:
		return withErr(s, "BOOT")
	case StateSafeOp:
		return withErr(s, "SAFEOP")
	case StateOp:
		return withErr(s, "OP")
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(s))
	}
}

func withErr(s ALState, name string) string {
	if s&StateError != 0 {
		return name + "+ERR"
	}
	return name
}

// HasError reports whether the AL status register's ack-error bit was set.
func (s ALState) HasError() bool { return s&StateError != 0 }

// Next returns the state one step up the INIT->PREOP->SAFEOP->OP
// bring-up ladder from s, or s with its error bit cleared if s is OP or
// not on that ladder.
func (s ALState) Next() ALState {
	switch s &^ StateError {
	case StateInit:
		return StatePreOp
	case StatePreOp:
		return StateSafeOp
	case StateSafeOp:
		return StateOp
	default:
		return s &^ StateError
	}
}
