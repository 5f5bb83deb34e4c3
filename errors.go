package ethercat

import "errors"

// Sentinel errors surfaced across the core, one per POSIX-style error
// code a slave or transport operation can fail with. Callers use
// errors.Is against these; FSM-specific detail
// (abort codes, AL status codes) rides alongside as a typed field on the
// relevant request, not encoded into the error itself.
var (
	ErrInterrupted        = errors.New("ethercat: interrupted (EINTR)")
	ErrBusy               = errors.New("ethercat: resource busy (EBUSY)")
	ErrNotFound           = errors.New("ethercat: not found (ENOENT)")
	ErrExists             = errors.New("ethercat: already exists (EEXIST)")
	ErrInvalid            = errors.New("ethercat: invalid argument (EINVAL)")
	ErrOverflow           = errors.New("ethercat: overflow (EOVERFLOW)")
	ErrNoMemory           = errors.New("ethercat: out of memory (ENOMEM)")
	ErrIO                 = errors.New("ethercat: I/O error (EIO)")
	ErrTimedOut           = errors.New("ethercat: timed out (ETIMEDOUT)")
	ErrProtocolNotSupported = errors.New("ethercat: protocol not supported (EPROTONOSUPPORT)")
	ErrFault              = errors.New("ethercat: fault (EFAULT)")
	ErrAgain              = errors.New("ethercat: try again (EAGAIN)")
)
