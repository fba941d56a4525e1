package qzgo

import (
	"errors"
	"fmt"
)

// Status is the library-wide result code every API surface returns
// (spec §6 "Status codes").
type Status string

const (
	StatusOK                     Status = "OK"
	StatusParams                 Status = "PARAMS"
	StatusFail                   Status = "FAIL"
	StatusNoHW                   Status = "NO_HW"
	StatusNoSWNoHW                Status = "NOSW_NO_HW"
	StatusLowMem                 Status = "LOW_MEM"
	StatusNoSWLowMem              Status = "NOSW_LOW_MEM"
	StatusNoInstAttach            Status = "NO_INST_ATTACH"
	StatusNoSWNoInstAttach         Status = "NOSW_NO_INST_ATTACH"
	StatusBufError                Status = "BUF_ERROR"
	StatusDataError               Status = "DATA_ERROR"
	StatusDuplicate               Status = "DUPLICATE"
	StatusForceSW                 Status = "FORCE_SW"
)

// Error is the structured error every qzgo operation returns on failure,
// carrying enough context to map back onto the Status table (spec §7)
// without string matching.
type Error struct {
	Op     string // operation that failed, e.g. "Compress", "SetupSession"
	Status Status
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Status)
	}
	if e.Op != "" {
		return fmt.Sprintf("qzgo: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("qzgo: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is matches any *Error target with the same Status, e.g.
// errors.Is(err, &qzgo.Error{Status: qzgo.StatusBufError}); Status itself
// is not an error value. Inside this package a statusSentinel target
// matches the same way.
func (e *Error) Is(target error) bool {
	var statusErr statusSentinel
	if errors.As(target, &statusErr) {
		return e.Status == Status(statusErr)
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Status == te.Status
	}
	return false
}

type statusSentinel Status

func (s statusSentinel) Error() string { return string(s) }

// AsStatus extracts the Status carried by err, if any, and whether one
// was found.
func AsStatus(err error) (Status, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Status, true
	}
	return "", false
}

func newError(op string, status Status, msg string, inner error) *Error {
	return &Error{Op: op, Status: status, Msg: msg, Inner: inner}
}

// ErrNotImplemented is returned by API surfaces the specification leaves
// unspecified (spec §4.D / Open Questions: qzGetStatus).
var ErrNotImplemented = fmt.Errorf("qzgo: not implemented")
