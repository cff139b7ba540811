package gpu

import (
	"errors"
	"fmt"
)

// ErrorKind separates failures of the generated source from resource and
// runtime failures.
type ErrorKind int

const (
	KindCompile    ErrorKind = iota // source did not build or an entry point is missing
	KindAllocation                  // buffer could not be created or its shape resolved
	KindExecution                   // launch or transfer failed
	KindDevice                      // no usable device or driver
)

func (k ErrorKind) String() string {
	switch k {
	case KindCompile:
		return "compile"
	case KindAllocation:
		return "allocation"
	case KindExecution:
		return "execution"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

var (
	// ErrUnavailable means the backend's driver or device cannot be used here
	ErrUnavailable = errors.New("backend unavailable")
	// ErrUnresolvedDim means a runtime dimension had no usable value
	ErrUnresolvedDim = errors.New("unresolved dimension")
)

// Error is returned by every backend operation
type Error struct {
	Kind    ErrorKind
	Backend string
	Op      string
	Msg     string
	Log     string // compiler output for KindCompile
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s error in %s: %s", e.Backend, e.Kind, e.Op, e.Msg)
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewCompileError reports a build failure together with the compiler log
func NewCompileError(backend, op, msg, log string, err error) error {
	return &Error{Kind: KindCompile, Backend: backend, Op: op, Msg: msg, Log: log, Err: err}
}

// NewAllocationError reports a failed allocation or shape resolution
func NewAllocationError(backend, op, msg string, err error) error {
	return &Error{Kind: KindAllocation, Backend: backend, Op: op, Msg: msg, Err: err}
}

// NewExecutionError reports a failed launch or transfer
func NewExecutionError(backend, op, msg string, err error) error {
	return &Error{Kind: KindExecution, Backend: backend, Op: op, Msg: msg, Err: err}
}

// NewDeviceError reports a missing driver or device
func NewDeviceError(backend, op, msg string, err error) error {
	return &Error{Kind: KindDevice, Backend: backend, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of a backend error and whether err is one
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsCompileError(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindCompile
}

func IsAllocationError(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAllocation
}

func IsExecutionError(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindExecution
}

func IsDeviceError(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindDevice
}
