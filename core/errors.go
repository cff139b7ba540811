package core

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName     = errors.New("duplicate name")
	ErrNoStates          = errors.New("model has no state variables")
	ErrUnknownConstant   = errors.New("constant is not a declared parameter")
	ErrInvalidName       = errors.New("invalid identifier")
	ErrReservedName      = errors.New("name is reserved by the kernel template")
	ErrNonFiniteConstant = errors.New("constant is not finite")
	ErrUndefinedName     = errors.New("expression references an undefined name")
	ErrUnknownTarget     = errors.New("unknown kernel target")
)

// ConfigurationError reports a structurally invalid ModelSpec or generator
// option. It recurs deterministically until the input is corrected.
type ConfigurationError struct {
	Field  string // parameters, constants, auxiliaries, derivatives, target
	Name   string // offending name, if any
	Cause  error  // one of the Err* sentinels above
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	msg := "configuration error"
	if e.Field != "" {
		msg += " in " + e.Field
	}
	if e.Name != "" {
		msg += fmt.Sprintf(" (%s)", e.Name)
	}
	msg += ": " + e.Cause.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

func configErr(field, name string, cause error, format string, args ...any) error {
	return &ConfigurationError{
		Field:  field,
		Name:   name,
		Cause:  cause,
		Detail: fmt.Sprintf(format, args...),
	}
}

// GenerationError is an internal invariant violation while assembling source.
// Valid input never produces one.
type GenerationError struct {
	Op     string
	Detail string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation error in %s: %s", e.Op, e.Detail)
}

// IsConfigurationError reports whether err is or wraps a *ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsGenerationError reports whether err is or wraps a *GenerationError
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
