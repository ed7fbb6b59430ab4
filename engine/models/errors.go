package models

import (
	"errors"
	"fmt"
)

// Kind identifies which of the spec §7 error categories an error belongs
// to. The dispatcher and pipeline switch on Kind rather than matching
// strings.
type Kind int

const (
	KindConfig Kind = iota
	KindInstrumentComms
	KindMotion
	KindHardwareSafetyTrip
	KindUserAborted
	KindDataPublishDropped
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindInstrumentComms:
		return "InstrumentCommsError"
	case KindMotion:
		return "MotionError"
	case KindHardwareSafetyTrip:
		return "HardwareSafetyTrip"
	case KindUserAborted:
		return "UserAborted"
	case KindDataPublishDropped:
		return "DataPublishDropped"
	default:
		return "UnknownError"
	}
}

// Retryable reports whether the driver layer may retry this error kind
// before it is treated as terminal (spec §7 propagation policy).
func (k Kind) Retryable() bool {
	return k == KindInstrumentComms
}

// JobFatal reports whether this kind must abort the whole job rather than
// just the current pixel.
func (k Kind) JobFatal() bool {
	switch k {
	case KindConfig, KindUserAborted:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with its spec §7 kind.
type Error struct {
	Kind Kind
	Op   string // phase/operation, for logging, e.g. "queue.build", "pipeline.select"
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func ConfigError(op, format string, args ...any) *Error {
	return newErr(KindConfig, op, format, args...)
}

func InstrumentCommsError(op, format string, args ...any) *Error {
	return newErr(KindInstrumentComms, op, format, args...)
}

func MotionError(op, format string, args ...any) *Error {
	return newErr(KindMotion, op, format, args...)
}

func HardwareSafetyTrip(op, format string, args ...any) *Error {
	return newErr(KindHardwareSafetyTrip, op, format, args...)
}

var ErrUserAborted = &Error{Kind: KindUserAborted, Err: errors.New("cancelled")}

func DataPublishDropped(op string, err error) *Error {
	return &Error{Kind: KindDataPublishDropped, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
