package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by a Source when no byte arrived before
	// the per-read deadline. It is treated as transient.
	ErrTimeout = errors.New("device read timed out")

	// ErrDisconnected is returned by a Source when the hardware is gone.
	ErrDisconnected = errors.New("device disconnected")

	// ErrInUse is returned by Open when another Channel already owns the
	// device id.
	ErrInUse = errors.New("device already claimed by another channel")

	// ErrNotOpen is returned by ReadChunk before Open succeeds.
	ErrNotOpen = errors.New("device not open")
)

// ErrorKind classifies device failures for the retry policy.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindDisconnected
	KindHardware
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDisconnected:
		return "disconnected"
	case KindHardware:
		return "hardware"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure of one device.
type Error struct {
	Device string
	Kind   ErrorKind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a Source error onto the retry policy. Drivers wrap their
// native errors with ErrTimeout or ErrDisconnected; anything else is a
// hardware fault.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindHardware
	}
}

// IsKind reports whether err is a device *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Kind == kind
}
