package device

import "fmt"

// Status is the externally visible state of a DeviceChannel.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusIdle
	StatusReading
	StatusDegraded
	StatusError
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusIdle:         "idle",
	StatusReading:      "reading",
	StatusDegraded:     "degraded",
	StatusError:        "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int32(s))
	}
	return statusNames[s]
}

// MarshalText renders the status name so JSON snapshots carry
// "reading" rather than an integer.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name produced by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown device status %q", string(b))
}

// Producing reports whether a device in this state can still deliver
// bytes. Degraded devices keep producing; they are merely retrying.
func (s Status) Producing() bool {
	return s == StatusIdle || s == StatusReading || s == StatusDegraded
}
