package truerng

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/Thiagojm/qrngd/device"
)

// DeviceNamePrefix identifies a TrueRNG by its USB product string.
const DeviceNamePrefix = "TrueRNG"

// VendorID and the product ids of the TrueRNG family.
const VendorID = "16D0"

var productIDs = []string{"0AA0", "0AA2", "0AA4"}

// ErrNotFound is returned when no TrueRNG port is present.
var ErrNotFound = fmt.Errorf("TrueRNG not attached: %w", device.ErrDisconnected)

// Port describes a detected TrueRNG.
type Port struct {
	Name    string `json:"name"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
}

// Detect lists every serial port that belongs to a TrueRNG.
func Detect() ([]Port, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerating ports: %w", err)
	}
	var out []Port
	for _, p := range ports {
		if !isTrueRNG(p) {
			continue
		}
		out = append(out, Port{Name: p.Name, Serial: p.SerialNumber, Product: p.Product, VID: p.VID, PID: p.PID})
	}
	return out, nil
}

// FindPort returns the port name of the TrueRNG with the given USB
// serial number, or of the first one when serial is empty.
func FindPort(serialNumber string) (string, error) {
	ports, err := Detect()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if serialNumber == "" || strings.EqualFold(p.Serial, serialNumber) {
			return p.Name, nil
		}
	}
	return "", ErrNotFound
}

func isTrueRNG(p *enumerator.PortDetails) bool {
	if p == nil {
		return false
	}
	if p.IsUSB && (strings.HasPrefix(p.Product, DeviceNamePrefix) || strings.HasPrefix(p.SerialNumber, DeviceNamePrefix)) {
		return true
	}
	if strings.HasPrefix(p.Name, DeviceNamePrefix) {
		return true
	}
	if strings.EqualFold(p.VID, VendorID) {
		for _, pid := range productIDs {
			if strings.EqualFold(p.PID, pid) {
				return true
			}
		}
	}
	return false
}

// Options selects and configures a TrueRNG.
type Options struct {
	// Port is the serial device path ("COM5", "/dev/ttyACM0"). Empty
	// means look the device up by Serial.
	Port string
	// Serial is the USB serial number used when Port is empty.
	Serial string
	// BaudRate is ignored by the CDC device but required by the OS
	// (default 3,000,000).
	BaudRate int
}

// Source is an open TrueRNG port. It implements device.Source.
type Source struct {
	name string
	port serial.Port
}

// Open opens the port, asserts DTR to start the stream and flushes
// stale input.
func Open(ctx context.Context, opts Options) (*Source, error) {
	name := opts.Port
	if name == "" {
		var err error
		if name, err = FindPort(opts.Serial); err != nil {
			return nil, err
		}
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = 3_000_000
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, mapError(err))
	}
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("set DTR on %s: %w", name, mapError(err))
	}
	_ = port.ResetInputBuffer()
	return &Source{name: name, port: port}, nil
}

// Read implements device.Source. The serial driver returns zero bytes
// on its own timeout, so reads are repeated until data arrives or ctx
// expires.
func (s *Source) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		timeout := 100 * time.Millisecond
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < timeout {
				timeout = left
			}
		}
		if timeout <= 0 || ctx.Err() != nil {
			return 0, fmt.Errorf("%s: %w", s.name, device.ErrTimeout)
		}
		if err := s.port.SetReadTimeout(timeout); err != nil {
			return 0, mapError(err)
		}
		n, err := s.port.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", s.name, mapError(err))
		}
	}
}

// Close closes the port.
func (s *Source) Close() error { return s.port.Close() }

// Location implements device.Locator.
func (s *Source) Location() string { return "serial " + s.name }

// Opener returns a device.Opener for the TrueRNG selected by opts.
func Opener(opts Options) device.Opener {
	return func(ctx context.Context) (device.Source, error) {
		return Open(ctx, opts)
	}
}

// mapError turns unplug-related port errors into device.ErrDisconnected.
func mapError(err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return fmt.Errorf("%w: %v", device.ErrDisconnected, err)
		}
	}
	return err
}
