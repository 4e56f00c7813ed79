// Package ftdirng drives QRNGs built on an FTDI FT232 bridge
// (VID 0x0403, PID 0x6001). Random bytes arrive on bulk endpoint 0x81;
// a two byte telemetry record (temperature, voltage) is read from
// endpoint 0x82.
package ftdirng

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/usbdev"
)

// ProductID is the FT232 product id.
const ProductID = 0x6001

const (
	dataEndpoint   = 0x81
	statusEndpoint = 0x82

	statusTimeout = 100 * time.Millisecond
)

// ErrBadStatus is returned for a telemetry record of the wrong length.
var ErrBadStatus = errors.New("malformed status record")

// Options selects and configures an FTDI QRNG.
type Options struct {
	// Serial selects the device; empty opens the first one found.
	Serial string
	// LatencyMs is the FTDI latency timer (default 2ms).
	LatencyMs uint8
	// RawFraming disables stripping of the FTDI status header from data
	// packets, for firmware that streams raw bulk data.
	RawFraming bool
}

// Source is an open FTDI QRNG. It implements device.Source and
// device.HealthReporter.
type Source struct {
	ctx       *gousb.Context
	dev       *gousb.Device
	done      func()
	data      *gousb.InEndpoint
	status    *gousb.InEndpoint
	maxPacket int
	raw       bool
	buf       []byte
}

// Open resets the device, claims interface 0 of configuration 1 and
// resolves its endpoints.
func Open(ctx context.Context, opts Options) (*Source, error) {
	if opts.LatencyMs == 0 {
		opts.LatencyMs = 2
	}
	uctx := gousb.NewContext()
	dev, err := usbdev.OpenBySerial(uctx, usbdev.FTDIVendorID, ProductID, opts.Serial)
	if err != nil {
		uctx.Close()
		return nil, fmt.Errorf("ftdi qrng: %w", err)
	}
	_ = dev.SetAutoDetach(true)
	if err := dev.Reset(); err != nil {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("ftdi qrng: reset: %w", usbdev.MapError(err))
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("ftdi qrng: claim interface: %w", usbdev.MapError(err))
	}
	s := &Source{ctx: uctx, dev: dev, done: done, raw: opts.RawFraming}

	if s.data, err = intf.InEndpoint(dataEndpoint & 0x0F); err != nil {
		s.Close()
		return nil, fmt.Errorf("ftdi qrng: data endpoint: %w", err)
	}
	s.maxPacket = s.data.Desc.MaxPacketSize
	// Telemetry is optional; boards without it still stream entropy.
	s.status, _ = intf.InEndpoint(statusEndpoint & 0x0F)

	sio := usbdev.SIO{Dev: dev, Index: 1}
	if err := sio.SetLatency(opts.LatencyMs); err != nil {
		s.Close()
		return nil, fmt.Errorf("ftdi qrng: latency: %w", err)
	}
	_ = sio.PurgeRX()
	return s, nil
}

// Read implements device.Source.
func (s *Source) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if s.raw {
		n, err := s.data.ReadContext(ctx, buf)
		if n > 0 {
			return n, nil
		}
		return 0, usbdev.MapError(err)
	}

	size := usbdev.RoundUp(len(buf), s.maxPacket) + s.maxPacket
	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	for {
		m, err := s.data.ReadContext(ctx, s.buf[:size])
		if err != nil {
			return 0, usbdev.MapError(err)
		}
		if n := usbdev.StripStatus(buf, s.buf[:m], s.maxPacket); n > 0 {
			return n, nil
		}
	}
}

// Health implements device.HealthReporter.
func (s *Source) Health(ctx context.Context) (device.Health, error) {
	if s.status == nil {
		return device.Health{}, errors.New("ftdi qrng: no status endpoint")
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	var rec [2]byte
	n, err := s.status.ReadContext(ctx, rec[:])
	if err != nil {
		return device.Health{}, usbdev.MapError(err)
	}
	return DecodeStatus(rec[:n])
}

// DecodeStatus parses a telemetry record: byte 0 is the temperature in
// degrees Celsius, byte 1 the supply voltage in tenths of a volt.
func DecodeStatus(rec []byte) (device.Health, error) {
	if len(rec) != 2 {
		return device.Health{}, fmt.Errorf("%w: %d bytes", ErrBadStatus, len(rec))
	}
	return device.Health{
		TemperatureC: float64(rec[0]),
		Voltage:      float64(rec[1]) / 10,
	}, nil
}

// Location implements device.Locator.
func (s *Source) Location() string { return usbdev.Location(s.dev.Desc) }

// Close releases the interface, the device and the libusb context.
func (s *Source) Close() error {
	if s.done != nil {
		s.done()
	}
	err := s.dev.Close()
	if cerr := s.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

// Opener returns a device.Opener for the QRNG selected by opts.
func Opener(opts Options) device.Opener {
	return func(ctx context.Context) (device.Source, error) {
		return Open(ctx, opts)
	}
}

// Detect lists attached FT232 QRNGs.
func Detect() ([]usbdev.Info, error) {
	infos, err := usbdev.Scan(usbdev.FTDIVendorID, ProductID)
	if err == nil && len(infos) > 0 {
		return infos, nil
	}
	sys, serr := usbdev.SystemDevices(usbdev.FTDIVendorID, ProductID)
	if serr != nil && err != nil {
		return nil, errors.Join(err, serr)
	}
	return sys, nil
}
