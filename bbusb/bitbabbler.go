// Package bbusb drives the BitBabbler QRNG, an FTDI FT232H configured in
// MPSSE mode that clocks random bits in over its SPI pins.
package bbusb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/usbdev"
)

// ProductID is the BitBabbler's USB product id under the FTDI vendor id.
const ProductID = 0x7840

// MPSSE opcodes.
const (
	mpsseNoClkDiv5     = 0x8A
	mpsseNoAdaptiveClk = 0x97
	mpsseNo3PhaseClk   = 0x8D
	mpsseSetDataLow    = 0x80
	mpsseSetDataHigh   = 0x82
	mpsseSetClkDivisor = 0x86
	mpsseNoLoopback    = 0x85
	mpsseSendImmediate = 0x87
	mpsseBadCommand    = 0xFA

	// Clock bytes in, MSB first, sampled on the rising edge.
	mpsseDataByteInPosMSB = 0x20
)

// maxReadBytes is the largest transfer one MPSSE read command can ask for.
const maxReadBytes = 1 << 16

// Options selects and configures a BitBabbler.
type Options struct {
	// Serial selects the device; empty opens the first one found.
	Serial string
	// Bitrate is the MPSSE bit clock in Hz (default 2.5 MHz).
	Bitrate uint
	// LatencyMs is the FTDI latency timer (default 1ms).
	LatencyMs uint8
}

func (o *Options) setDefaults() {
	if o.Bitrate == 0 {
		o.Bitrate = 2_500_000
	}
	if o.LatencyMs == 0 {
		o.LatencyMs = 1
	}
}

// Session is an open BitBabbler. It implements device.Source.
type Session struct {
	ctx       *gousb.Context
	dev       *gousb.Device
	intf      *gousb.Interface
	done      func()
	inEp      *gousb.InEndpoint
	outEp     *gousb.OutEndpoint
	sio       usbdev.SIO
	maxPacket int
	buf       []byte
}

// Open opens a BitBabbler and brings it up in MPSSE mode.
func Open(ctx context.Context, opts Options) (*Session, error) {
	opts.setDefaults()

	uctx := gousb.NewContext()
	dev, err := usbdev.OpenBySerial(uctx, usbdev.FTDIVendorID, ProductID, opts.Serial)
	if err != nil {
		uctx.Close()
		return nil, fmt.Errorf("bitbabbler: %w", err)
	}
	_ = dev.SetAutoDetach(true)

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("bitbabbler: claim interface: %w", usbdev.MapError(err))
	}
	s := &Session{ctx: uctx, dev: dev, intf: intf, done: done, sio: usbdev.SIO{Dev: dev, Index: 1}}

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			s.inEp, err = intf.InEndpoint(ep.Number)
		case gousb.EndpointDirectionOut:
			s.outEp, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("bitbabbler: endpoint %d: %w", ep.Number, err)
		}
	}
	if s.inEp == nil || s.outEp == nil {
		s.Close()
		return nil, errors.New("bitbabbler: bulk endpoints not found")
	}
	s.maxPacket = s.inEp.Desc.MaxPacketSize

	if err := s.initMPSSE(ctx, opts); err != nil {
		s.Close()
		return nil, fmt.Errorf("bitbabbler: init: %w", err)
	}
	return s, nil
}

func (s *Session) initMPSSE(ctx context.Context, opts Options) error {
	steps := []func() error{
		s.sio.Reset,
		func() error { s.purge(ctx); return nil },
		s.sio.DisableSpecialChars,
		func() error { return s.sio.SetLatency(opts.LatencyMs) },
		func() error { return s.sio.SetFlowControl(usbdev.FlowRtsCts) },
		func() error { return s.sio.SetBitmode(usbdev.BitmodeReset, 0) },
		func() error { return s.sio.SetBitmode(usbdev.BitmodeMPSSE, 0) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	if err := sleep(ctx, 50*time.Millisecond); err != nil {
		return err
	}

	// The chip echoes 0xFA plus the opcode for bad commands; two in a row
	// prove the command stream is aligned.
	synced := false
	for attempt := 0; attempt < 2 && !synced; attempt++ {
		synced = s.echo(ctx, 0xAA) && s.echo(ctx, 0xAB)
	}
	if !synced {
		return errors.New("MPSSE sync failed")
	}

	if _, err := s.outEp.WriteContext(ctx, setupCommand(opts.Bitrate)); err != nil {
		return usbdev.MapError(err)
	}
	if err := sleep(ctx, 30*time.Millisecond); err != nil {
		return err
	}
	s.purge(ctx)
	return nil
}

// setupCommand disables the divide-by-5, adaptive and 3-phase clocks,
// drives CLK, DO and CS as outputs and programs the clock divisor.
func setupCommand(bitrate uint) []byte {
	div := uint16(30_000_000/bitrate - 1)
	return []byte{
		mpsseNoClkDiv5,
		mpsseNoAdaptiveClk,
		mpsseNo3PhaseClk,
		mpsseSetDataLow, 0x00, 0x0B,
		mpsseSetDataHigh, 0x00, 0x00,
		mpsseSetClkDivisor, byte(div), byte(div >> 8),
		mpsseNoLoopback,
	}
}

// readCommand asks the chip for n bytes.
func readCommand(n int) []byte {
	return []byte{mpsseDataByteInPosMSB, byte(n - 1), byte((n - 1) >> 8), mpsseSendImmediate}
}

func (s *Session) echo(ctx context.Context, op byte) bool {
	if _, err := s.outEp.WriteContext(ctx, []byte{op, mpsseSendImmediate}); err != nil {
		return false
	}
	buf := make([]byte, 512)
	for i := 0; i < 10; i++ {
		n, _ := s.readPacket(ctx, buf, 100*time.Millisecond)
		if n == 4 && buf[2] == mpsseBadCommand && buf[3] == op {
			return true
		}
	}
	return false
}

// purge drains whatever the chip has buffered.
func (s *Session) purge(ctx context.Context) {
	buf := make([]byte, 8192)
	for i := 0; i < 10; i++ {
		if n, _ := s.readPacket(ctx, buf, 50*time.Millisecond); n <= usbdev.StatusBytes {
			return
		}
	}
}

func (s *Session) readPacket(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.inEp.ReadContext(rctx, buf)
}

// Read implements device.Source. It issues one MPSSE read for len(buf)
// bytes and strips the FTDI status header from every packet.
func (s *Session) Read(ctx context.Context, buf []byte) (int, error) {
	n := min(len(buf), maxReadBytes)
	if n == 0 {
		return 0, nil
	}
	if _, err := s.outEp.WriteContext(ctx, readCommand(n)); err != nil {
		return 0, usbdev.MapError(err)
	}

	size := usbdev.RoundUp(n, s.maxPacket) + s.maxPacket
	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	got := 0
	for got < n {
		m, err := s.inEp.ReadContext(ctx, s.buf[:size])
		if err != nil {
			if got > 0 {
				return got, nil
			}
			return 0, usbdev.MapError(err)
		}
		got += usbdev.StripStatus(buf[got:n], s.buf[:m], s.maxPacket)
	}
	return got, nil
}

// Location implements device.Locator.
func (s *Session) Location() string { return usbdev.Location(s.dev.Desc) }

// Close releases the interface, the device and the libusb context.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	if s.done != nil {
		s.done()
	}
	var err error
	if s.dev != nil {
		err = s.dev.Close()
	}
	if s.ctx != nil {
		if cerr := s.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Opener returns a device.Opener for the BitBabbler selected by opts.
func Opener(opts Options) device.Opener {
	return func(ctx context.Context) (device.Source, error) {
		return Open(ctx, opts)
	}
}

// Detect lists attached BitBabblers. On Windows, devices bound to the
// FTDI VCP driver are reported from SetupAPI when libusb sees none.
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

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
