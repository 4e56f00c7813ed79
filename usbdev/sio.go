package usbdev

import (
	"github.com/google/gousb"
)

// FTDI SIO vendor requests.
const (
	reqReset        = 0x00
	reqSetFlowCtrl  = 0x02
	reqSetEventChar = 0x06
	reqSetErrorChar = 0x07
	reqSetLatency   = 0x09
	reqSetBitmode   = 0x0B
)

const (
	resetSIO     = 0
	resetPurgeRX = 1
	resetPurgeTX = 2
)

// Flow control modes.
const (
	FlowNone   = 0x0000
	FlowRtsCts = 0x0100
)

// Bit modes.
const (
	BitmodeReset = 0x0000
	BitmodeMPSSE = 0x0200
)

// StatusBytes is the FTDI modem status header on every IN packet.
const StatusBytes = 2

// SIO issues FTDI vendor requests to one interface of a device.
type SIO struct {
	Dev *gousb.Device
	// Index is the FTDI port (1 for interface A).
	Index uint16
}

func (s SIO) out(req uint8, value uint16) error {
	typ := uint8(gousb.ControlOut) | uint8(gousb.ControlVendor) | uint8(gousb.ControlDevice)
	_, err := s.Dev.Control(typ, req, value, s.Index, nil)
	return MapError(err)
}

// Reset resets the SIO state machine.
func (s SIO) Reset() error { return s.out(reqReset, resetSIO) }

// PurgeRX discards the chip's receive buffer.
func (s SIO) PurgeRX() error { return s.out(reqReset, resetPurgeRX) }

// PurgeTX discards the chip's transmit buffer.
func (s SIO) PurgeTX() error { return s.out(reqReset, resetPurgeTX) }

// SetLatency sets the latency timer in milliseconds.
func (s SIO) SetLatency(ms uint8) error { return s.out(reqSetLatency, uint16(ms)) }

// SetBitmode switches the chip's bit mode.
func (s SIO) SetBitmode(mode uint16, mask uint8) error {
	return s.out(reqSetBitmode, mode|uint16(mask))
}

// SetFlowControl selects the handshake mode. The mode travels in the
// high byte of the index.
func (s SIO) SetFlowControl(mode uint16) error {
	typ := uint8(gousb.ControlOut) | uint8(gousb.ControlVendor) | uint8(gousb.ControlDevice)
	_, err := s.Dev.Control(typ, reqSetFlowCtrl, 0, mode|s.Index, nil)
	return MapError(err)
}

// DisableSpecialChars turns off the event and error characters.
func (s SIO) DisableSpecialChars() error {
	if err := s.out(reqSetEventChar, 0); err != nil {
		return err
	}
	return s.out(reqSetErrorChar, 0)
}

// StripStatus copies the payload of FTDI IN packets in src to dst,
// dropping the status header of every maxPacket sized packet. It returns
// the number of payload bytes copied, at most len(dst).
func StripStatus(dst, src []byte, maxPacket int) int {
	if maxPacket <= StatusBytes {
		return 0
	}
	got := 0
	for off := 0; off < len(src) && got < len(dst); off += maxPacket {
		end := min(off+maxPacket, len(src))
		if end-off <= StatusBytes {
			break
		}
		got += copy(dst[got:], src[off+StatusBytes:end])
	}
	return got
}

// RoundUp rounds n up to a whole number of packets.
func RoundUp(n, maxPacket int) int {
	if maxPacket <= 0 || n%maxPacket == 0 {
		return n
	}
	return (n/maxPacket + 1) * maxPacket
}
