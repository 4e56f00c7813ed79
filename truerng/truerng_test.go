package truerng

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/Thiagojm/qrngd/device"
)

func TestIsTrueRNG(t *testing.T) {
	tests := []struct {
		name string
		port *enumerator.PortDetails
		want bool
	}{
		{"product string", &enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, Product: "TrueRNGpro"}, true},
		{"vid pid", &enumerator.PortDetails{Name: "COM5", IsUSB: true, VID: "16d0", PID: "0aa0"}, true},
		{"other pid", &enumerator.PortDetails{Name: "COM6", IsUSB: true, VID: "16D0", PID: "1234"}, false},
		{"ftdi cable", &enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", Product: "FT232R"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTrueRNG(tt.port))
		})
	}
}

func TestMapErrorKeepsOtherErrors(t *testing.T) {
	busy := &serial.PortError{}
	assert.Same(t, busy, mapError(busy), "PortBusy is not a disconnect")
	other := errors.New("io")
	assert.Equal(t, other, mapError(other))
}

func TestNotFoundIsDisconnect(t *testing.T) {
	assert.True(t, errors.Is(ErrNotFound, device.ErrDisconnected))
}

func TestLocationIsPortPath(t *testing.T) {
	s := &Source{name: "/dev/ttyACM0"}
	assert.Equal(t, "serial /dev/ttyACM0", s.Location())
}
