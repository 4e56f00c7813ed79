package device

import "context"

// Source is an open hardware handle. Exactly one Channel owns a Source
// and only the Channel's read loop calls Read.
type Source interface {
	// Read fills buf with up to len(buf) random bytes. It returns as soon
	// as at least one byte is available, or an error wrapping ErrTimeout
	// when ctx expires first.
	Read(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Locator is implemented by sources that can name the physical device
// they opened, such as a USB bus address or a serial port path. Two
// Channels never hold sources with the same location.
type Locator interface {
	Location() string
}

// Opener opens the hardware for one device.
type Opener func(ctx context.Context) (Source, error)

// Health is optional hardware telemetry.
type Health struct {
	TemperatureC float64 `json:"temperature_c"`
	Voltage      float64 `json:"voltage"`
}

// HealthReporter is implemented by sources that expose telemetry.
type HealthReporter interface {
	Health(ctx context.Context) (Health, error)
}
