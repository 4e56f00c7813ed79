package hub

import (
	"fmt"
	"log/slog"

	"github.com/Thiagojm/qrngd/bbusb"
	"github.com/Thiagojm/qrngd/config"
	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/ftdirng"
	"github.com/Thiagojm/qrngd/naming"
	"github.com/Thiagojm/qrngd/pool"
	"github.com/Thiagojm/qrngd/pseudorng"
	"github.com/Thiagojm/qrngd/quality"
	"github.com/Thiagojm/qrngd/truerng"
)

// OpenerFor returns the driver opener for a configured device.
func OpenerFor(d config.Device) (device.Opener, error) {
	switch d.Kind {
	case naming.DeviceTrueRNG:
		return truerng.Opener(truerng.Options{Port: d.Port, Serial: d.Serial}), nil
	case naming.DeviceBitBabbler:
		return bbusb.Opener(bbusb.Options{Serial: d.Serial, Bitrate: uint(d.Bitrate), LatencyMs: uint8(d.LatencyMs)}), nil
	case naming.DeviceFTDI:
		return ftdirng.Opener(ftdirng.Options{Serial: d.Serial, LatencyMs: uint8(d.LatencyMs), RawFraming: d.RawFraming}), nil
	case naming.DevicePseudo:
		return pseudorng.Opener(pseudorng.Options{BytesPerSecond: d.BytesPerSecond, Seed: d.Seed}), nil
	}
	return nil, fmt.Errorf("no driver for device kind %q", d.Kind)
}

// DevicesFromConfig builds the device specs for every configured device.
func DevicesFromConfig(cfg config.Config, log *slog.Logger) ([]Device, error) {
	if log == nil {
		log = slog.Default()
	}
	probe := quality.Default()
	out := make([]Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		open, err := OpenerFor(d)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		policy, err := pool.ParsePolicy(d.Pool.Policy)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		dc := device.Config{
			ID:              d.ID,
			Kind:            string(d.Kind),
			RatedThroughput: d.RatedThroughput,
			ChunkSize:       d.ChunkSize,
			ReadTimeout:     d.ReadTimeout.D(),
			Logger:          log,
		}
		if d.QualityEnabled() {
			dc.Quality = probe.Check
		}
		out = append(out, Device{
			Channel: dc,
			Pool: pool.Config{
				Device:        d.ID,
				Capacity:      d.Pool.Capacity,
				LowWatermark:  d.Pool.LowWatermark,
				HighWatermark: d.Pool.HighWatermark,
				MaxWait:       d.Pool.MaxWait.D(),
				Policy:        policy,
				Logger:        log,
			},
			Open: open,
		})
	}
	return out, nil
}
