package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thiagojm/qrngd/naming"
)

const sample = `
listen: "127.0.0.1:9000"
log:
  level: debug
  format: json
credentials: /etc/qrngd/credentials.yaml
router:
  timeout: 2s
pool:
  capacity: 65536
  policy: reject-newest
devices:
  - serial: QRNG0001
    kind: ftdi
    rated_throughput: 100000
    quality: false
  - id: soft
    kind: pseudo
    bytes_per_second: 5000
    pool:
      capacity: 4096
      policy: block-producer
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.Router.Timeout.D())
	assert.Equal(t, 1<<20, cfg.Router.MaxBytes)
	assert.Equal(t, 2*time.Second, cfg.Stream.DrainTimeout.D())
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout.D())

	require.Len(t, cfg.Devices, 2)
	ftdi := cfg.Devices[0]
	assert.Equal(t, "QRNG0001", ftdi.ID)
	assert.Equal(t, naming.DeviceFTDI, ftdi.Kind)
	assert.False(t, ftdi.QualityEnabled())
	assert.Equal(t, 65536, ftdi.Pool.Capacity)
	assert.Equal(t, "reject-newest", ftdi.Pool.Policy)
	assert.Equal(t, 250*time.Millisecond, ftdi.Pool.MaxWait.D())

	soft := cfg.Devices[1]
	assert.True(t, soft.QualityEnabled())
	assert.Equal(t, 4096, soft.Pool.Capacity)
	assert.Equal(t, "block-producer", soft.Pool.Policy)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no devices", "credentials: c.yaml\n"},
		{"no credentials", "devices: [{id: a, kind: pseudo}]\n"},
		{"bad kind", "credentials: c.yaml\ndevices: [{id: a, kind: usb}]\n"},
		{"no id", "credentials: c.yaml\ndevices: [{kind: bitb}]\n"},
		{"duplicate", "credentials: c.yaml\ndevices: [{id: a, kind: pseudo}, {id: a, kind: pseudo}]\n"},
		{"bad policy", "credentials: c.yaml\npool: {policy: lifo}\ndevices: [{id: a, kind: pseudo}]\n"},
		{"bad duration", "credentials: c.yaml\nrouter: {timeout: soon}\ndevices: [{id: a, kind: pseudo}]\n"},
		{"bad level", "credentials: c.yaml\nlog: {level: loud}\ndevices: [{id: a, kind: pseudo}]\n"},
		{"half tls", "credentials: c.yaml\ntls: {cert_file: c.pem}\ndevices: [{id: a, kind: pseudo}]\n"},
		{"chunk over capacity", "credentials: c.yaml\ndevices: [{id: a, kind: pseudo, chunk_size: 10, pool: {capacity: 8}}]\n"},
		{"same port", "credentials: c.yaml\ndevices: [{id: a, kind: trng, port: /dev/ttyACM0}, {id: b, kind: trng, port: /dev/ttyACM0}]\n"},
		{"same serial", "credentials: c.yaml\ndevices: [{id: a, kind: ftdi, serial: Q1}, {id: b, kind: ftdi, serial: Q1}]\n"},
		{"two first-found", "credentials: c.yaml\ndevices: [{id: a, kind: bitb}, {id: b, kind: bitb}]\n"},
		{"negative bitrate", "credentials: c.yaml\ndevices: [{id: a, kind: bitb, bitrate: -1}]\n"},
		{"inverted watermarks", "credentials: c.yaml\ndevices: [{id: a, kind: pseudo, pool: {capacity: 100, low_watermark: 80, high_watermark: 20}}]\n"},
		{"watermark over capacity", "credentials: c.yaml\npool: {capacity: 100, high_watermark: 200}\ndevices: [{id: a, kind: pseudo}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDistinctHardwareIsAccepted(t *testing.T) {
	cfg, err := Parse([]byte(`
credentials: c.yaml
pool: {capacity: 1000, low_watermark: 100, high_watermark: 900}
devices:
  - {id: a, kind: ftdi}
  - {id: b, kind: bitb}
  - {id: c, kind: ftdi, serial: Q2}
  - {id: d, kind: trng, port: /dev/ttyACM0}
  - {id: e, kind: trng, port: /dev/ttyACM1}
  - {id: f, kind: pseudo}
  - {id: g, kind: pseudo, pool: {capacity: 64}}
`))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Devices[0].Pool.LowWatermark)
	assert.Equal(t, 900, cfg.Devices[0].Pool.HighWatermark)
	// A pool with its own capacity keeps the proportional defaults.
	assert.Zero(t, cfg.Devices[6].Pool.LowWatermark)
	assert.Zero(t, cfg.Devices[6].Pool.HighWatermark)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qrngd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)
}
