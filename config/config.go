// Package config loads the qrngd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thiagojm/qrngd/naming"
	"github.com/Thiagojm/qrngd/pool"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Router struct {
	Timeout  Duration `yaml:"timeout"`
	MaxBytes int      `yaml:"max_bytes"`
}

type Stream struct {
	FrameBytes   int      `yaml:"frame_bytes"`
	FrameBuffer  int      `yaml:"frame_buffer"`
	DrainTimeout Duration `yaml:"drain_timeout"`
	FinalWait    Duration `yaml:"final_wait"`
}

type Session struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	PruneInterval Duration `yaml:"prune_interval"`
}

// Pool holds pool sizing. Zero fields fall back to the server-wide
// defaults.
type Pool struct {
	Capacity int      `yaml:"capacity"`
	Policy   string   `yaml:"policy"`
	MaxWait  Duration `yaml:"max_wait"`
	// Watermarks are byte fill levels; zero means 25% and 75% of
	// Capacity.
	LowWatermark  int `yaml:"low_watermark"`
	HighWatermark int `yaml:"high_watermark"`
}

// Device is one configured entropy source.
type Device struct {
	// ID defaults to Serial.
	ID     string        `yaml:"id"`
	Kind   naming.Device `yaml:"kind"`
	Serial string        `yaml:"serial"`
	// Port is the serial device path for trng devices.
	Port string `yaml:"port"`

	RatedThroughput int      `yaml:"rated_throughput"`
	ChunkSize       int      `yaml:"chunk_size"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	Quality         *bool    `yaml:"quality"`

	// Driver specific.
	Bitrate        int     `yaml:"bitrate"`
	LatencyMs      int     `yaml:"latency_ms"`
	RawFraming     bool    `yaml:"raw_framing"`
	BytesPerSecond float64 `yaml:"bytes_per_second"`
	Seed           uint64  `yaml:"seed"`

	Pool Pool `yaml:"pool"`
}

// QualityEnabled reports whether the quality probe runs on this device
// (default on).
func (d Device) QualityEnabled() bool { return d.Quality == nil || *d.Quality }

// Config is the whole server configuration.
type Config struct {
	Listen string `yaml:"listen"`
	TLS    TLS    `yaml:"tls"`
	Log    Log    `yaml:"log"`

	Credentials        string   `yaml:"credentials"`
	CredentialCacheTTL Duration `yaml:"credential_cache_ttl"`

	Router  Router   `yaml:"router"`
	Stream  Stream   `yaml:"stream"`
	Session Session  `yaml:"session"`
	Pool    Pool     `yaml:"pool"`
	Devices []Device `yaml:"devices"`
}

// Default returns a configuration with every default applied and no
// devices.
func Default() Config {
	return Config{
		Listen:             ":8080",
		Log:                Log{Level: "info", Format: "text"},
		CredentialCacheTTL: Duration(time.Minute),
		Router:             Router{Timeout: Duration(5 * time.Second), MaxBytes: 1 << 20},
		Stream: Stream{
			FrameBytes:   4096,
			FrameBuffer:  16,
			DrainTimeout: Duration(2 * time.Second),
			FinalWait:    Duration(time.Second),
		},
		Session: Session{IdleTimeout: Duration(10 * time.Minute), PruneInterval: Duration(time.Minute)},
		Pool:    Pool{Capacity: 1 << 20, Policy: pool.DropOldest.String(), MaxWait: Duration(250 * time.Millisecond)},
	}
}

// Load reads, defaults and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDeviceDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == "" {
			d.ID = d.Serial
		}
		if d.Pool.Capacity == 0 {
			d.Pool.Capacity = c.Pool.Capacity
		}
		if d.Pool.Policy == "" {
			d.Pool.Policy = c.Pool.Policy
		}
		if d.Pool.MaxWait == 0 {
			d.Pool.MaxWait = c.Pool.MaxWait
		}
		if d.Pool.LowWatermark == 0 && d.Pool.HighWatermark == 0 && d.Pool.Capacity == c.Pool.Capacity {
			d.Pool.LowWatermark = c.Pool.LowWatermark
			d.Pool.HighWatermark = c.Pool.HighWatermark
		}
	}
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("invalid listen: must not be empty")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("invalid tls: cert_file and key_file must be set together")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}
	if c.Credentials == "" {
		return errors.New("invalid credentials: path must not be empty")
	}
	if c.Router.Timeout <= 0 || c.Router.MaxBytes <= 0 {
		return errors.New("invalid router: timeout and max_bytes must be > 0")
	}
	if c.Stream.FrameBytes <= 0 || c.Stream.FrameBuffer <= 0 {
		return errors.New("invalid stream: frame_bytes and frame_buffer must be > 0")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.PruneInterval <= 0 {
		return errors.New("invalid session: idle_timeout and prune_interval must be > 0")
	}
	if err := c.Pool.validate("pool"); err != nil {
		return err
	}
	if len(c.Devices) == 0 {
		return errors.New("invalid devices: at least one device is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	hardware := make(map[string]string, len(c.Devices))
	for i, d := range c.Devices {
		where := fmt.Sprintf("devices[%d]", i)
		if err := d.Kind.Validate(); err != nil {
			return fmt.Errorf("invalid %s.kind: %w", where, err)
		}
		if d.ID == "" {
			return fmt.Errorf("invalid %s: id or serial is required", where)
		}
		if seen[d.ID] {
			return fmt.Errorf("invalid %s: duplicate id %q", where, d.ID)
		}
		seen[d.ID] = true
		if key := d.hardwareKey(); key != "" {
			if other, ok := hardware[key]; ok {
				return fmt.Errorf("invalid %s: %s is already used by device %q", where, key, other)
			}
			hardware[key] = d.ID
		}
		if d.RatedThroughput < 0 || d.ChunkSize < 0 || d.BytesPerSecond < 0 || d.Bitrate < 0 {
			return fmt.Errorf("invalid %s: sizes and rates must not be negative", where)
		}
		if d.LatencyMs < 0 || d.LatencyMs > 255 {
			return fmt.Errorf("invalid %s.latency_ms: must be in range 0..255", where)
		}
		if d.ChunkSize > d.Pool.Capacity {
			return fmt.Errorf("invalid %s: chunk_size %d exceeds pool capacity %d", where, d.ChunkSize, d.Pool.Capacity)
		}
		if err := d.Pool.validate(where + ".pool"); err != nil {
			return err
		}
	}
	return nil
}

// hardwareKey names the physical device an entry selects. Entries of one
// kind without serial or port all select "the first one found" and so
// share a key. Software sources have none.
func (d Device) hardwareKey() string {
	switch {
	case d.Kind == naming.DevicePseudo:
		return ""
	case d.Kind == naming.DeviceTrueRNG && d.Port != "":
		return "port " + d.Port
	case d.Serial != "":
		return fmt.Sprintf("%s serial %s", d.Kind, d.Serial)
	}
	return fmt.Sprintf("first %s device", d.Kind)
}

func (p Pool) validate(where string) error {
	if p.Capacity <= 0 {
		return fmt.Errorf("invalid %s.capacity: must be > 0", where)
	}
	if p.LowWatermark < 0 || p.HighWatermark < 0 {
		return fmt.Errorf("invalid %s: watermarks must not be negative", where)
	}
	if p.LowWatermark > p.Capacity || p.HighWatermark > p.Capacity || (p.HighWatermark > 0 && p.LowWatermark > p.HighWatermark) {
		return fmt.Errorf("invalid %s: need low_watermark <= high_watermark <= capacity", where)
	}
	if p.MaxWait <= 0 {
		return fmt.Errorf("invalid %s.max_wait: must be > 0", where)
	}
	if _, err := pool.ParsePolicy(p.Policy); err != nil {
		return fmt.Errorf("invalid %s.policy: %w", where, err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}
