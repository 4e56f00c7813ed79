// Package device owns the exclusive connection to one physical QRNG. A
// Channel opens the hardware through a kind-specific Opener, reads raw
// entropy chunks with bounded retry, tracks the device status and runs
// the single read loop that feeds the device's entropy pool.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Config describes one device and its retry policy.
type Config struct {
	// ID is the device identity, usually the USB serial number.
	ID string
	// Kind is the driver family ("bitb", "trng", "ftdi", "pseudo").
	Kind string
	// RatedThroughput is the nominal output in bytes/sec.
	RatedThroughput int

	// ChunkSize is the largest chunk the read loop requests (default 4096).
	ChunkSize int
	// ReadTimeout bounds a single hardware read (default 1s).
	ReadTimeout time.Duration

	// MaxRetries is the number of transient failures tolerated per
	// ReadChunk before the device is marked Degraded (default 5).
	MaxRetries int
	// BaseDelay and MaxDelay bound the retry backoff (default 10ms / 1s).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// ReopenInterval and MaxReopenDelay bound re-open attempts after a
	// disconnect (default 1s / 30s).
	ReopenInterval time.Duration
	MaxReopenDelay time.Duration

	// Quality, when set, is applied to each chunk by Run. A chunk that
	// fails is discarded.
	Quality func([]byte) error
	// MaxQualityFailures consecutive rejections mark the device Degraded
	// (default 3).
	MaxQualityFailures int

	// HealthInterval is how often Run polls HealthReporter sources
	// (default 10s).
	HealthInterval time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 10 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Second
	}
	if c.ReopenInterval <= 0 {
		c.ReopenInterval = time.Second
	}
	if c.MaxReopenDelay <= 0 {
		c.MaxReopenDelay = 30 * time.Second
	}
	if c.MaxQualityFailures <= 0 {
		c.MaxQualityFailures = 3
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Info is the static description of a device.
type Info struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	RatedThroughput int    `json:"rated_throughput"`
}

// Stats are lifetime counters of a Channel.
type Stats struct {
	Chunks         uint64 `json:"chunks"`
	Bytes          uint64 `json:"bytes"`
	Retries        uint64 `json:"retries"`
	QualityRejects uint64 `json:"quality_rejects"`
	Reopens        uint64 `json:"reopens"`
}

// Channel wraps one physical QRNG.
//
// The hardware handle never leaves the Channel: other components only
// see the chunks Run publishes.
type Channel struct {
	cfg  Config
	open Opener
	log  *slog.Logger

	mu       sync.Mutex // guards src, claimed and location
	src      Source
	claimed  bool
	location string

	status          atomic.Int32
	qualityDegraded atomic.Bool
	watchMu         sync.Mutex
	watch           chan Status

	seq    atomic.Uint64
	meter  meter
	health atomic.Pointer[Health]

	chunks         atomic.Uint64
	bytes          atomic.Uint64
	retries        atomic.Uint64
	qualityRejects atomic.Uint64
	reopens        atomic.Uint64
}

// NewChannel creates a closed Channel. Call Open or Run to start it.
func NewChannel(cfg Config, open Opener) (*Channel, error) {
	if cfg.ID == "" {
		return nil, errors.New("device id must not be empty")
	}
	if open == nil {
		return nil, errors.New("opener must not be nil")
	}
	cfg.setDefaults()
	c := &Channel{
		cfg:   cfg,
		open:  open,
		log:   cfg.Logger.With("device_id", cfg.ID, "kind", cfg.Kind),
		watch: make(chan Status, 1),
		meter: meter{window: time.Second},
	}
	c.status.Store(int32(StatusDisconnected))
	return c, nil
}

// Info returns the static device description.
func (c *Channel) Info() Info {
	return Info{ID: c.cfg.ID, Kind: c.cfg.Kind, RatedThroughput: c.cfg.RatedThroughput}
}

// Status returns the current device status.
func (c *Channel) Status() Status { return Status(c.status.Load()) }

// Watch returns a channel carrying the latest status after each
// transition. Only the most recent status is retained.
func (c *Channel) Watch() <-chan Status { return c.watch }

// Throughput returns the measured output in bytes/sec.
func (c *Channel) Throughput() float64 { return c.meter.value(c.cfg.Clock.Now()) }

// Health returns the last telemetry read, if the driver exposes any.
func (c *Channel) Health() (Health, bool) {
	h := c.health.Load()
	if h == nil {
		return Health{}, false
	}
	return *h, true
}

// Stats returns a copy of the lifetime counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Chunks:         c.chunks.Load(),
		Bytes:          c.bytes.Load(),
		Retries:        c.retries.Load(),
		QualityRejects: c.qualityRejects.Load(),
		Reopens:        c.reopens.Load(),
	}
}

func (c *Channel) setStatus(s Status) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	old := Status(c.status.Swap(int32(s)))
	if old == s {
		return
	}
	c.log.Info("device status changed", "from", old.String(), "to", s.String())
	select {
	case <-c.watch:
	default:
	}
	c.watch <- s
}

// Open claims the device and opens the hardware. It is a no-op when the
// Channel is already open.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src != nil {
		return nil
	}
	if !c.claimed {
		if err := claim(idKey(c.cfg.ID)); err != nil {
			return err
		}
		c.claimed = true
	}
	src, err := c.open(ctx)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("open %s: %w", c.cfg.ID, err)
	}
	if err := c.claimLocationLocked(src); err != nil {
		if cerr := src.Close(); cerr != nil {
			c.log.Debug("closing source", "error", cerr)
		}
		c.setStatus(StatusDisconnected)
		return fmt.Errorf("open %s: %w", c.cfg.ID, err)
	}
	c.src = src
	c.setStatus(StatusIdle)
	return nil
}

// Close closes the hardware handle and releases the device claim.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.src != nil {
		err = c.src.Close()
		c.src = nil
	}
	if c.location != "" {
		release(locationKey(c.location))
		c.location = ""
	}
	if c.claimed {
		release(idKey(c.cfg.ID))
		c.claimed = false
	}
	c.setStatus(StatusDisconnected)
	return err
}

// claimLocationLocked holds the physical location of src. A re-open that
// lands on the same location keeps the existing claim.
func (c *Channel) claimLocationLocked(src Source) error {
	l, ok := src.(Locator)
	if !ok {
		return nil
	}
	loc := l.Location()
	if loc == "" || loc == c.location {
		return nil
	}
	if err := claim(locationKey(loc)); err != nil {
		return err
	}
	if c.location != "" {
		release(locationKey(c.location))
	}
	c.location = loc
	return nil
}

// Location returns the physical location of the open device, if the
// driver reports one.
func (c *Channel) Location() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.location
}

func (c *Channel) source() Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src
}

// dropSource closes the handle but keeps the claim so the read loop can
// re-open the same device.
func (c *Channel) dropSource(next Status) {
	c.mu.Lock()
	if c.src != nil {
		if err := c.src.Close(); err != nil {
			c.log.Debug("closing source", "error", err)
		}
		c.src = nil
	}
	c.mu.Unlock()
	c.setStatus(next)
}

// ReadChunk reads up to maxBytes from the device. It blocks until at
// least one byte arrives, retrying transient failures with exponential
// backoff. Once MaxRetries is exhausted the device becomes Degraded and
// a transient *Error is returned.
func (c *Channel) ReadChunk(ctx context.Context, maxBytes int) (Chunk, error) {
	if maxBytes <= 0 {
		return Chunk{}, errors.New("maxBytes must be > 0")
	}
	src := c.source()
	if src == nil {
		return Chunk{}, &Error{Device: c.cfg.ID, Kind: KindDisconnected, Err: ErrNotOpen}
	}

	buf := make([]byte, maxBytes)
	retry := backoff.WithMaxRetries(newBackOff(c.cfg.BaseDelay, c.cfg.MaxDelay, c.cfg.Clock), uint64(c.cfg.MaxRetries))
	for {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
		n, err := src.Read(rctx, buf)
		cancel()
		if ctx.Err() != nil {
			return Chunk{}, ctx.Err()
		}
		if n > 0 {
			if !c.qualityDegraded.Load() {
				c.setStatus(StatusReading)
			}
			now := c.cfg.Clock.Now()
			c.meter.add(now, n)
			c.chunks.Add(1)
			c.bytes.Add(uint64(n))
			return Chunk{
				Device:   c.cfg.ID,
				Seq:      c.seq.Add(1),
				Data:     buf[:n:n],
				Produced: now,
			}, nil
		}
		if err == nil {
			err = fmt.Errorf("short read: %w", ErrTimeout)
		}

		switch kind := classify(err); kind {
		case KindDisconnected:
			c.dropSource(StatusDisconnected)
			return Chunk{}, &Error{Device: c.cfg.ID, Kind: kind, Err: err}
		case KindHardware:
			c.dropSource(StatusError)
			return Chunk{}, &Error{Device: c.cfg.ID, Kind: kind, Err: err}
		}

		c.retries.Add(1)
		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			c.setStatus(StatusDegraded)
			return Chunk{}, &Error{
				Device: c.cfg.ID,
				Kind:   KindTransient,
				Err:    fmt.Errorf("%d retries exhausted: %w", c.cfg.MaxRetries, err),
			}
		}
		select {
		case <-c.cfg.Clock.After(delay):
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// Run is the device's read loop and the only producer for its pool. It
// opens the device if needed, publishes every chunk that passes the
// quality probe on out, and re-opens the hardware with backoff after a
// disconnect or fault. Run returns ctx.Err() once ctx is done and
// closes the Channel on the way out.
func (c *Channel) Run(ctx context.Context, out chan<- Chunk) error {
	defer c.Close()

	reopen := newBackOff(c.cfg.ReopenInterval, c.cfg.MaxReopenDelay, c.cfg.Clock)
	reopenAttempt := 0
	qualityFails := 0
	opened := false
	var lastHealth time.Time

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.source() == nil {
			if err := c.Open(ctx); err != nil {
				if errors.Is(err, ErrInUse) {
					return err
				}
				reopenAttempt++
				delay := reopen.NextBackOff()
				c.log.Warn("device open failed", "error", err, "attempt", reopenAttempt, "retry_in", delay)
				select {
				case <-c.cfg.Clock.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			if opened {
				c.reopens.Add(1)
				c.log.Info("device reopened", "attempts", reopenAttempt+1)
			}
			opened = true
			reopenAttempt = 0
			reopen.Reset()
		}

		chunk, err := c.ReadChunk(ctx, c.cfg.ChunkSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("device read failed", "error", err)
			continue
		}

		if c.cfg.Quality != nil {
			if qerr := c.cfg.Quality(chunk.Data); qerr != nil {
				qualityFails++
				c.qualityRejects.Add(1)
				c.log.Warn("chunk rejected by quality probe", "seq", chunk.Seq, "error", qerr)
				if qualityFails >= c.cfg.MaxQualityFailures {
					c.qualityDegraded.Store(true)
					c.setStatus(StatusDegraded)
				}
				continue
			}
			if qualityFails > 0 {
				qualityFails = 0
				c.qualityDegraded.Store(false)
				c.setStatus(StatusReading)
			}
		}

		if now := c.cfg.Clock.Now(); now.Sub(lastHealth) >= c.cfg.HealthInterval {
			lastHealth = now
			c.pollHealth(ctx)
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) pollHealth(ctx context.Context) {
	hr, ok := c.source().(HealthReporter)
	if !ok {
		return
	}
	h, err := hr.Health(ctx)
	if err != nil {
		c.log.Debug("health read failed", "error", err)
		return
	}
	c.health.Store(&h)
}
