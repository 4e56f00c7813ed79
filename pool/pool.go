// Package pool implements the bounded per-device entropy buffer that
// decouples a device's production rate from client consumption.
//
// A Pool has exactly one producer (the device read loop, through Feed)
// and any number of consumers. Every byte handed out by Pop is removed
// under the pool lock before Pop returns, so concurrent consumers always
// receive disjoint byte ranges in production order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Thiagojm/qrngd/device"
)

var (
	// ErrFull is returned by Push under RejectNewest when the chunk does
	// not fit.
	ErrFull = errors.New("pool full")
	// ErrEmpty is returned by Pop when no bytes arrived within MaxWait.
	ErrEmpty = errors.New("pool empty")
	// ErrSourceDown is returned by Pop when the pool is empty and its
	// device is not producing.
	ErrSourceDown = errors.New("pool empty and device unavailable")
	// ErrChunkTooLarge is returned by Push for chunks larger than the
	// pool capacity.
	ErrChunkTooLarge = errors.New("chunk larger than pool capacity")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool closed")
)

// Config sizes a Pool.
type Config struct {
	// Device is the producing device id, used in logs and errors.
	Device string
	// Capacity is the maximum number of buffered bytes (default 1 MiB).
	Capacity int
	// LowWatermark and HighWatermark are fill levels in bytes
	// (defaults 25% and 75% of Capacity).
	LowWatermark  int
	HighWatermark int
	// MaxWait bounds how long Pop waits on an empty pool (default 250ms).
	MaxWait time.Duration
	Policy  Policy

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1 << 20
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = c.Capacity / 4
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = c.Capacity * 3 / 4
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 250 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fill is a point-in-time fill level.
type Fill struct {
	Buffered  int     `json:"buffered"`
	Capacity  int     `json:"capacity"`
	Percent   float64 `json:"percent"`
	AboveHigh bool    `json:"above_high_watermark"`
	BelowLow  bool    `json:"below_low_watermark"`
}

// Stats are lifetime byte counters.
type Stats struct {
	PushedBytes   uint64 `json:"pushed_bytes"`
	PoppedBytes   uint64 `json:"popped_bytes"`
	DroppedBytes  uint64 `json:"dropped_bytes"`
	RejectedBytes uint64 `json:"rejected_bytes"`
}

// Pool is a bounded FIFO of entropy chunks for one device.
type Pool struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	queue      []device.Chunk
	head       int
	buffered   int
	available  bool
	closed     bool
	aboveHigh  bool
	dataReady  chan struct{} // closed when bytes arrive or state changes
	spaceReady chan struct{} // closed when bytes leave

	// Mirrors for lock-free observers.
	bufferedN  atomic.Int64
	availableN atomic.Bool

	pushed   atomic.Uint64
	popped   atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

// New creates an empty pool. The pool starts with its source marked
// unavailable; the owner calls SetSourceAvailable once the device is
// producing.
func New(cfg Config) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:        cfg,
		log:        cfg.Logger.With("device_id", cfg.Device),
		dataReady:  make(chan struct{}),
		spaceReady: make(chan struct{}),
	}
}

// Device returns the id of the producing device.
func (p *Pool) Device() string { return p.cfg.Device }

// Policy returns the configured overflow policy.
func (p *Pool) Policy() Policy { return p.cfg.Policy }

func (p *Pool) notifyDataLocked() {
	close(p.dataReady)
	p.dataReady = make(chan struct{})
}

func (p *Pool) notifySpaceLocked() {
	close(p.spaceReady)
	p.spaceReady = make(chan struct{})
}

func (p *Pool) setBufferedLocked(n int) {
	p.buffered = n
	p.bufferedN.Store(int64(n))
	switch {
	case !p.aboveHigh && n >= p.cfg.HighWatermark:
		p.aboveHigh = true
		p.log.Debug("pool above high watermark", "buffered", n, "capacity", p.cfg.Capacity)
	case p.aboveHigh && n <= p.cfg.LowWatermark:
		p.aboveHigh = false
		p.log.Debug("pool below low watermark", "buffered", n, "capacity", p.cfg.Capacity)
	}
}

// Push appends chunk to the pool. Only the device read loop may call
// Push. When the chunk does not fit, the configured Policy applies.
func (p *Pool) Push(ctx context.Context, chunk device.Chunk) error {
	n := chunk.Len()
	if n == 0 {
		return nil
	}
	if n > p.cfg.Capacity {
		return fmt.Errorf("push seq %d (%d bytes): %w", chunk.Seq, n, ErrChunkTooLarge)
	}

	p.mu.Lock()
	for p.buffered+n > p.cfg.Capacity {
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		switch p.cfg.Policy {
		case RejectNewest:
			p.mu.Unlock()
			p.rejected.Add(uint64(n))
			return fmt.Errorf("push seq %d (%d bytes): %w", chunk.Seq, n, ErrFull)
		case DropOldest:
			p.evictLocked(p.buffered + n - p.cfg.Capacity)
		default:
			wait := p.spaceReady
			p.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			p.mu.Lock()
		}
	}
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	p.queue = append(p.queue, chunk)
	p.setBufferedLocked(p.buffered + n)
	p.pushed.Add(uint64(n))
	p.notifyDataLocked()
	p.mu.Unlock()
	return nil
}

// evictLocked drops whole chunks from the head until at least need bytes
// were freed.
func (p *Pool) evictLocked(need int) {
	freed := 0
	for freed < need && p.head < len(p.queue) {
		c := p.queue[p.head]
		p.queue[p.head] = device.Chunk{}
		p.head++
		freed += c.Len()
	}
	p.compactLocked()
	p.setBufferedLocked(p.buffered - freed)
	p.dropped.Add(uint64(freed))
	p.log.Debug("pool dropped oldest chunks", "bytes", freed)
}

func (p *Pool) compactLocked() {
	if p.head == len(p.queue) {
		p.queue = p.queue[:0]
		p.head = 0
		return
	}
	if p.head > 64 && p.head*2 > len(p.queue) {
		n := copy(p.queue, p.queue[p.head:])
		clear(p.queue[n:])
		p.queue = p.queue[:n]
		p.head = 0
	}
}

// Pop removes up to maxBytes from the head of the pool. It waits while
// the pool is empty and returns as soon as any bytes are available. It
// returns ErrEmpty once MaxWait elapses without data, ErrSourceDown when
// the pool is empty and the device is not producing, or ctx.Err().
//
// The returned chunk never spans two produced chunks; its Seq and Offset
// identify the exact byte range handed out.
func (p *Pool) Pop(ctx context.Context, maxBytes int) (device.Chunk, error) {
	if maxBytes <= 0 {
		return device.Chunk{}, errors.New("maxBytes must be > 0")
	}

	var deadline <-chan time.Time
	for {
		p.mu.Lock()
		if p.buffered > 0 {
			out, rest := p.queue[p.head].Split(maxBytes)
			if rest.Len() == 0 {
				p.queue[p.head] = device.Chunk{}
				p.head++
				p.compactLocked()
			} else {
				p.queue[p.head] = rest
			}
			p.setBufferedLocked(p.buffered - out.Len())
			p.popped.Add(uint64(out.Len()))
			p.notifySpaceLocked()
			p.mu.Unlock()
			return out, nil
		}
		if p.closed {
			p.mu.Unlock()
			return device.Chunk{}, ErrClosed
		}
		if !p.available {
			p.mu.Unlock()
			return device.Chunk{}, ErrSourceDown
		}
		wait := p.dataReady
		p.mu.Unlock()

		if deadline == nil {
			deadline = p.cfg.Clock.After(p.cfg.MaxWait)
		}
		select {
		case <-wait:
		case <-deadline:
			return device.Chunk{}, ErrEmpty
		case <-ctx.Done():
			return device.Chunk{}, ctx.Err()
		}
	}
}

// SetSourceAvailable records whether the producing device can still
// deliver bytes. Waiting consumers are woken so they can observe
// ErrSourceDown.
func (p *Pool) SetSourceAvailable(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available == up {
		return
	}
	p.available = up
	p.availableN.Store(up)
	p.notifyDataLocked()
	p.log.Info("pool source availability changed", "available", up, "buffered", p.buffered)
}

// SourceAvailable reports whether the producing device is up.
func (p *Pool) SourceAvailable() bool { return p.availableN.Load() }

// FillLevel returns the current fill level without taking the pool lock.
func (p *Pool) FillLevel() Fill {
	buffered := int(p.bufferedN.Load())
	return Fill{
		Buffered:  buffered,
		Capacity:  p.cfg.Capacity,
		Percent:   100 * float64(buffered) / float64(p.cfg.Capacity),
		AboveHigh: buffered >= p.cfg.HighWatermark,
		BelowLow:  buffered <= p.cfg.LowWatermark,
	}
}

// Stats returns the lifetime byte counters.
func (p *Pool) Stats() Stats {
	return Stats{
		PushedBytes:   p.pushed.Load(),
		PoppedBytes:   p.popped.Load(),
		DroppedBytes:  p.dropped.Load(),
		RejectedBytes: p.rejected.Load(),
	}
}

// Close wakes every waiter; subsequent Push and Pop on an empty pool
// return ErrClosed. Buffered bytes can still be popped.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.notifyDataLocked()
	p.notifySpaceLocked()
}

// Feed pushes every chunk received on in until in is closed or ctx is
// done. Overflow under RejectNewest is logged and never fatal.
func (p *Pool) Feed(ctx context.Context, in <-chan device.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			err := p.Push(ctx, chunk)
			switch {
			case err == nil:
			case errors.Is(err, ErrFull):
				p.log.Debug("pool rejected chunk", "seq", chunk.Seq, "bytes", chunk.Len())
			case errors.Is(err, ErrClosed):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				p.log.Warn("pool push failed", "seq", chunk.Seq, "error", err)
			}
		}
	}
}

// Fullest returns the pool most able to serve a consumer: among pools
// whose device is producing or that still hold bytes, the one with the
// most buffered bytes. It returns nil when no pool qualifies.
func Fullest(pools []*Pool) *Pool {
	var best *Pool
	bestFill := -1
	for _, p := range pools {
		buffered := p.FillLevel().Buffered
		if buffered == 0 && !p.SourceAvailable() {
			continue
		}
		if buffered > bestFill {
			best, bestFill = p, buffered
		}
	}
	return best
}
