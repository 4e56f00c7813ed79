// Package pseudorng is a software entropy device. It stands in for
// hardware in tests and demos and produces bytes at a configurable
// throughput so pools and rate limits behave as they would with a real
// generator.
package pseudorng

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Thiagojm/qrngd/device"
)

// Options configures a Source.
type Options struct {
	// BytesPerSecond shapes output; zero means unlimited.
	BytesPerSecond float64
	// Seed makes output reproducible. Zero draws from crypto/rand.
	Seed uint64
	// Crypto reads crypto/rand directly instead of a seeded generator.
	Crypto bool
}

// Generator is a seedable PRNG.
type Generator struct {
	mu sync.Mutex
	r  *mrand.Rand
}

// NewGenerator creates a generator. If seed is zero, a random seed is
// drawn from crypto/rand.
func NewGenerator(seed uint64) (*Generator, error) {
	if seed == 0 {
		var s [8]byte
		if _, err := crand.Read(s[:]); err != nil {
			return nil, err
		}
		seed = binary.LittleEndian.Uint64(s[:])
	}
	return &Generator{r: mrand.New(mrand.NewSource(int64(seed)))}, nil
}

// Fill overwrites buf with generator output.
func (g *Generator) Fill(buf []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.r.Read(buf)
}

// Source implements device.Source.
type Source struct {
	gen *Generator
	lim *rate.Limiter

	mu     sync.Mutex
	closed bool
	unplug bool
}

// Open returns a ready Source.
func Open(opts Options) (*Source, error) {
	s := &Source{lim: rate.NewLimiter(rate.Inf, 0)}
	if opts.BytesPerSecond > 0 {
		burst := int(opts.BytesPerSecond / 10)
		if burst < 1 {
			burst = 1
		}
		s.lim = rate.NewLimiter(rate.Limit(opts.BytesPerSecond), burst)
	}
	if !opts.Crypto {
		gen, err := NewGenerator(opts.Seed)
		if err != nil {
			return nil, fmt.Errorf("seed generator: %w", err)
		}
		s.gen = gen
	}
	return s, nil
}

// Read fills at most one burst of buf, waiting for the throughput
// limiter. It returns ErrTimeout when ctx expires first.
func (s *Source) Read(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	closed, unplug := s.closed, s.unplug
	s.mu.Unlock()
	switch {
	case unplug:
		return 0, fmt.Errorf("pseudo source unplugged: %w", device.ErrDisconnected)
	case closed:
		return 0, device.ErrNotOpen
	}

	n := len(buf)
	if b := s.lim.Burst(); s.lim.Limit() != rate.Inf && n > b {
		n = b
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.lim.WaitN(ctx, n); err != nil {
		return 0, fmt.Errorf("pseudo source: %w", device.ErrTimeout)
	}
	if s.gen != nil {
		s.gen.Fill(buf[:n])
		return n, nil
	}
	if _, err := crand.Read(buf[:n]); err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return n, nil
}

// Unplug makes every later Read fail as if the device was removed.
func (s *Source) Unplug() {
	s.mu.Lock()
	s.unplug = true
	s.mu.Unlock()
}

// Close releases the source.
func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Opener returns a device.Opener that opens a fresh Source each time.
func Opener(opts Options) device.Opener {
	return func(ctx context.Context) (device.Source, error) {
		return Open(opts)
	}
}
