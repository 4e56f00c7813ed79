// Package stream serves long-lived streaming subscriptions. Each
// Subscription runs its own goroutine that pops from one device pool,
// spends the client's rate budget on the popped bytes, and hands them to
// the transport as wire frames.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Thiagojm/qrngd/pool"
	"github.com/Thiagojm/qrngd/ratelimit"
	"github.com/Thiagojm/qrngd/serve"
	"github.com/Thiagojm/qrngd/session"
)

// Pools gives access to the per-device pools.
type Pools interface {
	Pool(deviceID string) (*pool.Pool, bool)
	Pools() []*pool.Pool
}

// Request opens a subscription.
type Request struct {
	Credential string
	// Rate is the desired delivery rate in bytes/sec; 0 is unbounded.
	Rate float64
	// DeviceID pins the subscription to one device. Empty selects the
	// available device with the most buffered bytes.
	DeviceID string
}

// Config tunes a Dispatcher.
type Config struct {
	// FrameBytes caps the payload of one frame (default 4096).
	FrameBytes int
	// FrameBuffer is the number of frames queued toward a slow client
	// before the subscription stops popping (default 16).
	FrameBuffer int
	// DrainTimeout bounds how long residual bytes are delivered after the
	// device goes away (default 2s).
	DrainTimeout time.Duration
	// FinalWait bounds how long the terminal frame waits for a slow
	// reader (default 1s).
	FinalWait time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.FrameBytes <= 0 {
		c.FrameBytes = 4096
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 16
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.FinalWait <= 0 {
		c.FinalWait = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher creates subscriptions and tracks the live ones.
type Dispatcher struct {
	cfg      Config
	auth     *ratelimit.Authority
	pools    Pools
	sessions *session.Registry
	log      *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*Subscription
	closed bool
}

// NewDispatcher returns a Dispatcher. sessions may be nil.
func NewDispatcher(auth *ratelimit.Authority, pools Pools, sessions *session.Registry, cfg Config) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		cfg:      cfg,
		auth:     auth,
		pools:    pools,
		sessions: sessions,
		log:      cfg.Logger,
		active:   make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe authenticates the client and starts a subscription. The
// credential is checked before any pool is touched. The subscription
// lives until ctx is done, Close is called, or its device goes away.
func (d *Dispatcher) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	if req.Rate < 0 {
		return nil, serve.Errorf(serve.InvalidRequest, "rate must be >= 0, got %v", req.Rate)
	}
	id, err := d.auth.Identify(ctx, req.Credential)
	if err != nil {
		return nil, serve.Wrap(err)
	}

	var p *pool.Pool
	if req.DeviceID != "" {
		var ok bool
		if p, ok = d.pools.Pool(req.DeviceID); !ok {
			return nil, serve.Errorf(serve.InvalidRequest, "unknown device %q", req.DeviceID)
		}
		if !p.SourceAvailable() && p.FillLevel().Buffered == 0 {
			return nil, serve.Errorf(serve.DeviceUnavailable, "device %s is not producing", req.DeviceID)
		}
	} else if p = pool.Fullest(d.pools.Pools()); p == nil {
		return nil, serve.Errorf(serve.DeviceUnavailable, "no device available")
	}

	frameBytes := d.cfg.FrameBytes
	if !id.Quota.Unbounded() && id.Quota.Burst < frameBytes {
		frameBytes = id.Quota.Burst
	}
	if req.Rate > 0 && int(req.Rate) < frameBytes {
		frameBytes = max(1, int(req.Rate))
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newSubscription(d, id, p, req.Rate, frameBytes)
	s.cancel = cancel

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return nil, serve.Errorf(serve.Shutdown, "dispatcher closed")
	}
	d.active[s.id] = s
	d.mu.Unlock()

	var endSession func()
	if d.sessions != nil {
		endSession = d.sessions.Begin(id, session.Stream)
	}

	go func() {
		defer func() {
			cancel()
			if endSession != nil {
				endSession()
			}
			d.mu.Lock()
			delete(d.active, s.id)
			d.mu.Unlock()
		}()
		s.run(ctx)
	}()

	s.log.Info("subscription opened", "rate", req.Rate, "frame_bytes", frameBytes)
	return s, nil
}

// Active returns the number of live subscriptions.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Close ends every live subscription with a shutdown frame and refuses
// new ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	subs := make([]*Subscription, 0, len(d.active))
	for _, s := range d.active {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}
