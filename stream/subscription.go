package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/pool"
	"github.com/Thiagojm/qrngd/ratelimit"
	"github.com/Thiagojm/qrngd/serve"
	"github.com/Thiagojm/qrngd/wire"
)

// Subscription is one client's stream. Frames delivers data frames
// followed by exactly one terminal frame, then is closed.
type Subscription struct {
	id     uuid.UUID
	client ratelimit.Identity
	d      *Dispatcher
	pool   *pool.Pool
	pace   *rate.Limiter // nil when unbounded
	size   int
	log    *slog.Logger

	// held is the popped chunk not yet delivered; run goroutine only.
	// Its tokens are already spent.
	held device.Chunk

	frames chan wire.Frame
	done   chan struct{}
	cancel context.CancelFunc

	state     atomic.Int32
	bytes     atomic.Uint64
	closeOnce sync.Once
	reason    atomic.Pointer[string]

	errMu sync.Mutex
	err   error
}

func newSubscription(d *Dispatcher, id ratelimit.Identity, p *pool.Pool, desired float64, size int) *Subscription {
	s := &Subscription{
		id:     uuid.New(),
		client: id,
		d:      d,
		pool:   p,
		size:   size,
		frames: make(chan wire.Frame, d.cfg.FrameBuffer),
		done:   make(chan struct{}),
	}
	if desired > 0 {
		s.pace = rate.NewLimiter(rate.Limit(desired), size)
	}
	s.log = d.log.With("subscription_id", s.id.String(), "client_id", id.ClientID, "device_id", p.Device())
	return s
}

// ID returns the subscription id.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Device returns the id of the device feeding this subscription.
func (s *Subscription) Device() string { return s.pool.Device() }

// ClientID returns the id of the subscribed client.
func (s *Subscription) ClientID() string { return s.client.ClientID }

// State returns the current state.
func (s *Subscription) State() State { return State(s.state.Load()) }

// Bytes returns the number of bytes delivered so far.
func (s *Subscription) Bytes() uint64 { return s.bytes.Load() }

// Frames returns the frame channel. It is closed after the terminal
// frame.
func (s *Subscription) Frames() <-chan wire.Frame { return s.frames }

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the subscription: nil while it runs
// or when the client closed it, a *serve.Error otherwise.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the subscription on behalf of the client and releases its
// claim on pool reads. No terminal frame is sent.
func (s *Subscription) Close() {
	s.stop(ReasonClientClosed)
}

func (s *Subscription) shutdown() {
	s.stop(ReasonShutdown)
}

func (s *Subscription) stop(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(&reason)
	})
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscription) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug("subscription state changed", "from", old.String(), "to", st.String())
	}
}

func (s *Subscription) stopReason() string {
	if r := s.reason.Load(); r != nil {
		return *r
	}
	return ReasonShutdown
}

// run is the subscription task. It owns every byte it pops: popped
// bytes are either delivered to this subscriber or dropped, never
// returned to the pool.
func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	reason, fail := s.loop(ctx)

	s.setState(StateClosed)
	s.errMu.Lock()
	s.err = fail
	s.errMu.Unlock()
	if s.held.Len() > 0 {
		s.log.Debug("subscription dropped held bytes", "bytes", s.held.Len())
		s.held = device.Chunk{}
	}
	s.log.Info("subscription closed", "reason", reason, "bytes", s.bytes.Load())

	if reason != ReasonClientClosed {
		status := StateClosed.String()
		if k := serve.KindOf(fail); k != 0 {
			status = k.String()
		}
		select {
		case s.frames <- wire.Terminal(status, reason):
		case <-s.d.cfg.Clock.After(s.d.cfg.FinalWait):
			s.log.Debug("terminal frame not delivered")
		}
	}
	close(s.frames)
}

func (s *Subscription) stopped(ctx context.Context) (string, error) {
	r := s.stopReason()
	if r == ReasonClientClosed {
		return r, nil
	}
	return r, &serve.Error{Kind: serve.Shutdown, Err: context.Cause(ctx)}
}

// prepay spends tokens for the next frame before anything is popped, so
// a throttled subscriber never holds bytes it cannot deliver. It asks
// for a full frame and falls back to whatever the bucket holds.
func (s *Subscription) prepay() (int, *ratelimit.ExhaustedError, error) {
	n := s.size
	for {
		_, err := s.d.auth.AuthorizeIdentity(s.client, n)
		if err == nil {
			return n, nil, nil
		}
		ex, ok := ratelimit.AsExhausted(err)
		if !ok {
			return 0, nil, err
		}
		if avail := int(ex.Available); avail >= 1 && avail < n {
			n = avail
			continue
		}
		return 0, ex, nil
	}
}

func (s *Subscription) loop(ctx context.Context) (string, error) {
	clk := s.d.cfg.Clock
	var drain <-chan time.Time
	drainErr := &serve.Error{Kind: serve.DeviceUnavailable, Err: errors.New("residual bytes not drained in time")}
	startDrain := func() {
		if drain == nil {
			s.setState(StateDraining)
			drain = clk.After(s.d.cfg.DrainTimeout)
		}
	}
	// credit is paid for but not yet delivered.
	credit := 0

	for {
		if !s.pool.SourceAvailable() {
			startDrain()
		}
		select {
		case <-drain:
			return ReasonDrainTimeout, drainErr
		default:
		}

		if credit == 0 {
			n, ex, err := s.prepay()
			if err != nil {
				return ReasonRefused, serve.Wrap(err)
			}
			if ex != nil {
				if drain == nil {
					s.setState(StateThrottled)
				}
				select {
				case <-clk.After(ex.RetryAfter):
					continue
				case <-drain:
					return ReasonDrainTimeout, drainErr
				case <-ctx.Done():
					return s.stopped(ctx)
				}
			}
			credit = n
		}

		c, err := s.pool.Pop(ctx, credit)
		switch {
		case err == nil:
			s.held = c
			credit -= c.Len()
		case errors.Is(err, pool.ErrEmpty):
			continue
		case errors.Is(err, pool.ErrSourceDown):
			startDrain()
			return ReasonDeviceUnavailable, &serve.Error{Kind: serve.DeviceUnavailable, Err: err}
		case errors.Is(err, pool.ErrClosed):
			return ReasonShutdown, &serve.Error{Kind: serve.Shutdown, Err: err}
		default:
			return s.stopped(ctx)
		}

		if s.pace != nil {
			now := clk.Now()
			r := s.pace.ReserveN(now, s.held.Len())
			if wait := r.DelayFrom(now); wait > 0 {
				select {
				case <-clk.After(wait):
				case <-drain:
					return ReasonDrainTimeout, drainErr
				case <-ctx.Done():
					r.CancelAt(clk.Now())
					return s.stopped(ctx)
				}
			}
		}

		if drain == nil {
			s.setState(StateStreaming)
		}
		f := wire.Frame{Device: s.held.Device, Seq: s.held.Seq, Offset: s.held.Offset, Data: s.held.Data}
		select {
		case s.frames <- f:
			s.bytes.Add(uint64(s.held.Len()))
			if s.d.sessions != nil {
				s.d.sessions.SetLastSeq(s.client.ClientID, s.held.Seq)
			}
			s.held = device.Chunk{}
		case <-drain:
			return ReasonDrainTimeout, drainErr
		case <-ctx.Done():
			return s.stopped(ctx)
		}
	}
}
