// Package router serves one-shot "give me N bytes" requests by draining
// a device's entropy pool.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

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

// Request is a one-shot entropy request.
type Request struct {
	Credential string
	Bytes      int
	// DeviceID pins the request to one device. Empty selects the
	// available device with the most buffered bytes.
	DeviceID string
}

// Config tunes a Router.
type Config struct {
	// Timeout bounds a whole request (default 5s).
	Timeout time.Duration
	// MaxBytes caps a single request (default 1 MiB).
	MaxBytes int
	Logger   *slog.Logger
}

// Router serves one-shot requests.
type Router struct {
	auth     *ratelimit.Authority
	pools    Pools
	sessions *session.Registry
	timeout  time.Duration
	maxBytes int
	log      *slog.Logger

	mu    sync.Mutex
	turns map[string]chan struct{}
}

// New returns a Router. sessions may be nil.
func New(auth *ratelimit.Authority, pools Pools, sessions *session.Registry, cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		auth:     auth,
		pools:    pools,
		sessions: sessions,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
		log:      cfg.Logger,
		turns:    make(map[string]chan struct{}),
	}
}

// turn serializes one-shot requests per pool so that two requests racing
// for the last buffered bytes cannot each take half and both fail.
func (r *Router) turn(ctx context.Context, deviceID string) (release func(), err error) {
	r.mu.Lock()
	sem, ok := r.turns[deviceID]
	if !ok {
		sem = make(chan struct{}, 1)
		r.turns[deviceID] = sem
	}
	r.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServeOneShot returns exactly req.Bytes bytes or an error; partial
// results are never returned. Requests on the same device are served
// one at a time in arrival order. Tokens spent on a request that later fails
// are not refunded, and bytes already popped for it are discarded.
func (r *Router) ServeOneShot(ctx context.Context, req Request) ([]byte, error) {
	if req.Bytes <= 0 || req.Bytes > r.maxBytes {
		return nil, serve.Errorf(serve.InvalidRequest, "bytes must be in [1, %d], got %d", r.maxBytes, req.Bytes)
	}
	id, err := r.auth.Identify(ctx, req.Credential)
	if err != nil {
		return nil, serve.Wrap(err)
	}
	log := r.log.With("client_id", id.ClientID, "bytes", req.Bytes)

	var pinned *pool.Pool
	if req.DeviceID != "" {
		p, ok := r.pools.Pool(req.DeviceID)
		if !ok {
			return nil, serve.Errorf(serve.InvalidRequest, "unknown device %q", req.DeviceID)
		}
		pinned = p
	}

	if r.sessions != nil {
		defer r.sessions.Begin(id, session.OneShot)()
	}
	if _, err := r.auth.AuthorizeIdentity(id, req.Bytes); err != nil {
		log.Debug("one-shot request refused", "error", err)
		return nil, serve.Wrap(err)
	}

	p := pinned
	if p == nil {
		p = pool.Fullest(r.pools.Pools())
		if p == nil {
			return nil, serve.Errorf(serve.DeviceUnavailable, "no device available")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	release, err := r.turn(ctx, p.Device())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &serve.Error{Kind: serve.Timeout, Err: err}
		}
		return nil, serve.Wrap(err)
	}
	defer release()

	out := make([]byte, 0, req.Bytes)
	var lastSeq uint64
	for len(out) < req.Bytes {
		c, err := p.Pop(ctx, req.Bytes-len(out))
		switch {
		case err == nil:
			out = append(out, c.Data...)
			lastSeq = c.Seq
			continue
		case errors.Is(err, pool.ErrEmpty):
			continue
		case errors.Is(err, pool.ErrSourceDown), errors.Is(err, pool.ErrClosed):
			log.Info("one-shot request failed", "device_id", p.Device(), "delivered", len(out), "error", err)
			return nil, &serve.Error{Kind: serve.DeviceUnavailable, Err: err}
		default:
			log.Info("one-shot request failed", "device_id", p.Device(), "delivered", len(out), "error", err)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &serve.Error{Kind: serve.Timeout, Err: err}
			}
			return nil, serve.Wrap(err)
		}
	}
	if r.sessions != nil {
		r.sessions.SetLastSeq(id.ClientID, lastSeq)
	}
	log.Debug("one-shot request served", "device_id", p.Device())
	return out, nil
}
