// Package hub owns every device channel and its pool, and runs the
// per-device tasks that connect them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/pool"
	"github.com/Thiagojm/qrngd/ratelimit"
	"github.com/Thiagojm/qrngd/session"
	"github.com/Thiagojm/qrngd/status"
)

// Device is everything needed to bring one device up.
type Device struct {
	Channel device.Config
	Pool    pool.Config
	Open    device.Opener
}

// Config tunes the hub. Auth and Sessions are optional; when both are
// set, Run prunes idle sessions and drops their rate budgets once they
// have refilled.
type Config struct {
	Auth          *ratelimit.Authority
	Sessions      *session.Registry
	SessionIdle   time.Duration
	PruneInterval time.Duration

	// FeedBuffer is the number of chunks queued between a device read
	// loop and its pool (default 4).
	FeedBuffer int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Hub implements router.Pools, stream.Pools and status.Source.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	entries []status.Entry
	byID    map[string]status.Entry
}

// New creates channels and pools for devs. Nothing is opened until Run.
func New(devs []Device, cfg Config) (*Hub, error) {
	if len(devs) == 0 {
		return nil, errors.New("hub needs at least one device")
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 10 * time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Hub{cfg: cfg, log: cfg.Logger, byID: make(map[string]status.Entry, len(devs))}
	for _, d := range devs {
		id := d.Channel.ID
		if _, dup := h.byID[id]; dup {
			return nil, fmt.Errorf("duplicate device id %q", id)
		}
		ch, err := device.NewChannel(d.Channel, d.Open)
		if err != nil {
			return nil, err
		}
		d.Pool.Device = id
		e := status.Entry{Channel: ch, Pool: pool.New(d.Pool)}
		h.entries = append(h.entries, e)
		h.byID[id] = e
	}
	return h, nil
}

// Pool returns the pool of device id.
func (h *Hub) Pool(id string) (*pool.Pool, bool) {
	e, ok := h.byID[id]
	return e.Pool, ok
}

// Pools returns every pool in configuration order.
func (h *Hub) Pools() []*pool.Pool {
	out := make([]*pool.Pool, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Pool
	}
	return out
}

// Entries implements status.Source.
func (h *Hub) Entries() []status.Entry { return h.entries }

// Run starts every device read loop, its pool feeder and its status
// watcher, plus the session janitor. It blocks until ctx is done or a
// device cannot be claimed, then closes every pool.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range h.entries {
		h.runDevice(gctx, g, e)
	}
	if h.cfg.Auth != nil && h.cfg.Sessions != nil {
		g.Go(func() error { return h.janitor(gctx) })
	}

	err := g.Wait()
	for _, e := range h.entries {
		e.Pool.SetSourceAvailable(false)
		e.Pool.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (h *Hub) runDevice(ctx context.Context, g *errgroup.Group, e status.Entry) {
	chunks := make(chan device.Chunk, h.cfg.FeedBuffer)

	g.Go(func() error {
		defer close(chunks)
		err := e.Channel.Run(ctx, chunks)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("device %s: %w", e.Channel.Info().ID, err)
	})

	g.Go(func() error {
		err := e.Pool.Feed(ctx, chunks)
		if ctx.Err() != nil || errors.Is(err, pool.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-e.Channel.Watch():
				e.Pool.SetSourceAvailable(s.Producing())
			}
		}
	})
}

func (h *Hub) janitor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.cfg.Clock.After(h.cfg.PruneInterval):
		}
		for _, id := range h.cfg.Sessions.Prune(h.cfg.SessionIdle) {
			h.cfg.Auth.Forget(id)
			h.log.Debug("pruned idle session", "client_id", id)
		}
		h.cfg.Auth.Sweep()
	}
}
