package stream

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thiagojm/qrngd/device"
	"github.com/Thiagojm/qrngd/pool"
	"github.com/Thiagojm/qrngd/ratelimit"
	"github.com/Thiagojm/qrngd/serve"
	"github.com/Thiagojm/qrngd/session"
	"github.com/Thiagojm/qrngd/wire"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type poolMap map[string]*pool.Pool

func (m poolMap) Pool(id string) (*pool.Pool, bool) {
	p, ok := m[id]
	return p, ok
}

func (m poolMap) Pools() []*pool.Pool {
	out := make([]*pool.Pool, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

type staticResolver map[string]ratelimit.Identity

func (s staticResolver) Resolve(ctx context.Context, cred string) (ratelimit.Identity, error) {
	id, ok := s[cred]
	if !ok {
		return ratelimit.Identity{}, ratelimit.ErrUnauthorized
	}
	return id, nil
}

var identities = staticResolver{
	"tok-a":    {ClientID: "a"},
	"tok-b":    {ClientID: "b"},
	"tok-slow": {ClientID: "slow", Quota: ratelimit.Quota{BytesPerSecond: 100, Burst: 100}},
}

func newPool(id string) *pool.Pool {
	p := pool.New(pool.Config{
		Device:   id,
		Capacity: 1 << 16,
		MaxWait:  10 * time.Millisecond,
		Policy:   pool.BlockProducer,
		Logger:   discard,
	})
	p.SetSourceAvailable(true)
	return p
}

// blockUntilWaiting returns once a goroutine sleeps on clk.
func blockUntilWaiting(t *testing.T, clk *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
}

func pushN(t *testing.T, p *pool.Pool, chunks, size int) {
	t.Helper()
	for i := 1; i <= chunks; i++ {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i*7 + j)
		}
		require.NoError(t, p.Push(context.Background(), device.Chunk{Device: p.Device(), Seq: uint64(i), Data: data}))
	}
}

func newDispatcher(pools poolMap, clk clockwork.Clock) *Dispatcher {
	auth := ratelimit.New(identities, ratelimit.Config{Clock: clk, Logger: discard})
	return NewDispatcher(auth, pools, session.NewRegistry(clk), Config{
		FrameBytes:   64,
		FrameBuffer:  4,
		DrainTimeout: time.Second,
		FinalWait:    time.Second,
		Clock:        clk,
		Logger:       discard,
	})
}

// collect reads every frame until the channel closes.
func collect(t *testing.T, s *Subscription) (data []wire.Frame, final wire.Frame) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return data, final
			}
			if f.Final {
				final = f
				continue
			}
			data = append(data, f)
		case <-timeout:
			t.Error("subscription did not end")
			return data, final
		}
	}
}

func TestTwoSubscriptionsNeverOverlap(t *testing.T) {
	const chunks, size = 40, 100
	p := newPool("dev")
	pushN(t, p, chunks, size)
	d := newDispatcher(poolMap{"dev": p}, nil)

	a, err := d.Subscribe(context.Background(), Request{Credential: "tok-a"})
	require.NoError(t, err)
	b, err := d.Subscribe(context.Background(), Request{Credential: "tok-b", DeviceID: "dev"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	type got struct {
		frames []wire.Frame
		final  wire.Frame
	}
	results := make(chan got, 2)
	for _, s := range []*Subscription{a, b} {
		go func(s *Subscription) {
			f, final := collect(t, s)
			results <- got{f, final}
		}(s)
	}

	// Let both drain the pool, then take the device away.
	require.Eventually(t, func() bool { return p.FillLevel().Buffered == 0 }, 5*time.Second, time.Millisecond)
	p.SetSourceAvailable(false)

	covered := make(map[uint64][]wire.Frame)
	total := 0
	for i := 0; i < 2; i++ {
		r := <-results
		assert.True(t, r.final.Final)
		assert.Equal(t, ReasonDeviceUnavailable, r.final.Reason)
		for _, f := range r.frames {
			assert.LessOrEqual(t, len(f.Data), 64)
			covered[f.Seq] = append(covered[f.Seq], f)
			total += len(f.Data)
		}
	}
	assert.Equal(t, chunks*size, total)
	for seq, frames := range covered {
		sort.Slice(frames, func(i, j int) bool { return frames[i].Offset < frames[j].Offset })
		next := 0
		for _, f := range frames {
			require.Equal(t, next, f.Offset, "seq %d delivered twice or with a gap", seq)
			next += len(f.Data)
		}
		assert.Equal(t, size, next)
	}
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, serve.DeviceUnavailable, serve.KindOf(a.Err()))
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, time.Millisecond)
}

func TestDisconnectDrainsWithoutAffectingOtherDevices(t *testing.T) {
	lost := newPool("lost")
	kept := newPool("kept")
	d := newDispatcher(poolMap{"lost": lost, "kept": kept}, nil)

	sl, err := d.Subscribe(context.Background(), Request{Credential: "tok-a", DeviceID: "lost"})
	require.NoError(t, err)
	sk, err := d.Subscribe(context.Background(), Request{Credential: "tok-b", DeviceID: "kept"})
	require.NoError(t, err)
	defer sk.Close()

	pushN(t, lost, 3, 32)
	lost.SetSourceAvailable(false)

	frames, final := collect(t, sl)
	n := 0
	for _, f := range frames {
		n += len(f.Data)
	}
	assert.Equal(t, 96, n, "residual bytes are delivered before closing")
	assert.Equal(t, ReasonDeviceUnavailable, final.Reason)
	assert.Equal(t, serve.DeviceUnavailable.String(), final.Status)

	pushN(t, kept, 1, 16)
	select {
	case f := <-sk.Frames():
		assert.Equal(t, "kept", f.Device)
		assert.Len(t, f.Data, 16)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription on the healthy device stalled")
	}
	assert.Equal(t, StateStreaming, sk.State())
}

// transitions records the target of every subscription state change.
type transitions struct {
	mu sync.Mutex
	to []string
}

func (r *transitions) Enabled(context.Context, slog.Level) bool { return true }

func (r *transitions) Handle(_ context.Context, rec slog.Record) error {
	if rec.Message != "subscription state changed" {
		return nil
	}
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "to" {
			r.mu.Lock()
			r.to = append(r.to, a.Value.String())
			r.mu.Unlock()
		}
		return true
	})
	return nil
}

func (r *transitions) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *transitions) WithGroup(string) slog.Handler      { return r }

func (r *transitions) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.to...)
}

func TestEmptyPoolDisconnectPassesThroughDraining(t *testing.T) {
	p := newPool("dev")
	rec := &transitions{}
	d := NewDispatcher(ratelimit.New(identities, ratelimit.Config{Logger: discard}), poolMap{"dev": p}, nil, Config{
		FrameBytes:   64,
		FrameBuffer:  4,
		DrainTimeout: time.Second,
		FinalWait:    time.Second,
		Logger:       slog.New(rec),
	})

	s, err := d.Subscribe(context.Background(), Request{Credential: "tok-a", DeviceID: "dev"})
	require.NoError(t, err)
	p.SetSourceAvailable(false)

	frames, final := collect(t, s)
	assert.Empty(t, frames)
	assert.Equal(t, ReasonDeviceUnavailable, final.Reason)
	assert.Equal(t, []string{"draining", "closed"}, rec.list())
}

func TestDrainingDeliversResidualBytes(t *testing.T) {
	p := newPool("dev")
	pushN(t, p, 8, 64)
	p.SetSourceAvailable(false)
	d := newDispatcher(poolMap{"dev": p}, nil)

	s, err := d.Subscribe(context.Background(), Request{Credential: "tok-a", DeviceID: "dev"})
	require.NoError(t, err)

	// The frame buffer holds 4; the subscription waits to send the rest.
	require.Eventually(t, func() bool { return len(s.Frames()) == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateDraining, s.State())

	frames, final := collect(t, s)
	assert.Len(t, frames, 8)
	assert.Equal(t, ReasonDeviceUnavailable, final.Reason)
	assert.Equal(t, StateClosed, s.State())
}

func TestDrainTimeoutBoundsSlowReader(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	p := newPool("dev")
	pushN(t, p, 8, 64)
	p.SetSourceAvailable(false)
	d := newDispatcher(poolMap{"dev": p}, clk)

	s, err := d.Subscribe(context.Background(), Request{Credential: "tok-a", DeviceID: "dev"})
	require.NoError(t, err)

	// Nobody reads: the subscription is stuck sending its fifth frame.
	require.Eventually(t, func() bool { return len(s.Frames()) == 4 }, 2*time.Second, time.Millisecond)
	blockUntilWaiting(t, clk)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return s.State() == StateClosed }, 2*time.Second, time.Millisecond)

	frames, final := collect(t, s)
	assert.Len(t, frames, 4)
	assert.Equal(t, ReasonDrainTimeout, final.Reason)
	assert.Equal(t, serve.DeviceUnavailable, serve.KindOf(s.Err()))
}

func TestThrottledResumesAfterRetryAfter(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	p := newPool("dev")
	pushN(t, p, 3, 100)
	d := newDispatcher(poolMap{"dev": p}, clk)

	s, err := d.Subscribe(context.Background(), Request{Credential: "tok-slow"})
	require.NoError(t, err)
	defer s.Close()

	first := <-s.Frames()
	assert.Len(t, first.Data, 64)
	second := <-s.Frames()
	assert.Len(t, second.Data, 36)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, 64, second.Offset)

	// Burst of 100 is spent; the next frame has to wait for refill.
	require.Eventually(t, func() bool { return s.State() == StateThrottled }, 2*time.Second, time.Millisecond)
	blockUntilWaiting(t, clk)
	select {
	case <-s.Frames():
		t.Fatal("frame delivered while throttled")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Second)
	select {
	case f := <-s.Frames():
		assert.NotEmpty(t, f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not resume")
	}
}

func TestDesiredRatePacesFrames(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	p := newPool("dev")
	pushN(t, p, 4, 64)
	d := newDispatcher(poolMap{"dev": p}, clk)

	s, err := d.Subscribe(context.Background(), Request{Credential: "tok-a", Rate: 32})
	require.NoError(t, err)
	defer s.Close()

	f := <-s.Frames()
	assert.Len(t, f.Data, 32, "frames are capped at one second of the desired rate")

	blockUntilWaiting(t, clk)
	select {
	case <-s.Frames():
		t.Fatal("frame delivered ahead of the desired rate")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Second)
	select {
	case f := <-s.Frames():
		assert.Len(t, f.Data, 32)
	case <-time.After(2 * time.Second):
		t.Fatal("paced frame never arrived")
	}
}

func TestClientCloseReleasesPromptly(t *testing.T) {
	p := newPool("dev")
	d := newDispatcher(poolMap{"dev": p}, nil)

	s, err := d.Subscribe(context.Background(), Request{Credential: "tok-a"})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	s.Close()

	frames, final := collect(t, s)
	assert.Empty(t, frames)
	assert.False(t, final.Final, "no terminal frame for a client-initiated close")
	assert.NoError(t, s.Err())
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, time.Millisecond)

	pushN(t, p, 1, 8)
	assert.Equal(t, 8, p.FillLevel().Buffered, "a closed subscription no longer pops")
}

func TestDispatcherCloseSendsShutdownFrame(t *testing.T) {
	p := newPool("dev")
	d := newDispatcher(poolMap{"dev": p}, nil)
	s, err := d.Subscribe(context.Background(), Request{Credential: "tok-a"})
	require.NoError(t, err)

	d.Close()
	_, final := collect(t, s)
	assert.True(t, final.Final)
	assert.Equal(t, ReasonShutdown, final.Reason)
	assert.Equal(t, serve.Shutdown, serve.KindOf(s.Err()))

	_, err = d.Subscribe(context.Background(), Request{Credential: "tok-a"})
	assert.Equal(t, serve.Shutdown, serve.KindOf(err))
}

func TestSubscribeRejections(t *testing.T) {
	down := pool.New(pool.Config{Device: "down", Capacity: 64, Logger: discard})
	d := newDispatcher(poolMap{"down": down}, nil)
	ctx := context.Background()

	_, err := d.Subscribe(ctx, Request{Credential: "bogus"})
	assert.Equal(t, serve.Unauthorized, serve.KindOf(err))
	_, err = d.Subscribe(ctx, Request{Credential: "tok-a", Rate: -1})
	assert.Equal(t, serve.InvalidRequest, serve.KindOf(err))
	_, err = d.Subscribe(ctx, Request{Credential: "tok-a", DeviceID: "ghost"})
	assert.Equal(t, serve.InvalidRequest, serve.KindOf(err))
	_, err = d.Subscribe(ctx, Request{Credential: "tok-a", DeviceID: "down"})
	assert.Equal(t, serve.DeviceUnavailable, serve.KindOf(err))
	_, err = d.Subscribe(ctx, Request{Credential: "tok-a"})
	assert.Equal(t, serve.DeviceUnavailable, serve.KindOf(err))
	assert.Zero(t, d.Active())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "throttled", StateThrottled.String())
	assert.Equal(t, "state(9)", State(9).String())
}
