package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	n   int
	err error
}

// scriptedSource replays steps, then produces counter bytes forever.
type scriptedSource struct {
	mu     sync.Mutex
	steps  []step
	next   byte
	closed atomic.Bool
}

func (s *scriptedSource) Read(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) > 0 {
		st := s.steps[0]
		s.steps = s.steps[1:]
		if st.err != nil {
			return 0, st.err
		}
		buf = buf[:st.n]
	}
	for i := range buf {
		buf[i] = s.next
		s.next++
	}
	return len(buf), nil
}

func (s *scriptedSource) Close() error {
	s.closed.Store(true)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(id string) Config {
	return Config{
		ID:             id,
		Kind:           "pseudo",
		ChunkSize:      64,
		ReadTimeout:    50 * time.Millisecond,
		MaxRetries:     3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		ReopenInterval: time.Millisecond,
		MaxReopenDelay: 2 * time.Millisecond,
		Logger:         quietLogger(),
	}
}

func openerFor(srcs ...*scriptedSource) (Opener, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) (Source, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(srcs) {
			return nil, errors.New("no more sources")
		}
		return srcs[i], nil
	}, &calls
}

func TestOpenIsExclusivePerDevice(t *testing.T) {
	open, _ := openerFor(&scriptedSource{}, &scriptedSource{})
	first, err := NewChannel(testConfig("excl-1"), open)
	require.NoError(t, err)
	second, err := NewChannel(testConfig("excl-1"), open)
	require.NoError(t, err)

	require.NoError(t, first.Open(context.Background()))
	assert.Equal(t, StatusIdle, first.Status())

	err = second.Open(context.Background())
	require.ErrorIs(t, err, ErrInUse)

	require.NoError(t, first.Close())
	require.NoError(t, second.Open(context.Background()))
	require.NoError(t, second.Close())
}

// locatedSource is a scriptedSource attached at a fixed location.
type locatedSource struct {
	*scriptedSource
	at string
}

func (l locatedSource) Location() string { return l.at }

func TestOpenIsExclusivePerLocation(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context) (Source, error) {
		opens.Add(1)
		return locatedSource{&scriptedSource{}, "usb 1-4"}, nil
	}
	a, err := NewChannel(testConfig("alias-a"), open)
	require.NoError(t, err)
	b, err := NewChannel(testConfig("alias-b"), open)
	require.NoError(t, err)

	require.NoError(t, a.Open(context.Background()))
	assert.Equal(t, "usb 1-4", a.Location())

	err = b.Open(context.Background())
	require.ErrorIs(t, err, ErrInUse)
	assert.Equal(t, StatusDisconnected, b.Status())
	assert.Empty(t, b.Location())

	// The refused channel released its own id claim and left a's alone.
	require.NoError(t, b.Close())
	_, err = a.ReadChunk(context.Background(), 4)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, b.Open(context.Background()))
	assert.Equal(t, "usb 1-4", b.Location())
	require.NoError(t, b.Close())
	assert.Equal(t, int32(3), opens.Load())
}

func TestReopenAtNewLocationMovesClaim(t *testing.T) {
	locs := []string{"serial /dev/ttyACM0", "serial /dev/ttyACM1"}
	var n atomic.Int32
	open := func(ctx context.Context) (Source, error) {
		i := int(n.Add(1)) - 1
		return locatedSource{&scriptedSource{steps: []step{{err: ErrDisconnected}}}, locs[i%2]}, nil
	}
	ch, err := NewChannel(testConfig("moving"), open)
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))
	_, err = ch.ReadChunk(context.Background(), 4)
	require.Error(t, err)

	require.NoError(t, ch.Open(context.Background()))
	assert.Equal(t, "serial /dev/ttyACM1", ch.Location())

	// The first port is free again.
	other, err := NewChannel(testConfig("other"), func(ctx context.Context) (Source, error) {
		return locatedSource{&scriptedSource{}, "serial /dev/ttyACM0"}, nil
	})
	require.NoError(t, err)
	require.NoError(t, other.Open(context.Background()))
	require.NoError(t, other.Close())
	require.NoError(t, ch.Close())
}

func TestReadChunkAssignsIncreasingSequence(t *testing.T) {
	open, _ := openerFor(&scriptedSource{})
	ch, err := NewChannel(testConfig("seq-1"), open)
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	a, err := ch.ReadChunk(context.Background(), 16)
	require.NoError(t, err)
	b, err := ch.ReadChunk(context.Background(), 16)
	require.NoError(t, err)

	assert.Equal(t, "seq-1", a.Device)
	assert.Len(t, a.Data, 16)
	assert.Less(t, a.Seq, b.Seq)
	assert.Equal(t, StatusReading, ch.Status())
	assert.Equal(t, uint64(32), ch.Stats().Bytes)
}

func TestReadChunkRetriesTransientErrors(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: ErrTimeout}, {err: ErrTimeout}, {n: 8}}}
	open, _ := openerFor(src)
	ch, err := NewChannel(testConfig("retry-1"), open)
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	chunk, err := ch.ReadChunk(context.Background(), 32)
	require.NoError(t, err)
	assert.Len(t, chunk.Data, 8)
	assert.Equal(t, uint64(2), ch.Stats().Retries)
	assert.Equal(t, StatusReading, ch.Status())
}

func TestReadChunkDegradesAfterRetryCap(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{err: ErrTimeout}, {err: ErrTimeout}, {err: ErrTimeout}, {err: ErrTimeout},
	}}
	open, _ := openerFor(src)
	ch, err := NewChannel(testConfig("degrade-1"), open)
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	_, err = ch.ReadChunk(context.Background(), 32)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransient))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StatusDegraded, ch.Status())

	// The next successful read recovers.
	_, err = ch.ReadChunk(context.Background(), 32)
	require.NoError(t, err)
	assert.Equal(t, StatusReading, ch.Status())
}

func TestReadChunkDisconnect(t *testing.T) {
	src := &scriptedSource{steps: []step{{err: ErrDisconnected}}}
	open, _ := openerFor(src)
	ch, err := NewChannel(testConfig("disc-1"), open)
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	_, err = ch.ReadChunk(context.Background(), 32)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDisconnected))
	assert.Equal(t, StatusDisconnected, ch.Status())
	assert.True(t, src.closed.Load())

	_, err = ch.ReadChunk(context.Background(), 32)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRunReopensAfterDisconnect(t *testing.T) {
	first := &scriptedSource{steps: []step{{n: 4}, {err: ErrDisconnected}}}
	second := &scriptedSource{}
	open, calls := openerFor(first, second)
	ch, err := NewChannel(testConfig("run-1"), open)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Chunk)
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx, out) }()

	var got []Chunk
	for len(got) < 3 {
		select {
		case c := <-out:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatal("read loop stalled")
		}
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint64(1), ch.Stats().Reopens)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Seq, got[i].Seq)
	}
	assert.Equal(t, StatusDisconnected, ch.Status())
}

func TestRunQualityRejectionDegrades(t *testing.T) {
	open, _ := openerFor(&scriptedSource{})
	cfg := testConfig("quality-1")
	cfg.MaxQualityFailures = 2
	var reject atomic.Bool
	reject.Store(true)
	cfg.Quality = func(b []byte) error {
		if reject.Load() {
			return errors.New("stuck bits")
		}
		return nil
	}
	ch, err := NewChannel(cfg, open)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Chunk)
	go ch.Run(ctx, out)

	require.Eventually(t, func() bool { return ch.Status() == StatusDegraded }, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, ch.Stats().QualityRejects, uint64(2))

	reject.Store(false)
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk after quality recovered")
	}
	assert.Equal(t, StatusReading, ch.Status())
}

func TestWatchKeepsLatestStatus(t *testing.T) {
	open, _ := openerFor(&scriptedSource{})
	ch, err := NewChannel(testConfig("watch-1"), open)
	require.NoError(t, err)

	require.NoError(t, ch.Open(context.Background()))
	_, err = ch.ReadChunk(context.Background(), 4)
	require.NoError(t, err)

	assert.Equal(t, StatusReading, <-ch.Watch())
	require.NoError(t, ch.Close())
	assert.Equal(t, StatusDisconnected, <-ch.Watch())
}

func TestBackOffDoublesUpToCap(t *testing.T) {
	b := newBackOff(10*time.Millisecond, 100*time.Millisecond, clockwork.NewFakeClock())
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
	}, got)

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestChunkSplit(t *testing.T) {
	c := Chunk{Device: "d", Seq: 7, Data: []byte{1, 2, 3, 4, 5}}
	head, rest := c.Split(2)
	assert.Equal(t, []byte{1, 2}, head.Data)
	assert.Equal(t, 0, head.Offset)
	assert.Equal(t, []byte{3, 4, 5}, rest.Data)
	assert.Equal(t, 2, rest.Offset)
	assert.Equal(t, uint64(7), rest.Seq)

	all, empty := c.Split(10)
	assert.Equal(t, c, all)
	assert.Zero(t, empty.Len())
}

func TestStatusText(t *testing.T) {
	b, err := StatusDegraded.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "degraded", string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("reading")))
	assert.Equal(t, StatusReading, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
	assert.True(t, StatusDegraded.Producing())
	assert.False(t, StatusDisconnected.Producing())
}
