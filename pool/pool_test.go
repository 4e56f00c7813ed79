package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thiagojm/qrngd/device"
)

func newTestPool(capacity int, policy Policy) *Pool {
	p := New(Config{
		Device:   "dev-1",
		Capacity: capacity,
		MaxWait:  20 * time.Millisecond,
		Policy:   policy,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p.SetSourceAvailable(true)
	return p
}

// pattern returns n bytes whose values are derived from seq and offset so
// any misplaced byte is detectable.
func pattern(seq uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(seq*31 + uint64(i))
	}
	return b
}

func chunk(seq uint64, n int) device.Chunk {
	return device.Chunk{Device: "dev-1", Seq: seq, Data: pattern(seq, n)}
}

func TestPopIsFIFOAndSplitsChunks(t *testing.T) {
	p := newTestPool(1024, RejectNewest)
	ctx := context.Background()
	require.NoError(t, p.Push(ctx, chunk(1, 10)))
	require.NoError(t, p.Push(ctx, chunk(2, 10)))

	a, err := p.Pop(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, 0, a.Offset)
	assert.Equal(t, pattern(1, 10)[:4], a.Data)

	b, err := p.Pop(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Seq)
	assert.Equal(t, 4, b.Offset)
	assert.Equal(t, pattern(1, 10)[4:], b.Data)

	c, err := p.Pop(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.Seq)
	assert.Len(t, c.Data, 10)

	assert.Equal(t, 0, p.FillLevel().Buffered)
	assert.Equal(t, uint64(20), p.Stats().PoppedBytes)
}

func TestConcurrentPopsAreDisjointAndComplete(t *testing.T) {
	const (
		chunks    = 300
		chunkSize = 97
		consumers = 8
	)
	p := newTestPool(4096, BlockProducer)
	ctx := context.Background()

	go func() {
		for seq := uint64(1); seq <= chunks; seq++ {
			if err := p.Push(ctx, chunk(seq, chunkSize)); err != nil {
				t.Errorf("push: %v", err)
				return
			}
		}
		p.SetSourceAvailable(false)
	}()

	var mu sync.Mutex
	got := make(map[uint64][]device.Chunk)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				c, err := p.Pop(ctx, 1+rng.Intn(150))
				if errors.Is(err, ErrSourceDown) {
					return
				}
				if errors.Is(err, ErrEmpty) {
					continue
				}
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				mu.Lock()
				got[c.Seq] = append(got[c.Seq], c)
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	require.Len(t, got, chunks)
	total := 0
	for seq, parts := range got {
		sort.Slice(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })
		want := pattern(seq, chunkSize)
		next := 0
		for _, part := range parts {
			require.Equal(t, next, part.Offset, "seq %d has a gap or overlap", seq)
			require.Equal(t, want[part.Offset:part.Offset+part.Len()], part.Data)
			next += part.Len()
			total += part.Len()
		}
		require.Equal(t, chunkSize, next)
	}
	assert.Equal(t, chunks*chunkSize, total)
	assert.Equal(t, uint64(total), p.Stats().PoppedBytes)
}

func TestRejectNewest(t *testing.T) {
	p := newTestPool(16, RejectNewest)
	ctx := context.Background()
	require.NoError(t, p.Push(ctx, chunk(1, 10)))

	err := p.Push(ctx, chunk(2, 10))
	require.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 10, p.FillLevel().Buffered)
	assert.Equal(t, uint64(10), p.Stats().RejectedBytes)

	c, err := p.Pop(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Seq)
}

func TestDropOldest(t *testing.T) {
	p := newTestPool(20, DropOldest)
	ctx := context.Background()
	require.NoError(t, p.Push(ctx, chunk(1, 8)))
	require.NoError(t, p.Push(ctx, chunk(2, 8)))
	require.NoError(t, p.Push(ctx, chunk(3, 8)))

	assert.Equal(t, 16, p.FillLevel().Buffered)
	assert.Equal(t, uint64(8), p.Stats().DroppedBytes)

	c, err := p.Pop(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.Seq)
}

func TestBlockProducerWaitsForSpace(t *testing.T) {
	p := newTestPool(16, BlockProducer)
	ctx := context.Background()
	require.NoError(t, p.Push(ctx, chunk(1, 12)))

	pushed := make(chan error, 1)
	go func() { pushed <- p.Push(ctx, chunk(2, 12)) }()

	select {
	case <-pushed:
		t.Fatal("push should block while the pool is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, err := p.Pop(ctx, 12)
	require.NoError(t, err)
	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not resume after pop")
	}

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err = p.Push(cctx, chunk(3, 12))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPushChunkTooLarge(t *testing.T) {
	p := newTestPool(8, DropOldest)
	err := p.Push(context.Background(), chunk(1, 9))
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestPopEmptyAndSourceDown(t *testing.T) {
	p := newTestPool(64, DropOldest)
	ctx := context.Background()

	start := time.Now()
	_, err := p.Pop(ctx, 8)
	require.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	require.NoError(t, p.Push(ctx, chunk(1, 4)))
	p.SetSourceAvailable(false)

	c, err := p.Pop(ctx, 8)
	require.NoError(t, err, "residual bytes are still delivered")
	assert.Len(t, c.Data, 4)

	_, err = p.Pop(ctx, 8)
	assert.ErrorIs(t, err, ErrSourceDown)
}

func TestPopWakesOnPush(t *testing.T) {
	p := New(Config{Device: "dev-1", Capacity: 64, MaxWait: time.Second,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	p.SetSourceAvailable(true)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.Push(context.Background(), chunk(9, 5))
	}()
	c, err := p.Pop(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), c.Seq)
}

func TestPopWakesOnSourceDown(t *testing.T) {
	p := New(Config{Device: "dev-1", Capacity: 64, MaxWait: 5 * time.Second,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	p.SetSourceAvailable(true)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.SetSourceAvailable(false)
	}()
	start := time.Now()
	_, err := p.Pop(context.Background(), 8)
	assert.ErrorIs(t, err, ErrSourceDown)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPopHonoursCancellation(t *testing.T) {
	p := New(Config{Device: "dev-1", Capacity: 64, MaxWait: 5 * time.Second,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	p.SetSourceAvailable(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Pop(ctx, 8)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFillLevelWatermarks(t *testing.T) {
	p := New(Config{Device: "dev-1", Capacity: 100, LowWatermark: 20, HighWatermark: 80,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx := context.Background()

	f := p.FillLevel()
	assert.True(t, f.BelowLow)
	assert.False(t, f.AboveHigh)

	require.NoError(t, p.Push(ctx, chunk(1, 85)))
	f = p.FillLevel()
	assert.Equal(t, 85, f.Buffered)
	assert.InDelta(t, 85.0, f.Percent, 0.001)
	assert.True(t, f.AboveHigh)
	assert.False(t, f.BelowLow)
}

func TestFeedPushesUntilInputCloses(t *testing.T) {
	p := newTestPool(1024, RejectNewest)
	in := make(chan device.Chunk, 4)
	in <- chunk(1, 10)
	in <- chunk(2, 10)
	close(in)

	require.NoError(t, p.Feed(context.Background(), in))
	assert.Equal(t, 20, p.FillLevel().Buffered)
}

func TestClose(t *testing.T) {
	p := newTestPool(64, DropOldest)
	ctx := context.Background()
	require.NoError(t, p.Push(ctx, chunk(1, 4)))
	p.Close()

	_, err := p.Pop(ctx, 8)
	require.NoError(t, err)
	_, err = p.Pop(ctx, 8)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Push(ctx, chunk(2, 4)), ErrClosed)
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"drop-oldest", "reject-newest", "block-producer"} {
		p, err := ParsePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.String())
	}
	_, err := ParsePolicy("lifo")
	assert.Error(t, err)
}

func TestFullestPrefersBufferedAvailablePool(t *testing.T) {
	ctx := context.Background()
	a := newTestPool(1024, DropOldest)
	require.NoError(t, a.Push(ctx, chunk(1, 10)))
	b := newTestPool(1024, DropOldest)
	require.NoError(t, b.Push(ctx, chunk(1, 300)))
	c := New(Config{Device: "down", Capacity: 64, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	assert.Same(t, b, Fullest([]*Pool{a, b, c}))
	assert.Nil(t, Fullest([]*Pool{c}))

	// A down device with residual bytes still qualifies.
	require.NoError(t, c.Push(ctx, chunk(1, 5)))
	assert.Same(t, c, Fullest([]*Pool{c}))
}
