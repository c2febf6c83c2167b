package pool

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

type recordingReporter struct {
	mu     sync.Mutex
	errors []error
}

func (r *recordingReporter) ReportError(_, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p, err := New(DefaultConfig(), append([]Option{WithLogger(logger.NewDiscard())}, opts...)...)
	require.NoError(t, err)
	return p
}

func TestTierSelection(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	tests := []struct {
		size int
		want Tier
		ok   bool
	}{
		{1, TierSmall, true},
		{4096, TierSmall, true},
		{4097, TierMedium, true},
		{64 * 1024, TierMedium, true},
		{64*1024 + 1, TierLarge, true},
		{1024 * 1024, TierLarge, true},
		{1024*1024 + 1, 0, false},
	}
	for _, tt := range tests {
		got, ok := p.SelectTier(tt.size)
		assert.Equal(t, tt.ok, ok, "size %d", tt.size)
		if tt.ok {
			assert.Equal(t, tt.want, got, "size %d", tt.size)
		}
	}
}

func TestAllocateOversizedFails(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	_, err := p.Allocate(1024*1024 + 1)
	require.ErrorIs(t, err, ErrNoSuitableTier)
	assert.False(t, errors.Is(err, ErrExhausted))

	_, err = p.Allocate(0)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestLIFOReuse(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	b1, err := p.Allocate(100)
	require.NoError(t, err)
	b2, err := p.Allocate(200)
	require.NoError(t, err)

	require.NoError(t, p.Release(b1, false))
	require.NoError(t, p.Release(b2, false))

	first, err := p.Allocate(10)
	require.NoError(t, err)
	second, err := p.Allocate(10)
	require.NoError(t, err)

	assert.Same(t, b2, first)
	assert.Same(t, b1, second)
	assert.Equal(t, uint64(2), p.TierStats(TierSmall).Reuses)
}

func TestExhaustionAndReuse(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	held := make([]*Buffer, 0, 1000)
	for range 1000 {
		b, err := p.Allocate(4096)
		require.NoError(t, err)
		held = append(held, b)
	}

	_, err := p.Allocate(4096)
	require.ErrorIs(t, err, ErrExhausted)
	assert.True(t, errors.IsCapacity(err))
	assert.False(t, errors.Is(err, ErrNoSuitableTier))

	released := held[500]
	require.NoError(t, p.Release(released, false))

	b, err := p.Allocate(4096)
	require.NoError(t, err)
	assert.Same(t, released, b)

	stats := p.TierStats(TierSmall)
	assert.Equal(t, 1000, stats.TotalCreated)
	assert.Equal(t, 1000, stats.CurrentUsed)
	assert.Equal(t, uint64(1), stats.Exhausted)
	require.NoError(t, p.CheckInvariants())
}

func TestDoubleAndUnknownRelease(t *testing.T) {
	t.Parallel()

	reporter := &recordingReporter{}
	p := newTestPool(t, WithErrorReporter(reporter))

	b, err := p.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, p.Release(b, false))

	err = p.Release(b, false)
	require.ErrorIs(t, err, ErrDoubleRelease)
	assert.True(t, errors.IsProtocol(err))

	other := newTestPool(t)
	foreign, err := other.Allocate(64)
	require.NoError(t, err)
	require.ErrorIs(t, p.Release(foreign, false), ErrUnknownBuffer)
	require.ErrorIs(t, p.Release(nil, false), ErrUnknownBuffer)

	assert.Equal(t, 3, reporter.count())
	require.NoError(t, p.CheckInvariants())
}

func TestViews(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	b, err := p.Allocate(1000)
	require.NoError(t, err)
	copy(b.Bytes(), []byte("hello world"))

	v, err := p.NewView(b, 6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), v.Bytes())
	assert.Same(t, b, v.Buffer())

	v.Bytes()[0] = 'W'
	assert.Equal(t, byte('W'), b.Bytes()[6], "views are zero-copy")

	_, err = p.NewView(b, 990, 20)
	require.ErrorIs(t, err, ErrInvalidRange)

	require.NoError(t, p.ReleaseView(v))
	require.ErrorIs(t, p.ReleaseView(v), ErrUnknownView)
	assert.Equal(t, 1, p.TierStats(TierSmall).CurrentUsed, "releasing a view keeps the owner allocated")

	v2, err := p.NewView(b, 0, 10)
	require.NoError(t, err)
	require.NoError(t, p.Release(b, false))
	assert.Equal(t, 0, p.ViewCount(b))
	require.ErrorIs(t, p.ReleaseView(v2), ErrUnknownView)
	require.NoError(t, p.CheckInvariants())
}

func TestAllocateView(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	v, err := p.AllocateView(70000)
	require.NoError(t, err)
	assert.Equal(t, TierLarge, v.Buffer().Tier())
	assert.Equal(t, 70000, v.Len())
	assert.Equal(t, 1, p.ViewCount(v.Buffer()))
}

func TestStagedRelease(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	b, err := p.Allocate(128)
	require.NoError(t, err)

	require.ErrorIs(t, p.Release(b, true), ErrNoCleanupScope)

	require.NoError(t, p.BeginCleanupScope())
	require.NoError(t, p.Release(b, true))

	stats := p.TierStats(TierSmall)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.CurrentUsed, "pending buffers still count as used")
	assert.Equal(t, 0, stats.Free)
	require.NoError(t, p.CheckInvariants())

	require.ErrorIs(t, p.Release(b, false), ErrDoubleRelease)

	next, err := p.Allocate(128)
	require.NoError(t, err)
	assert.NotSame(t, b, next, "a pending buffer is never handed out")

	returned, err := p.EndCleanupScope()
	require.NoError(t, err)
	assert.Equal(t, 1, returned)

	stats = p.TierStats(TierSmall)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Free)
	assert.Equal(t, uint64(1), stats.Staged)
	require.NoError(t, p.CheckInvariants())

	_, err = p.EndCleanupScope()
	require.ErrorIs(t, err, ErrNoCleanupScope)
}

func TestStagedReleaseKeepsLIFOOrder(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	bufs := make([]*Buffer, 8)
	for i := range bufs {
		b, err := p.Allocate(64)
		require.NoError(t, err)
		bufs[i] = b
	}

	require.NoError(t, p.BeginCleanupScope())
	for _, b := range bufs {
		require.NoError(t, p.Release(b, true))
	}
	returned, err := p.EndCleanupScope()
	require.NoError(t, err)
	assert.Equal(t, len(bufs), returned)
	require.NoError(t, p.CheckInvariants())

	// most recently staged comes back first
	for i := len(bufs) - 1; i >= len(bufs)-3; i-- {
		next, err := p.Allocate(64)
		require.NoError(t, err)
		assert.Same(t, bufs[i], next, "allocation %d", len(bufs)-1-i)
	}
}

func TestPreallocate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Tiers[TierMedium].Preallocate = 4
	p, err := New(cfg, WithLogger(logger.NewDiscard()))
	require.NoError(t, err)

	stats := p.TierStats(TierMedium)
	assert.Equal(t, 4, stats.TotalCreated)
	assert.Equal(t, 4, stats.Free)

	_, err = p.Allocate(10000)
	require.NoError(t, err)
	assert.Equal(t, 4, p.TierStats(TierMedium).TotalCreated, "preallocated buffers are reused first")
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Tiers[TierLarge].Size = cfg.Tiers[TierMedium].Size
	_, err := New(cfg)
	require.Error(t, err)
}

func TestCloseOnce(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	_, err := p.Allocate(10)
	require.NoError(t, err)

	outstanding, err := p.Close()
	require.NoError(t, err)
	assert.Equal(t, 1, outstanding)

	_, err = p.Close()
	require.ErrorIs(t, err, ErrClosed)
	_, err = p.Allocate(10)
	require.ErrorIs(t, err, ErrClosed)
}

// Random allocate/release sequences must keep used == allocations - releases
// and never hand out a buffer that is still on the free list.
func TestConservationProperty(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	r := rand.New(rand.NewPCG(1, 2))
	live := map[*Buffer]struct{}{}
	var order []*Buffer

	for range 5000 {
		if len(order) == 0 || r.IntN(3) > 0 {
			size := 1 + r.IntN(2*1024*1024)
			b, err := p.Allocate(size)
			if err != nil {
				require.True(t, errors.Is(err, ErrExhausted) || errors.Is(err, ErrNoSuitableTier), err)
				continue
			}
			_, dup := live[b]
			require.False(t, dup, "allocate returned a buffer that is already live")
			live[b] = struct{}{}
			order = append(order, b)
		} else {
			i := r.IntN(len(order))
			b := order[i]
			order[i] = order[len(order)-1]
			order = order[:len(order)-1]
			delete(live, b)
			require.NoError(t, p.Release(b, false))
		}

		for _, ts := range p.Stats().Tiers {
			require.Equal(t, int(ts.Allocations-ts.Releases), ts.CurrentUsed, ts.Tier)
		}
	}
	require.NoError(t, p.CheckInvariants())
	assert.Equal(t, len(live), p.Stats().InUse())
}

func TestConcurrentAllocateRelease(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed))
			for range 500 {
				b, err := p.Allocate(1 + r.IntN(100000))
				if err != nil {
					continue
				}
				b.Bytes()[0] = byte(seed)
				assert.NoError(t, p.Release(b, false))
			}
		}(uint64(w))
	}
	wg.Wait()

	require.NoError(t, p.CheckInvariants())
	assert.Equal(t, 0, p.Stats().InUse())
}
