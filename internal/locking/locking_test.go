package locking

import (
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHierarchy(opts ...Option) *Hierarchy {
	return NewHierarchy(append([]Option{WithLogger(logger.NewDiscard())}, opts...)...)
}

func TestAcquireInOrder(t *testing.T) {
	t.Parallel()

	h := newTestHierarchy()
	g, err := h.Acquire(LevelState, LevelComponent)
	require.NoError(t, err)
	assert.True(t, g.Holds(LevelState))
	assert.True(t, g.Holds(LevelComponent))
	assert.False(t, g.Holds(LevelMetrics))
	assert.Equal(t, []Level{LevelState, LevelComponent}, h.HeldLevels())

	require.NoError(t, g.Extend(LevelAtomicUpdate))
	assert.Equal(t, []Level{LevelState, LevelComponent, LevelAtomicUpdate}, g.Held())

	g.Release()
	g.Release()
	assert.Empty(t, h.HeldLevels())
}

func TestAcquireOutOfOrderRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		levels []Level
	}{
		{"descending", []Level{LevelComponent, LevelState}},
		{"duplicate", []Level{LevelMetrics, LevelMetrics}},
		{"unknown level", []Level{Level(42)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestHierarchy()
			_, err := h.Acquire(tt.levels...)
			require.ErrorIs(t, err, ErrLockOrder)
			assert.True(t, errors.IsProtocol(err))
			assert.Empty(t, h.HeldLevels(), "no lock may be held after a rejected acquisition")
		})
	}
}

func TestExtendBelowHeldRejected(t *testing.T) {
	t.Parallel()

	h := newTestHierarchy()
	g, err := h.Acquire(LevelPerformance)
	require.NoError(t, err)
	defer g.Release()

	err = g.Extend(LevelMetrics)
	require.ErrorIs(t, err, ErrLockOrder)
	assert.Equal(t, []Level{LevelPerformance}, h.HeldLevels())
}

func TestTimeoutRollsBackPartialAcquisition(t *testing.T) {
	t.Parallel()

	var timedOut []Level
	var mu sync.Mutex
	h := newTestHierarchy(WithTimeoutHook(func(l Level) {
		mu.Lock()
		defer mu.Unlock()
		timedOut = append(timedOut, l)
	}))

	blocker, err := h.Acquire(LevelComponent)
	require.NoError(t, err)

	_, err = h.AcquireTimeout(30*time.Millisecond, LevelState, LevelMetrics, LevelComponent, LevelAtomicUpdate)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, errors.IsTransient(err))

	assert.False(t, h.IsHeld(LevelState))
	assert.False(t, h.IsHeld(LevelMetrics))
	assert.False(t, h.IsHeld(LevelAtomicUpdate))
	assert.True(t, h.IsHeld(LevelComponent), "the blocker still holds its lock")

	blocker.Release()
	assert.Empty(t, h.HeldLevels())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Level{LevelComponent}, timedOut)
}

func TestReleasedGuardCannotExtend(t *testing.T) {
	t.Parallel()

	h := newTestHierarchy()
	g, err := h.Acquire(LevelState)
	require.NoError(t, err)
	g.Release()

	require.ErrorIs(t, g.Extend(LevelMetrics), ErrGuardReleased)
	assert.Empty(t, h.HeldLevels())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, l := range Levels {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("bogus")
	require.Error(t, err)
}

// Many goroutines take random, hierarchy-respecting subsets. The run must
// finish within the budget and leave nothing held.
func TestHierarchyStressNoDeadlock(t *testing.T) {
	t.Parallel()

	h := newTestHierarchy(WithTimeout(time.Second))
	const workers = 16
	const iterations = 200

	var wg sync.WaitGroup
	var failures sync.Map
	for w := range workers {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed*31+7))
			for range iterations {
				subset := randomSubset(r)
				g, err := h.Acquire(subset[:len(subset)/2+1]...)
				if err != nil {
					failures.Store(seed, err)
					return
				}
				if rest := subset[len(subset)/2+1:]; len(rest) > 0 {
					if err := g.Extend(rest...); err != nil {
						g.Release()
						failures.Store(seed, err)
						return
					}
				}
				g.Release()
			}
		}(uint64(w) + 1)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lock hierarchy stress test deadlocked")
	}

	failures.Range(func(k, v any) bool {
		t.Errorf("worker %v: %v", k, v)
		return true
	})
	assert.Empty(t, h.HeldLevels())
}

func randomSubset(r *rand.Rand) []Level {
	var subset []Level
	for _, l := range Levels {
		if r.IntN(2) == 0 {
			subset = append(subset, l)
		}
	}
	if len(subset) == 0 {
		subset = append(subset, Levels[r.IntN(len(Levels))])
	}
	sort.Slice(subset, func(i, j int) bool { return subset[i] < subset[j] })
	return subset
}
