package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/pool"
	"github.com/tphakala/audiokernel/internal/recovery"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *pool.Pool) {
	t.Helper()
	p, err := pool.New(pool.DefaultConfig(), pool.WithLogger(logger.NewDiscard()))
	require.NoError(t, err)
	m, err := New(p, cfg, WithLogger(logger.NewDiscard()))
	require.NoError(t, err)
	return m, p
}

func smallConfig() Config {
	return Config{CaptureDepth: 4, ProcessingDepth: 2, StorageDepth: 1}
}

func TestQueueIDNames(t *testing.T) {
	t.Parallel()

	for _, id := range QueueIDs {
		got, err := ParseQueueID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	assert.Equal(t, "capture_left", CaptureLeft.String())

	_, err := ParseQueueID("transcription_left")
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestDefaultDepths(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, DefaultConfig())
	caps := map[string]int{}
	for _, s := range m.Stats() {
		caps[s.Queue] = s.Capacity
	}
	assert.Equal(t, 1000, caps["capture_left"])
	assert.Equal(t, 1000, caps["capture_right"])
	assert.Equal(t, 500, caps["processing_left"])
	assert.Equal(t, 250, caps["storage_right"])
}

func TestFIFOAndPoolAccounting(t *testing.T) {
	t.Parallel()

	m, p := newTestManager(t, smallConfig())
	ctx := context.Background()

	tx, err := m.BeginAtomicUpdate()
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, tx.Put(ctx, CaptureLeft, []byte(fmt.Sprintf("frame-%d", i)), 0))
	}
	assert.Equal(t, 3, p.Stats().InUse(), "each queued payload holds one pool buffer")

	for i := range 3 {
		data, err := tx.Get(ctx, CaptureLeft, 0)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("frame-%d", i), string(data))
	}
	require.NoError(t, tx.End())

	assert.Equal(t, 0, p.Stats().InUse(), "get releases the buffer")
	require.NoError(t, p.CheckInvariants())
}

func TestQueueBound(t *testing.T) {
	t.Parallel()

	m, p := newTestManager(t, smallConfig())
	ctx := context.Background()

	for range 4 {
		require.NoError(t, m.Put(ctx, CaptureRight, []byte("x"), 0))
	}

	start := time.Now()
	err := m.Put(ctx, CaptureRight, []byte("x"), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, errors.IsCapacity(err))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond, "put waits up to its timeout")

	assert.Equal(t, 4, m.Len(CaptureRight))
	assert.Equal(t, 4, p.Stats().InUse(), "the rejected payload's buffer went back to the pool")

	stats := m.Stats()[CaptureRight.index()]
	assert.Equal(t, 4, stats.HighWater)
	assert.Equal(t, uint64(1), stats.Timeouts)
}

func TestPutUnblocksWhenSpaceFrees(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, smallConfig())
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, StorageLeft, []byte("a"), 0))

	done := make(chan error, 1)
	go func() { done <- m.Put(ctx, StorageLeft, []byte("b"), 2*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	data, err := m.Get(ctx, StorageLeft, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
	require.NoError(t, <-done)

	data, err = m.Get(ctx, StorageLeft, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestGetTimeout(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, smallConfig())
	_, err := m.Get(context.Background(), ProcessingLeft, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrQueueEmpty)
	assert.True(t, errors.IsTransient(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Get(ctx, ProcessingLeft, time.Second)
	require.ErrorIs(t, err, ErrQueueEmpty)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
}

func TestBracketProtocol(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, smallConfig())
	ctx := context.Background()

	tx, err := m.BeginAtomicUpdate()
	require.NoError(t, err)
	assert.Equal(t, 1, m.OpenBrackets())
	require.NoError(t, tx.End())
	assert.Equal(t, 0, m.OpenBrackets())

	err = tx.Put(ctx, CaptureLeft, []byte("late"), 0)
	require.ErrorIs(t, err, ErrOutsideBracket)
	assert.True(t, errors.IsProtocol(err))

	_, err = tx.Get(ctx, CaptureLeft, 0)
	require.ErrorIs(t, err, ErrOutsideBracket)
	_, err = tx.GetState(nil)
	require.ErrorIs(t, err, ErrOutsideBracket)
	require.ErrorIs(t, tx.UpdateState(nil, func(*State) {}), ErrOutsideBracket)
	require.ErrorIs(t, tx.End(), ErrOutsideBracket)

	var nilTx *Tx
	require.ErrorIs(t, nilTx.Put(ctx, CaptureLeft, []byte("x"), 0), ErrOutsideBracket)
	assert.Equal(t, 0, m.Len(CaptureLeft))
}

func TestInvalidInput(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, smallConfig())
	ctx := context.Background()

	require.ErrorIs(t, m.Put(ctx, QueueID{Stage: 7}, []byte("x"), 0), ErrUnknownQueue)
	require.ErrorIs(t, m.Put(ctx, CaptureLeft, nil, 0), ErrEmptyPayload)

	err := m.Put(ctx, CaptureLeft, make([]byte, 2*1024*1024), 0)
	require.ErrorIs(t, err, pool.ErrNoSuitableTier)
}

func TestUpdateStatePausesStage(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, smallConfig())
	ctx := context.Background()

	tx, err := m.BeginAtomicUpdate()
	require.NoError(t, err)
	defer func() { _ = tx.End() }()

	require.NoError(t, tx.UpdateState(nil, func(s *State) { s.ProcessingPaused = true }))
	state, err := tx.GetState(nil)
	require.NoError(t, err)
	assert.True(t, state.ProcessingPaused)

	err = tx.Put(ctx, ProcessingRight, []byte("x"), 0)
	require.ErrorIs(t, err, ErrFlushing)
	assert.True(t, errors.IsTransient(err))
	require.NoError(t, tx.Put(ctx, CaptureRight, []byte("x"), 0))

	require.NoError(t, tx.UpdateState(nil, func(s *State) { s.ProcessingPaused = false }))
	require.NoError(t, tx.Put(ctx, ProcessingRight, []byte("x"), 0))
}

func TestStateWithCallerGuard(t *testing.T) {
	t.Parallel()

	locks := locking.NewHierarchy(locking.WithLogger(logger.NewDiscard()), locking.WithTimeout(100*time.Millisecond))
	p, err := pool.New(pool.DefaultConfig(), pool.WithLogger(logger.NewDiscard()))
	require.NoError(t, err)
	m, err := New(p, smallConfig(), WithLogger(logger.NewDiscard()), WithLocks(locks))
	require.NoError(t, err)

	tx, err := m.BeginAtomicUpdate()
	require.NoError(t, err)
	defer func() { _ = tx.End() }()

	g, err := locks.Acquire(locking.LevelState, locking.LevelComponent)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateState(g, func(s *State) { s.StoragePaused = true }))
	assert.Equal(t, []locking.Level{locking.LevelState, locking.LevelComponent}, g.Held(),
		"the atomic-update level is released again after the update")

	require.NoError(t, g.Extend(locking.LevelAtomicUpdate))
	state, err := tx.GetState(g)
	require.NoError(t, err)
	assert.True(t, state.StoragePaused)
	g.Release()

	assert.Empty(t, locks.HeldLevels())
}

func TestFlushOnRecovery(t *testing.T) {
	t.Parallel()

	m, p := newTestManager(t, smallConfig())
	sm := recovery.New(recovery.WithLogger(logger.NewDiscard()))
	t.Cleanup(sm.Close)
	m.AttachRecovery(sm)
	ctx := context.Background()

	for _, id := range []QueueID{CaptureLeft, CaptureRight, ProcessingLeft, StorageRight} {
		require.NoError(t, m.Put(ctx, id, []byte("pcm"), 0))
	}
	require.Equal(t, 4, p.Stats().InUse())

	require.NoError(t, sm.RunSequence(ctx, recovery.Initiating, recovery.StoppingCapture))
	require.ErrorIs(t, m.Put(ctx, CaptureLeft, []byte("pcm"), 0), ErrFlushing, "capture is paused")
	require.NoError(t, m.Put(ctx, ProcessingRight, []byte("pcm"), 0))

	require.NoError(t, sm.TransitionTo(ctx, recovery.FlushingBuffers))
	assert.Equal(t, 0, m.Pending(), "flushing drains synchronously")
	assert.Equal(t, 0, p.Stats().InUse())
	require.ErrorIs(t, m.Put(ctx, StorageLeft, []byte("pcm"), 0), ErrFlushing)

	require.NoError(t, sm.TransitionTo(ctx, recovery.Reinitializing))
	require.NoError(t, m.Put(ctx, CaptureLeft, []byte("pcm"), 0), "flags clear on reinitializing")

	var drained uint64
	for _, s := range m.Stats() {
		drained += s.Drained
	}
	assert.Equal(t, uint64(5), drained)
	require.NoError(t, p.CheckInvariants())
}

func TestReinitializingRequiresDrainedChannels(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, smallConfig())
	sm := recovery.New(recovery.WithLogger(logger.NewDiscard()))
	t.Cleanup(sm.Close)
	m.AttachRecovery(sm)
	ctx := context.Background()

	require.NoError(t, sm.RunSequence(ctx,
		recovery.Initiating, recovery.StoppingCaptureLeft, recovery.FlushingBuffersLeft))

	require.NoError(t, m.Put(ctx, ProcessingRight, []byte("right"), 0), "only the left channel is flushing")
	require.ErrorIs(t, m.Put(ctx, ProcessingLeft, []byte("left"), 0), ErrFlushing)

	// a put that slipped in after the drain
	tx, err := m.BeginAtomicUpdate()
	require.NoError(t, err)
	require.NoError(t, tx.UpdateState(nil, func(s *State) { s.FlushingLeft = false }))
	require.NoError(t, tx.Put(ctx, ProcessingLeft, []byte("late"), 0))
	require.NoError(t, tx.UpdateState(nil, func(s *State) { s.FlushingLeft = true }))
	require.NoError(t, tx.End())

	err = sm.TransitionTo(ctx, recovery.Reinitializing)
	require.ErrorIs(t, err, recovery.ErrInvariantViolated)
	require.ErrorIs(t, err, ErrNotDrained)
	assert.Equal(t, recovery.FlushingBuffersLeft, sm.State())

	n, err := m.DrainChannel(ChannelLeft)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, sm.TransitionTo(ctx, recovery.Reinitializing))
	assert.Equal(t, 1, m.Len(ProcessingRight), "the right channel is left alone")
}

func TestDrainStagesInsideCleanupScope(t *testing.T) {
	t.Parallel()

	m, p := newTestManager(t, smallConfig())
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, CaptureLeft, []byte("a"), 0))
	require.NoError(t, m.Put(ctx, CaptureRight, []byte("b"), 0))

	require.NoError(t, p.BeginCleanupScope())
	n, err := m.DrainChannel(ChannelLeft)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.TierStats(pool.TierSmall).Pending)

	returned, err := p.EndCleanupScope()
	require.NoError(t, err)
	assert.Equal(t, 1, returned)
	assert.Equal(t, 1, m.Pending())

	_, err = m.DrainChannel(Channel(5))
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestCloseDrainsAndRejects(t *testing.T) {
	t.Parallel()

	m, p := newTestManager(t, smallConfig())
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, ProcessingLeft, []byte("x"), 0))
	require.NoError(t, m.Put(ctx, ProcessingLeft, []byte("y"), 0))
	require.NoError(t, m.Put(ctx, StorageRight, []byte("z"), 0))

	n, err := m.Close()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, p.Stats().InUse())

	_, err = m.Close()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, m.Put(ctx, CaptureLeft, []byte("x"), 0), ErrClosed)
}

func TestShutdownFlagRejectsDataButNotDrain(t *testing.T) {
	t.Parallel()

	errStopped := errors.NewStd("stopped")
	var stopped atomic.Bool
	p, err := pool.New(pool.DefaultConfig(), pool.WithLogger(logger.NewDiscard()))
	require.NoError(t, err)
	m, err := New(p, smallConfig(),
		WithLogger(logger.NewDiscard()),
		WithShutdownFlag(stopped.Load, errStopped))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Put(ctx, CaptureLeft, []byte("a"), 0))
	require.NoError(t, m.Put(ctx, CaptureRight, []byte("b"), 0))

	stopped.Store(true)
	err = m.Put(ctx, CaptureLeft, []byte("c"), 0)
	require.ErrorIs(t, err, errStopped)
	_, err = m.Get(ctx, CaptureLeft, 0)
	require.ErrorIs(t, err, errStopped)

	// an open bracket is refused too, but state reads still work
	tx, err := m.BeginAtomicUpdate()
	require.NoError(t, err)
	require.ErrorIs(t, tx.Put(ctx, CaptureLeft, []byte("d"), 0), errStopped)
	_, err = tx.GetState(nil)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	n, err := m.Drain()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, p.Stats().InUse())
	_, err = m.Close()
	require.NoError(t, err)
}

// Concurrent producers and consumers must neither lose nor duplicate
// payloads, and every buffer must be back in the pool at the end.
func TestConcurrentPipelineConservation(t *testing.T) {
	t.Parallel()

	m, p := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	const perProducer = 300

	var wg sync.WaitGroup
	received := make([]map[string]int, 2)
	for c := range channelCount {
		received[c] = map[string]int{}
		id := QueueID{StageCapture, c}

		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				assert.NoError(t, m.Put(ctx, id, []byte(fmt.Sprintf("%s-%d", id, i)), time.Second))
			}
		}()
		go func() {
			defer wg.Done()
			for range perProducer {
				data, err := m.Get(ctx, id, time.Second)
				if !assert.NoError(t, err) {
					return
				}
				received[c][string(data)]++
			}
		}()
	}
	wg.Wait()

	for c := range channelCount {
		assert.Len(t, received[c], perProducer)
		for k, v := range received[c] {
			assert.Equal(t, 1, v, k)
		}
	}
	assert.Equal(t, 0, p.Stats().InUse())
	require.NoError(t, p.CheckInvariants())
}
