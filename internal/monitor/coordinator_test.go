package monitor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiokernel/internal/buffer"
	"github.com/tphakala/audiokernel/internal/cleanup"
	"github.com/tphakala/audiokernel/internal/component"
	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/notification"
	"github.com/tphakala/audiokernel/internal/recovery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSettings() *conf.Settings {
	s := conf.Default()
	s.Pool.Small = conf.TierSettings{Size: 64, MaxBuffers: 8}
	s.Pool.Medium = conf.TierSettings{Size: 256, MaxBuffers: 4}
	s.Pool.Large = conf.TierSettings{Size: 1024, MaxBuffers: 2}
	s.Queues = conf.QueueSettings{CaptureDepth: 4, ProcessingDepth: 4, StorageDepth: 4}
	s.Locks.AcquireTimeout = 200 * time.Millisecond
	s.Health.CheckInterval = 10 * time.Millisecond
	s.Health.FailureWindow = time.Minute
	s.Cleanup = conf.CleanupSettings{StepTimeout: 200 * time.Millisecond, VerifyRetries: 3, VerifyDelay: time.Millisecond}
	s.Alerts = conf.AlertSettings{Buffer: 64, DedupTTL: 0, RatePerSecond: 1000, Burst: 100}
	s.Metrics.Enabled = false
	return s
}

func newTestKernel(t *testing.T, mutate ...func(*conf.Settings)) *Coordinator {
	t.Helper()
	s := testSettings()
	for _, fn := range mutate {
		fn(s)
	}
	c, err := New(s, WithLogger(logger.NewDiscard()))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.Shutdown(context.Background()) })
	return c
}

// runComponent registers name and moves it to Running
func runComponent(t *testing.T, c *Coordinator, name string, deps ...string) {
	t.Helper()
	require.NoError(t, c.RegisterComponent(name, deps, nil))
	require.NoError(t, c.SetComponentState(name, component.Initializing, "test"))
	require.NoError(t, c.SetComponentState(name, component.Running, "test"))
}

func waitRecovery(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitRecovery(ctx))
}

// collectAlerts drains alerts that arrive within d
func collectAlerts(ch <-chan notification.Alert, d time.Duration) []notification.Alert {
	var out []notification.Alert
	timeout := time.After(d)
	for {
		select {
		case a, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, a)
		case <-timeout:
			return out
		}
	}
}

func alertTitles(alerts []notification.Alert) []string {
	titles := make([]string, 0, len(alerts))
	for _, a := range alerts {
		titles = append(titles, a.Title)
	}
	return titles
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := testSettings()
	s.Queues.CaptureDepth = 0
	_, err := New(s, WithLogger(logger.NewDiscard()))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNewWithDefaults(t *testing.T) {
	c, err := New(nil, WithLogger(logger.NewDiscard()))
	require.NoError(t, err)
	assert.Equal(t, conf.Default().Queues, c.Settings().Queues)
	assert.Equal(t, []string{StepStopCapture, StepFlushStorage, StepReleaseResources, StepClosePool, StepCloseLogs}, c.cleanup.Steps())

	res, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestFacadeOperations(t *testing.T) {
	c := newTestKernel(t)
	ctx := context.Background()

	buf, err := c.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pool().Stats().InUse())
	require.NoError(t, c.Release(buf))
	assert.Zero(t, c.Pool().Stats().InUse())

	tx, err := c.BeginAtomicUpdate()
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, buffer.CaptureLeft, []byte("frame"), 0))
	data, err := tx.Get(ctx, buffer.CaptureLeft, 0)
	require.NoError(t, err)
	require.NoError(t, tx.End())
	assert.Equal(t, []byte("frame"), data)

	runComponent(t, c, "capture_left")
	runComponent(t, c, "storage", "capture_left")
	state, err := c.Components().State("storage")
	require.NoError(t, err)
	assert.Equal(t, component.Running, state)

	done := make(chan struct{})
	require.NoError(t, c.RegisterThread("capture_left", "reader", done))
	require.NoError(t, c.Heartbeat("capture_left", "reader"))
	require.NoError(t, c.UnregisterThread("capture_left", "reader"))
	close(done)

	require.NoError(t, c.RegisterCleanupStep("close_files", func(context.Context) error { return nil },
		[]string{StepFlushStorage}, cleanup.InPhase(cleanup.FlushingStorage)))
}

func TestOperationsFailAfterShutdown(t *testing.T) {
	c := newTestKernel(t)
	_, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, c.IsShutdown())

	_, err = c.Allocate(10)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = c.BeginAtomicUpdate()
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, c.RegisterComponent("late", nil, nil), ErrShutdown)
	assert.ErrorIs(t, c.UpdateMetric(MetricCaptureLatency, 1), ErrShutdown)
	_, err = c.GetState()
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = c.TryAcquireLocks(10*time.Millisecond, locking.LevelState)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, c.Start(context.Background()), ErrShutdown)
}

func TestQueuesRejectDataOnceShutdownBegins(t *testing.T) {
	c := newTestKernel(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, buffer.CaptureLeft, []byte("frame"), 0))
	data, err := c.Get(ctx, buffer.CaptureLeft, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)

	var facadeErr, directErr error
	require.NoError(t, c.RegisterCleanupStep("late_writer", func(context.Context) error {
		facadeErr = c.Put(ctx, buffer.StorageLeft, []byte("late"), 0)
		directErr = c.Buffers().Put(ctx, buffer.StorageRight, []byte("late"), 0)
		return nil
	}, nil, cleanup.InPhase(cleanup.Initiating)))

	res, err := c.Shutdown(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.ErrorIs(t, facadeErr, ErrShutdown)
	assert.ErrorIs(t, directErr, ErrShutdown)
	assert.Zero(t, c.Buffers().Pending())

	_, err = c.Get(ctx, buffer.StorageLeft, 0)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownRunsCleanupOnce(t *testing.T) {
	c := newTestKernel(t)
	runComponent(t, c, "capture")
	runComponent(t, c, "storage", "capture")

	// a component holding a pool buffer gets it back on unregister
	_, err := c.Components().AllocateBuffer("storage", 32)
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, c.RegisterCleanupStep("count", func(context.Context) error {
		runs.Add(1)
		return nil
	}, []string{StepStopCapture}, cleanup.InPhase(cleanup.FlushingStorage)))

	var wg sync.WaitGroup
	results := make([]cleanup.Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Shutdown(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for _, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, results[0].RunID, res.RunID)
	}
	assert.True(t, c.Pool().Closed())
	assert.Empty(t, c.Components().Names())
	assert.Equal(t, recovery.Completed, c.Recovery().State())
}

func TestShutdownReportsFailedStep(t *testing.T) {
	c := newTestKernel(t)
	boom := fmt.Errorf("disk gone")
	require.NoError(t, c.RegisterCleanupStep("sync_disk", func(context.Context) error { return boom },
		[]string{StepFlushStorage}, cleanup.InPhase(cleanup.FlushingStorage)))
	require.NoError(t, c.RegisterCleanupStep("after_sync", func(context.Context) error { return nil },
		[]string{"sync_disk"}, cleanup.InPhase(cleanup.ReleasingResources)))

	res, err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Failed, "sync_disk")
	assert.Contains(t, res.Failed, "after_sync")
	assert.Equal(t, recovery.Failed, c.Recovery().State())

	again, err2 := c.Shutdown(context.Background())
	assert.Equal(t, err, err2)
	assert.Equal(t, res.RunID, again.RunID)
}

func TestReportErrorRecordsLastError(t *testing.T) {
	c := newTestKernel(t)
	before := time.Now()

	err := errors.Newf("bad frame size").
		Component("capture").
		Category(errors.CategoryValidation).
		WithStack().
		Build()
	c.ReportError("capture", "frame rejected", err)
	c.ReportError("storage", "write rejected", errors.NewStd("plain"))
	waitRecovery(t, c)

	stats := c.Errors()
	assert.Equal(t, uint64(2), stats.Count)
	require.NotNil(t, stats.Last)
	assert.Equal(t, "storage", stats.Last.Component)
	assert.Equal(t, "write rejected", stats.Last.Message)
	assert.Equal(t, "plain", stats.Last.Error)
	assert.NotEmpty(t, stats.Last.Stack)
	assert.False(t, stats.Last.Time.Before(before))
}

func TestProtocolErrorsDoNotRecover(t *testing.T) {
	c := newTestKernel(t)
	alerts, cancel := c.SubscribeAlerts(16)
	defer cancel()

	err := errors.Newf("released twice").
		Component("pool").
		Category(errors.CategoryProtocol).
		Build()
	c.ReportError("pool", "double release", err)
	c.ReportError("pool", "lock busy", errors.New(locking.ErrLockTimeout).Category(errors.CategoryTimeout).Build())

	assert.False(t, c.Recovering())
	assert.Equal(t, recovery.Idle, c.Recovery().State())
	assert.Equal(t, uint64(2), c.Errors().Count)

	got := collectAlerts(alerts, 100*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "Protocol error", got[0].Title)
	assert.Equal(t, notification.SeverityError, got[0].Severity)
}

func TestRecoveryRestoresErroredComponent(t *testing.T) {
	c := newTestKernel(t)
	runComponent(t, c, "capture")
	runComponent(t, c, "processing", "capture")

	var stops, reinits atomic.Int32
	require.NoError(t, c.RegisterRecoveryHandler("capture", RecoveryFuncs{
		Stop:   func(context.Context) error { stops.Add(1); return nil },
		Reinit: func(context.Context) error { reinits.Add(1); return nil },
	}))
	err := c.RegisterRecoveryHandler("capture", RecoveryFuncs{})
	assert.ErrorIs(t, err, ErrDuplicateHandler)
	assert.Error(t, c.RegisterRecoveryHandler("missing", RecoveryFuncs{}))

	// queued data is flushed back to the pool
	require.NoError(t, c.Buffers().Put(context.Background(), buffer.ProcessingRight, []byte("stale"), 0))

	alerts, cancel := c.SubscribeAlerts(32)
	defer cancel()
	changes, cancelChanges := c.SubscribeStateChanges(32)
	defer cancelChanges()

	require.NoError(t, c.SetComponentState("capture", component.Error, "device lost"))
	c.ReportError("capture", "device lost", errors.Newf("read failed").Category(errors.CategoryProcessing).Build())
	waitRecovery(t, c)

	assert.Equal(t, recovery.Completed, c.Recovery().State())
	state, err := c.Components().State("capture")
	require.NoError(t, err)
	assert.Equal(t, component.Running, state)
	assert.Equal(t, int32(1), stops.Load())
	assert.Equal(t, int32(1), reinits.Load())
	assert.Zero(t, c.Buffers().Pending())
	assert.Zero(t, c.Pool().Stats().InUse())

	var seen []recovery.State
	for len(seen) < 8 {
		select {
		case ch := <-changes:
			seen = append(seen, ch.To)
		case <-time.After(time.Second):
			t.Fatalf("state changes missing, got %v", seen)
		}
	}
	assert.Equal(t, []recovery.State{
		recovery.Initiating,
		recovery.StoppingCapture,
		recovery.FlushingBuffers,
		recovery.Reinitializing,
		recovery.Verifying,
		recovery.VerifyingResources,
		recovery.VerifyingComponents,
		recovery.Completed,
	}, seen)

	titles := alertTitles(collectAlerts(alerts, 100*time.Millisecond))
	assert.Contains(t, titles, "Component error")
	assert.Contains(t, titles, "Recovery started")
	assert.Contains(t, titles, "Recovery completed")

	stats, err := c.RecoveryStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Runs)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, "capture", stats.LastTrigger)

	// a completed machine is reset for the next run
	c.ReportError("capture", "again", errors.NewStd("glitch"))
	waitRecovery(t, c)
	stats, err = c.RecoveryStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Succeeded)
}

func TestChannelRecoveryFlushesOneSide(t *testing.T) {
	c := newTestKernel(t)
	runComponent(t, c, "capture_left")
	ctx := context.Background()

	require.NoError(t, c.Buffers().Put(ctx, buffer.ProcessingLeft, []byte("left"), 0))
	require.NoError(t, c.Buffers().Put(ctx, buffer.ProcessingRight, []byte("right"), 0))

	c.ReportError("capture_left", "overrun", errors.NewStd("xrun"))
	waitRecovery(t, c)

	assert.Equal(t, recovery.Completed, c.Recovery().State())
	assert.Equal(t, 0, c.Buffers().Len(buffer.ProcessingLeft))
	assert.Equal(t, 1, c.Buffers().Len(buffer.ProcessingRight))

	var visited []recovery.State
	for _, tr := range c.Recovery().History() {
		if tr.Success {
			visited = append(visited, tr.To)
		}
	}
	assert.Contains(t, visited, recovery.StoppingCaptureLeft)
	assert.Contains(t, visited, recovery.FlushingBuffersLeft)
	assert.NotContains(t, visited, recovery.FlushingBuffers)
}

func TestRecoveryFailureShutsDown(t *testing.T) {
	c := newTestKernel(t)
	runComponent(t, c, "capture")
	require.NoError(t, c.RegisterRecoveryHandler("capture", RecoveryFuncs{
		Reinit: func(context.Context) error { return fmt.Errorf("device missing") },
	}))
	alerts, cancel := c.SubscribeAlerts(32)
	defer cancel()

	require.NoError(t, c.SetComponentState("capture", component.Error, "device lost"))
	c.ReportError("capture", "device lost", errors.NewStd("io"))
	waitRecovery(t, c)

	assert.True(t, c.IsShutdown())
	assert.True(t, c.Pool().Closed())
	stats, err := c.RecoveryStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Contains(t, stats.LastError, "device missing")

	titles := alertTitles(collectAlerts(alerts, 100*time.Millisecond))
	assert.Contains(t, titles, "Recovery failed")

	// the cleanup result is kept for later Shutdown calls
	res, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = c.Allocate(10)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRecoveryHandlerPanicFailsRecovery(t *testing.T) {
	c := newTestKernel(t)
	runComponent(t, c, "capture")
	require.NoError(t, c.RegisterRecoveryHandler("capture", RecoveryFuncs{
		Stop: func(context.Context) error { panic("driver bug") },
	}))

	c.ReportError("capture", "device lost", errors.NewStd("io"))
	waitRecovery(t, c)

	stats, err := c.RecoveryStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Contains(t, stats.LastError, "panicked")
	assert.True(t, c.IsShutdown())
}

func TestThreadFailureStartsRecovery(t *testing.T) {
	c := newTestKernel(t)
	runComponent(t, c, "capture")

	done := make(chan struct{})
	require.NoError(t, c.RegisterThread("capture", "reader", done))
	close(done)
	assert.Equal(t, 1, c.Components().Sweep())
	waitRecovery(t, c)

	assert.Equal(t, recovery.Completed, c.Recovery().State())
	stats := c.Errors()
	require.NotNil(t, stats.Last)
	assert.Equal(t, "capture", stats.Last.Component)
	assert.Contains(t, stats.Last.Message, "reader")
}

func TestUpdateMetric(t *testing.T) {
	c := newTestKernel(t)

	require.NoError(t, c.UpdateMetric(MetricCaptureLatency, 12.5))
	require.NoError(t, c.UpdateMetric(MetricAudioLevelRight, -6))
	require.NoError(t, c.UpdateMetric("made_up", 1))
	require.NoError(t, c.UpdateMetric("also_made_up", 2))

	st, err := c.GetState()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, st.Gauges.CaptureLatencyMs, 0.001)
	assert.InDelta(t, -6, st.Gauges.AudioLevelRight, 0.001)
	assert.Equal(t, uint64(2), st.Gauges.Unknown)
}

func TestGetState(t *testing.T) {
	c := newTestKernel(t)
	runComponent(t, c, "capture")
	require.NoError(t, c.Buffers().Put(context.Background(), buffer.StorageLeft, []byte("x"), 0))

	st, err := c.GetState()
	require.NoError(t, err)
	assert.False(t, st.Shutdown)
	assert.Equal(t, recovery.Idle, st.Recovery.State)
	require.Len(t, st.Components, 1)
	assert.Equal(t, "capture", st.Components[0].Name)
	assert.Equal(t, 1, st.Pool.InUse())
	assert.Len(t, st.Queues, len(buffer.QueueIDs))
	assert.False(t, st.Buffers.FlushingLeft)
	assert.Empty(t, c.Locks().HeldLevels())
}

func TestGetPerformanceStats(t *testing.T) {
	c := newTestKernel(t)
	buf, err := c.Allocate(32)
	require.NoError(t, err)

	perf, err := c.GetPerformanceStats()
	require.NoError(t, err)
	assert.Equal(t, 1, perf.PoolInUse)
	assert.Positive(t, perf.Goroutines)
	assert.False(t, perf.Sampled.IsZero())
	require.NoError(t, c.Release(buf))
}

func TestTryAcquireLocks(t *testing.T) {
	c := newTestKernel(t)

	t.Run("all levels", func(t *testing.T) {
		g, err := c.TryAcquireLocks(50 * time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, locking.Levels, g.Held())
		g.Release()
		assert.Empty(t, c.Locks().HeldLevels())
	})

	t.Run("rolls back on timeout", func(t *testing.T) {
		blocker, err := c.Locks().Acquire(locking.LevelComponent)
		require.NoError(t, err)

		_, err = c.TryAcquireLocks(20*time.Millisecond, locking.LevelState, locking.LevelMetrics, locking.LevelComponent)
		require.ErrorIs(t, err, locking.ErrLockTimeout)
		assert.True(t, errors.IsTransient(err))
		assert.Equal(t, []locking.Level{locking.LevelComponent}, c.Locks().HeldLevels())

		blocker.Release()
		assert.Empty(t, c.Locks().HeldLevels())
	})

	t.Run("rejects out of order", func(t *testing.T) {
		_, err := c.TryAcquireLocks(20*time.Millisecond, locking.LevelComponent, locking.LevelState)
		require.ErrorIs(t, err, locking.ErrLockOrder)
		assert.Empty(t, c.Locks().HeldLevels())
	})
}

func TestStartRunsHealthLoop(t *testing.T) {
	c := newTestKernel(t)
	require.NoError(t, c.RegisterComponent("storage", nil, func(context.Context) error {
		return fmt.Errorf("disk full")
	}))
	require.NoError(t, c.SetComponentState("storage", component.Initializing, "test"))
	require.NoError(t, c.SetComponentState("storage", component.Running, "test"))

	alerts, cancel := c.SubscribeAlerts(32)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)

	var unhealthy *notification.Alert
	deadline := time.After(2 * time.Second)
	for unhealthy == nil {
		select {
		case a := <-alerts:
			if a.Title == "Component unhealthy" {
				unhealthy = &a
			}
		case <-deadline:
			t.Fatal("no unhealthy alert")
		}
	}
	assert.Equal(t, "storage", unhealthy.Component)
	assert.Contains(t, unhealthy.Message, "disk full")

	res, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// TestConcurrentLockOrder hammers the hierarchy from every public entry
// point at once. A lock order bug shows up as a timeout or a hang.
func TestConcurrentLockOrder(t *testing.T) {
	c := newTestKernel(t, func(s *conf.Settings) {
		s.Locks.AcquireTimeout = 2 * time.Second
		s.Pool.Small.MaxBuffers = 64
	})
	runComponent(t, c, "capture")
	ctx := context.Background()

	const workers = 8
	const iterations = 200
	var wg sync.WaitGroup
	var failures atomic.Int32
	work := []func(r *rand.Rand) error{
		func(*rand.Rand) error { _, err := c.GetState(); return err },
		func(r *rand.Rand) error { return c.UpdateMetric(MetricDroppedFrames, r.Float64()) },
		func(*rand.Rand) error { c.cachedPerformance(nil); return nil },
		func(*rand.Rand) error { _, err := c.Components().Snapshot(); return err },
		func(*rand.Rand) error {
			if err := c.Buffers().Put(ctx, buffer.CaptureLeft, []byte("frame"), 10*time.Millisecond); err != nil && !errors.IsCapacity(err) {
				return err
			}
			_, err := c.Buffers().Get(ctx, buffer.CaptureLeft, 0)
			if err != nil && !errors.IsCapacity(err) && !errors.IsTransient(err) {
				return err
			}
			return nil
		},
		func(r *rand.Rand) error {
			levels := make([]locking.Level, 0, len(locking.Levels))
			for _, l := range locking.Levels {
				if r.IntN(2) == 0 {
					levels = append(levels, l)
				}
			}
			if len(levels) == 0 {
				return nil
			}
			g, err := c.TryAcquireLocks(time.Second, levels...)
			if err != nil {
				return err
			}
			g.Release()
			return nil
		},
	}

	for w := range workers {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed+1))
			for range iterations {
				if err := work[r.IntN(len(work))](r); err != nil {
					failures.Add(1)
					t.Errorf("worker %d: %v", seed, err)
					return
				}
			}
		}(uint64(w))
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatal("lock hierarchy deadlocked")
	}
	assert.Zero(t, failures.Load())
	assert.Empty(t, c.Locks().HeldLevels())
}

func TestChannelOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"capture_left", "left"},
		{"capture/right", "right"},
		{"storage", ""},
		{"leftover", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, channelOf(tt.in))
		})
	}
}
