package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/audiokernel/internal/buffer"
	"github.com/tphakala/audiokernel/internal/component"
	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/pool"
	"github.com/tphakala/audiokernel/internal/recovery"
)

// KernelState is a consistent view of the whole kernel
type KernelState struct {
	Time        time.Time           `json:"time"`
	Shutdown    bool                `json:"shutdown"`
	Recovering  bool                `json:"recovering"`
	Recovery    RecoveryView        `json:"recovery"`
	Components  []component.Info    `json:"components"`
	Buffers     buffer.State        `json:"buffers"`
	Queues      []buffer.QueueStats `json:"queues"`
	Pool        pool.Stats          `json:"pool"`
	Gauges      Gauges              `json:"gauges"`
	Performance PerformanceStats    `json:"performance"`
	Errors      ErrorStats          `json:"errors"`
}

// RecoveryView is the recovery part of KernelState
type RecoveryView struct {
	State   recovery.State        `json:"state"`
	Session uuid.UUID             `json:"session"`
	Stats   RecoveryStats         `json:"stats"`
	History []recovery.Transition `json:"history,omitempty"`
}

// GetState collects every subsystem's state. The coordinator's own fields
// and the component and buffer state are read under one guard taken in
// hierarchy order.
func (c *Coordinator) GetState() (KernelState, error) {
	if err := c.checkOpen("get_state"); err != nil {
		return KernelState{}, err
	}
	// the machine has its own lock; read it before entering the hierarchy
	st := KernelState{
		Time:       time.Now(),
		Recovering: c.recovering.Load(),
		Recovery: RecoveryView{
			State:   c.recovery.State(),
			Session: c.recovery.Session(),
			History: c.recovery.History(),
		},
		Errors: c.Errors(),
		Pool:   c.pool.Stats(),
		Queues: c.buffers.Stats(),
	}

	g, err := c.locks.Acquire(locking.LevelState, locking.LevelMetrics, locking.LevelPerformance)
	if err != nil {
		return KernelState{}, err
	}
	defer g.Release()

	st.Recovery.Stats = c.recStats
	st.Gauges = c.gaugesGuarded(g)
	st.Performance = c.cachedPerformance(g)

	if st.Components, err = c.components.SnapshotGuarded(g); err != nil {
		return KernelState{}, err
	}

	tx, err := c.buffers.BeginAtomicUpdate()
	if err != nil {
		return KernelState{}, err
	}
	st.Buffers, err = tx.GetState(g)
	if endErr := tx.End(); err == nil {
		err = endErr
	}
	if err != nil {
		return KernelState{}, err
	}
	st.Shutdown = c.shutdown.Load()
	return st, nil
}

// GetPerformanceStats takes a fresh sample
func (c *Coordinator) GetPerformanceStats() (PerformanceStats, error) {
	if err := c.checkOpen("get_performance_stats"); err != nil {
		return PerformanceStats{}, err
	}
	return c.samplePerformance(), nil
}

// RecoveryStats returns the recovery run counters
func (c *Coordinator) RecoveryStats() (RecoveryStats, error) {
	var s RecoveryStats
	err := c.withState(func() { s = c.recStats })
	return s, err
}

// TryAcquireLocks takes levels in hierarchy order within timeout. On
// failure nothing stays held. The caller releases the returned guard.
func (c *Coordinator) TryAcquireLocks(timeout time.Duration, levels ...locking.Level) (*locking.Guard, error) {
	if err := c.checkOpen("try_acquire_locks"); err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		levels = locking.Levels
	}
	return c.locks.AcquireTimeout(timeout, levels...)
}
