package buffer

import (
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/recovery"
)

// RecoveryMachine is the subset of the recovery state machine the manager hooks into
type RecoveryMachine interface {
	OnEnter(state recovery.State, fn func(from, to recovery.State))
	AddInvariant(target recovery.State, name string, fn recovery.InvariantFunc)
}

// scopeAware allocators defer releases while a cleanup scope is open
type scopeAware interface {
	InCleanupScope() bool
}

// AttachRecovery makes the manager follow the recovery state machine.
// Entering a stopping state pauses capture. Entering a flushing state marks
// the affected channels as flushing, so puts into them are rejected, and
// drains their queues before the hook returns. Reinitializing is refused
// while a flushing channel still holds data. Flags clear on Reinitializing, Idle and
// Failed.
func (m *Manager) AttachRecovery(sm RecoveryMachine) {
	pause := func(from, to recovery.State) {
		if err := m.updateFlags(func(s *State) { s.CapturePaused = true }); err != nil {
			m.log.Error("failed to pause capture", logger.String("state", to.String()), logger.Error(err))
		}
	}
	sm.OnEnter(recovery.StoppingCapture, pause)
	sm.OnEnter(recovery.StoppingCaptureLeft, pause)
	sm.OnEnter(recovery.StoppingCaptureRight, pause)

	sm.OnEnter(recovery.FlushingBuffers, func(from, to recovery.State) {
		m.flush(to.String(), QueueIDs, func(s *State) { s.FlushingLeft, s.FlushingRight = true, true })
	})
	sm.OnEnter(recovery.FlushingBuffersLeft, func(from, to recovery.State) {
		m.flush(to.String(), channelQueues(ChannelLeft), func(s *State) { s.FlushingLeft = true })
	})
	sm.OnEnter(recovery.FlushingBuffersRight, func(from, to recovery.State) {
		m.flush(to.String(), channelQueues(ChannelRight), func(s *State) { s.FlushingRight = true })
	})

	resume := func(from, to recovery.State) {
		err := m.updateFlags(func(s *State) {
			s.FlushingLeft, s.FlushingRight = false, false
			s.CapturePaused = false
		})
		if err != nil {
			m.log.Error("failed to clear flush flags", logger.String("state", to.String()), logger.Error(err))
		}
	}
	sm.OnEnter(recovery.Reinitializing, resume)
	sm.OnEnter(recovery.Idle, resume)
	sm.OnEnter(recovery.Failed, resume)

	sm.AddInvariant(recovery.Reinitializing, "buffers_drained", func(from, to recovery.State) error {
		if n := m.pendingFlushed(); n > 0 {
			return errors.New(ErrNotDrained).
				Component(componentName).
				Category(errors.CategoryState).
				Context("pending", n).
				Build()
		}
		return nil
	})
}

func (m *Manager) flush(reason string, ids []QueueID, mark func(*State)) {
	if err := m.updateFlags(mark); err != nil {
		m.log.Error("failed to set flush flags", logger.String("reason", reason), logger.Error(err))
	}
	m.quiesce(ids)
	n, err := m.drain(ids)
	if err != nil {
		m.log.Error("flush released buffers with errors", logger.String("reason", reason), logger.Error(err))
	}
	m.log.Info("queues flushed", logger.String("reason", reason), logger.Int("buffers", n))
}

// quiesce waits for puts already past the blocked and closed checks on ids
func (m *Manager) quiesce(ids []QueueID) {
	for _, id := range ids {
		q := m.queues[id.index()]
		q.gate.Lock()
		//nolint:staticcheck // empty critical section waits for in-flight puts
		q.gate.Unlock()
	}
}

// pendingFlushed counts buffers queued on channels marked as flushing, or on
// every queue when no channel is marked
func (m *Manager) pendingFlushed() int {
	var s State
	if err := m.withStateLock(nil, func() { s = m.state }); err != nil {
		return m.Pending()
	}
	if !s.FlushingLeft && !s.FlushingRight {
		return m.Pending()
	}
	n := 0
	for _, id := range QueueIDs {
		if s.flushing(id.Channel) {
			n += m.Len(id)
		}
	}
	return n
}

// updateFlags changes state outside a caller bracket
func (m *Manager) updateFlags(fn func(*State)) error {
	return m.withStateLock(nil, func() {
		fn(&m.state)
		m.refreshBlockedLocked()
	})
}

// Drain empties every queue, returning each buffer to the pool
func (m *Manager) Drain() (int, error) {
	return m.drain(QueueIDs)
}

// DrainChannel empties the queues of one channel
func (m *Manager) DrainChannel(c Channel) (int, error) {
	if c < 0 || c >= channelCount {
		return 0, errors.New(ErrUnknownQueue).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("channel", int(c)).
			Build()
	}
	return m.drain(channelQueues(c))
}

func channelQueues(c Channel) []QueueID {
	ids := make([]QueueID, 0, stageCount)
	for _, id := range QueueIDs {
		if id.Channel == c {
			ids = append(ids, id)
		}
	}
	return ids
}

// drain receives without blocking until each queue is empty. Buffers are
// staged when the allocator has a cleanup scope open.
func (m *Manager) drain(ids []QueueID) (int, error) {
	staged := false
	if sa, ok := m.alloc.(scopeAware); ok {
		staged = sa.InCleanupScope()
	}

	var errs []error
	total := 0
	for _, id := range ids {
		q := m.queues[id.index()]
		n := 0
	loop:
		for {
			select {
			case buf := <-q.ch:
				n++
				if err := m.alloc.Release(buf, staged); err != nil {
					errs = append(errs, err)
				}
			default:
				break loop
			}
		}
		if n > 0 {
			q.drained.Add(uint64(n))
			m.metrics.RecordQueueDrained(id.String(), n)
		}
		m.metrics.SetQueueDepth(id.String(), len(q.ch))
		total += n
	}

	if err := m.withStateLock(nil, func() { m.state.Drains++ }); err != nil {
		errs = append(errs, err)
	}
	m.log.Debug("drained queues", logger.Int("buffers", total), logger.Int("queues", len(ids)))

	if len(errs) > 0 {
		return total, errors.New(errors.Join(errs...)).
			Component(componentName).
			Category(errors.CategoryBuffer).
			Context("released", total).
			Build()
	}
	return total, nil
}
