// Package buffer implements the channel-aware buffer manager: six bounded
// FIFO queues, one per pipeline stage and audio channel, whose elements are
// resource pool buffers.
//
// A put allocates a pool buffer sized to the payload, copies the payload in
// and enqueues it. A get dequeues, copies the payload out and releases the
// buffer. A queue therefore never holds memory outside the pool's
// bookkeeping. Depths decrease downstream (1000/500/250 by default) so a slow
// consumer pushes back on its producers.
//
// Queue operations and manager state access happen inside an atomic-update
// bracket:
//
//	tx, err := mgr.BeginAtomicUpdate()
//	if err != nil { ... }
//	defer tx.End()
//	err = tx.Put(ctx, buffer.CaptureLeft, pcm, 50*time.Millisecond)
//
// Using a Tx after End fails with ErrOutsideBracket.
package buffer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/observability/metrics"
	"github.com/tphakala/audiokernel/internal/pool"
)

const componentName = "buffer"

// Allocator is the subset of the resource pool used by the manager
type Allocator interface {
	Allocate(size int) (*pool.Buffer, error)
	Release(buf *pool.Buffer, staged bool) error
}

// ErrorReporter receives protocol errors
type ErrorReporter interface {
	ReportError(component, message string, err error)
}

// MetricsRecorder receives queue metrics
type MetricsRecorder interface {
	SetQueueDepth(queue string, depth int)
	RecordQueueOperation(queue, operation, result string)
	RecordQueueDrained(queue string, count int)
}

// Config holds per-stage queue depths
type Config struct {
	CaptureDepth    int
	ProcessingDepth int
	StorageDepth    int
}

// DefaultConfig returns depths 1000/500/250
func DefaultConfig() Config {
	return ConfigFromSettings(conf.Default().Queues)
}

// ConfigFromSettings converts loaded settings
func ConfigFromSettings(s conf.QueueSettings) Config {
	return Config{CaptureDepth: s.CaptureDepth, ProcessingDepth: s.ProcessingDepth, StorageDepth: s.StorageDepth}
}

func (c Config) depth(s Stage) int {
	switch s {
	case StageCapture:
		return c.CaptureDepth
	case StageProcessing:
		return c.ProcessingDepth
	default:
		return c.StorageDepth
	}
}

// State is manager-wide state shared by producers and the recovery path.
// It is read and written only through a Tx.
type State struct {
	FlushingLeft     bool
	FlushingRight    bool
	CapturePaused    bool
	ProcessingPaused bool
	StoragePaused    bool
	Drains           uint64 // completed drain passes
}

func (s *State) flushing(c Channel) bool {
	if c == ChannelLeft {
		return s.FlushingLeft
	}
	return s.FlushingRight
}

func (s *State) paused(st Stage) bool {
	switch st {
	case StageCapture:
		return s.CapturePaused
	case StageProcessing:
		return s.ProcessingPaused
	default:
		return s.StoragePaused
	}
}

// Manager owns the six queues
type Manager struct {
	queues   [int(stageCount) * int(channelCount)]*queue
	alloc    Allocator
	locks    *locking.Hierarchy
	state    State // guarded by locking.LevelAtomicUpdate
	blocked  [int(stageCount) * int(channelCount)]atomic.Bool
	openTxs  atomic.Int64
	closed   atomic.Bool
	stopped  func() bool
	stopErr  error
	log      logger.Logger
	reporter ErrorReporter
	metrics  MetricsRecorder
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithLocks shares a lock hierarchy. By default the manager creates its own.
func WithLocks(h *locking.Hierarchy) Option {
	return func(m *Manager) { m.locks = h }
}

// WithErrorReporter sets where protocol errors are reported
func WithErrorReporter(r ErrorReporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// WithMetrics sets the metrics recorder
func WithMetrics(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithShutdownFlag makes Put and Get fail once stopped reports true. The
// returned error wraps sentinel, or ErrClosed when sentinel is nil. Drain and
// Close are not affected.
func WithShutdownFlag(stopped func() bool, sentinel error) Option {
	return func(m *Manager) {
		m.stopped = stopped
		m.stopErr = sentinel
	}
}

// New creates a manager backed by alloc
func New(alloc Allocator, cfg Config, opts ...Option) (*Manager, error) {
	if alloc == nil {
		return nil, errors.Newf("buffer manager requires an allocator").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	for s := range stageCount {
		if cfg.depth(s) <= 0 {
			return nil, errors.Newf("queue depth for %s must be positive", s).
				Component(componentName).
				Category(errors.CategoryConfiguration).
				Context("depth", cfg.depth(s)).
				Build()
		}
	}

	m := &Manager{alloc: alloc, metrics: metrics.NoopRecorder{}}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Global().Module(logger.ModuleBuffer)
	}
	if m.locks == nil {
		m.locks = locking.NewHierarchy(locking.WithLogger(m.log))
	}
	for _, id := range QueueIDs {
		m.queues[id.index()] = newQueue(id, cfg.depth(id.Stage))
	}
	return m, nil
}

// Tx is an open atomic-update bracket. It is not safe to share a Tx between goroutines.
type Tx struct {
	m     *Manager
	ended atomic.Bool
}

// BeginAtomicUpdate opens a bracket
func (m *Manager) BeginAtomicUpdate() (*Tx, error) {
	if err := m.checkOpen("begin_atomic_update"); err != nil {
		return nil, err
	}
	m.openTxs.Add(1)
	return &Tx{m: m}, nil
}

// End closes the bracket. Ending twice is a protocol error.
func (tx *Tx) End() error {
	if !tx.ended.CompareAndSwap(false, true) {
		return tx.m.protocolError("atomic update ended twice", "end", nil)
	}
	tx.m.openTxs.Add(-1)
	return nil
}

// OpenBrackets returns the number of brackets not yet ended
func (m *Manager) OpenBrackets() int { return int(m.openTxs.Load()) }

func (tx *Tx) check(op string) error {
	if tx == nil || tx.ended.Load() {
		var m *Manager
		if tx != nil {
			m = tx.m
		}
		if m == nil {
			return errors.New(ErrOutsideBracket).
				Component(componentName).
				Category(errors.CategoryProtocol).
				Context("operation", op).
				Build()
		}
		return m.protocolError("operation outside atomic update bracket", op, nil)
	}
	return tx.m.checkOpen(op)
}

// checkData is check plus the shutdown flag, for operations that move data
func (tx *Tx) checkData(op string) error {
	if err := tx.check(op); err != nil {
		return err
	}
	return tx.m.checkShutdown(op)
}

// Put copies data into a pool buffer and enqueues it, waiting up to timeout
// for space. A zero timeout does not wait. On failure the buffer goes back to
// the pool and nothing is enqueued.
func (tx *Tx) Put(ctx context.Context, id QueueID, data []byte, timeout time.Duration) error {
	if err := tx.checkData("put"); err != nil {
		return err
	}
	m := tx.m
	q, err := m.queue(id)
	if err != nil {
		return err
	}
	if m.blocked[id.index()].Load() {
		q.rejected.Add(1)
		m.metrics.RecordQueueOperation(id.String(), metrics.OpPut, metrics.ResultRejected)
		return errors.New(ErrFlushing).
			Component(componentName).
			Category(errors.CategoryRetry).
			Context("queue", id.String()).
			Build()
	}
	if len(data) == 0 {
		return errors.New(ErrEmptyPayload).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("queue", id.String()).
			Build()
	}

	buf, err := m.alloc.Allocate(len(data))
	if err != nil {
		q.rejected.Add(1)
		m.metrics.RecordQueueOperation(id.String(), metrics.OpPut, metrics.ResultExhausted)
		return err
	}
	copy(buf.Bytes(), data)

	q.gate.RLock()
	if m.closed.Load() {
		q.gate.RUnlock()
		_ = m.alloc.Release(buf, false)
		return m.checkOpen("put")
	}
	if m.blocked[id.index()].Load() {
		q.gate.RUnlock()
		q.rejected.Add(1)
		m.metrics.RecordQueueOperation(id.String(), metrics.OpPut, metrics.ResultRejected)
		if relErr := m.alloc.Release(buf, false); relErr != nil {
			m.log.Error("failed to release buffer after rejected put",
				logger.String("queue", id.String()),
				logger.Error(relErr))
		}
		return errors.New(ErrFlushing).
			Component(componentName).
			Category(errors.CategoryRetry).
			Context("queue", id.String()).
			Build()
	}
	sent := m.send(ctx, q, buf, timeout)
	q.gate.RUnlock()

	if !sent {
		q.timeouts.Add(1)
		m.metrics.RecordQueueOperation(id.String(), metrics.OpPut, metrics.ResultTimeout)
		if relErr := m.alloc.Release(buf, false); relErr != nil {
			m.log.Error("failed to release buffer after put timeout",
				logger.String("queue", id.String()),
				logger.Error(relErr))
		}
		category := errors.CategoryCapacity
		if ctx.Err() != nil {
			category = errors.CategoryCancellation
		}
		return errors.New(ErrQueueFull).
			Component(componentName).
			Category(category).
			Context("queue", id.String()).
			Context("depth", cap(q.ch)).
			Context("timeout_ms", timeout.Milliseconds()).
			Build()
	}

	q.puts.Add(1)
	depth := q.noteDepth()
	m.metrics.RecordQueueOperation(id.String(), metrics.OpPut, metrics.ResultSuccess)
	m.metrics.SetQueueDepth(id.String(), depth)
	return nil
}

func (m *Manager) send(ctx context.Context, q *queue, buf *pool.Buffer, timeout time.Duration) bool {
	select {
	case q.ch <- buf:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- buf:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Get dequeues the oldest payload, waiting up to timeout. The returned slice
// is a copy; the pool buffer has already been released.
func (tx *Tx) Get(ctx context.Context, id QueueID, timeout time.Duration) ([]byte, error) {
	if err := tx.checkData("get"); err != nil {
		return nil, err
	}
	m := tx.m
	q, err := m.queue(id)
	if err != nil {
		return nil, err
	}

	buf, ok := m.receive(ctx, q, timeout)
	if !ok {
		q.timeouts.Add(1)
		m.metrics.RecordQueueOperation(id.String(), metrics.OpGet, metrics.ResultTimeout)
		category := errors.CategoryTimeout
		if ctx.Err() != nil {
			category = errors.CategoryCancellation
		}
		return nil, errors.New(ErrQueueEmpty).
			Component(componentName).
			Category(category).
			Context("queue", id.String()).
			Context("timeout_ms", timeout.Milliseconds()).
			Build()
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	q.gets.Add(1)
	m.metrics.RecordQueueOperation(id.String(), metrics.OpGet, metrics.ResultSuccess)
	m.metrics.SetQueueDepth(id.String(), len(q.ch))

	if err := m.alloc.Release(buf, false); err != nil {
		return out, err
	}
	return out, nil
}

func (m *Manager) receive(ctx context.Context, q *queue, timeout time.Duration) (*pool.Buffer, bool) {
	select {
	case buf := <-q.ch:
		return buf, true
	default:
	}
	if timeout <= 0 {
		return nil, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case buf := <-q.ch:
		return buf, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// GetState returns a copy of the manager state. Pass the caller's guard if it
// already holds the atomic-update level.
func (tx *Tx) GetState(g *locking.Guard) (State, error) {
	if err := tx.check("get_state"); err != nil {
		return State{}, err
	}
	var s State
	err := tx.m.withStateLock(g, func() { s = tx.m.state })
	return s, err
}

// UpdateState applies fn to the manager state under the atomic-update lock
func (tx *Tx) UpdateState(g *locking.Guard, fn func(*State)) error {
	if err := tx.check("update_state"); err != nil {
		return err
	}
	return tx.m.withStateLock(g, func() {
		fn(&tx.m.state)
		tx.m.refreshBlockedLocked()
	})
}

func (m *Manager) withStateLock(g *locking.Guard, fn func()) error {
	if g.Holds(locking.LevelAtomicUpdate) {
		fn()
		return nil
	}
	var err error
	if g != nil {
		err = g.Extend(locking.LevelAtomicUpdate)
		if err == nil {
			defer func() { _ = g.ReleaseLevel(locking.LevelAtomicUpdate) }()
		}
	} else {
		var own *locking.Guard
		own, err = m.locks.Acquire(locking.LevelAtomicUpdate)
		if err == nil {
			defer own.Release()
		}
	}
	if err != nil {
		return err
	}
	fn()
	return nil
}

// refreshBlockedLocked recomputes which queues reject puts. Caller holds the state lock.
func (m *Manager) refreshBlockedLocked() {
	for _, id := range QueueIDs {
		m.blocked[id.index()].Store(m.state.flushing(id.Channel) || m.state.paused(id.Stage))
	}
}

func (m *Manager) queue(id QueueID) (*queue, error) {
	if !id.valid() {
		return nil, errors.New(ErrUnknownQueue).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("stage", int(id.Stage)).
			Context("channel", int(id.Channel)).
			Build()
	}
	return m.queues[id.index()], nil
}

// Put runs a single put in its own bracket
func (m *Manager) Put(ctx context.Context, id QueueID, data []byte, timeout time.Duration) error {
	tx, err := m.BeginAtomicUpdate()
	if err != nil {
		return err
	}
	defer func() { _ = tx.End() }()
	return tx.Put(ctx, id, data, timeout)
}

// Get runs a single get in its own bracket
func (m *Manager) Get(ctx context.Context, id QueueID, timeout time.Duration) ([]byte, error) {
	tx, err := m.BeginAtomicUpdate()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.End() }()
	return tx.Get(ctx, id, timeout)
}

// Len returns the current depth of a queue
func (m *Manager) Len(id QueueID) int {
	q, err := m.queue(id)
	if err != nil {
		return 0
	}
	return len(q.ch)
}

// Pending returns the total number of queued buffers
func (m *Manager) Pending() int {
	n := 0
	for _, q := range m.queues {
		n += len(q.ch)
	}
	return n
}

// Stats returns a snapshot per queue, upstream first
func (m *Manager) Stats() []QueueStats {
	out := make([]QueueStats, 0, len(QueueIDs))
	for _, id := range QueueIDs {
		out = append(out, m.queues[id.index()].stats())
	}
	return out
}

func (m *Manager) checkOpen(op string) error {
	if m.closed.Load() {
		return errors.New(ErrClosed).
			Component(componentName).
			Category(errors.CategoryState).
			Context("operation", op).
			Build()
	}
	return nil
}

func (m *Manager) checkShutdown(op string) error {
	if m.stopped == nil || !m.stopped() {
		return nil
	}
	sentinel := m.stopErr
	if sentinel == nil {
		sentinel = ErrClosed
	}
	return errors.New(sentinel).
		Component(componentName).
		Category(errors.CategoryState).
		Context("operation", op).
		Build()
}

func (m *Manager) protocolError(message, op string, extra map[string]any) error {
	b := errors.New(ErrOutsideBracket).
		Component(componentName).
		Category(errors.CategoryProtocol).
		Context("operation", op).
		WithStack()
	for k, v := range extra {
		b = b.Context(k, v)
	}
	err := b.Build()
	m.log.Error(message, logger.String("operation", op), logger.Error(err))
	if m.reporter != nil {
		m.reporter.ReportError(componentName, message, err)
	}
	return err
}

// Close drains every queue and rejects later operations
func (m *Manager) Close() (int, error) {
	if !m.closed.CompareAndSwap(false, true) {
		return 0, errors.New(ErrClosed).
			Component(componentName).
			Category(errors.CategoryState).
			Context("operation", "close").
			Build()
	}
	m.quiesce(QueueIDs)
	n, err := m.drain(QueueIDs)
	if open := m.openTxs.Load(); open > 0 {
		m.log.Warn("buffer manager closed with open brackets", logger.Int64("open", open))
	}
	return n, err
}
