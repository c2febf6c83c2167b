// Package recovery implements the recovery state machine.
//
// A recovery session walks from Idle through stopping capture, flushing
// buffers, reinitializing and verifying to Completed. Every move other than
// one into Failed must be listed in the adjacency table, and Failed leads only
// back to Idle. TransitionTo checks, in order: the validation hook, the
// adjacency table, invariants of the target state and the validators
// registered for the (from, to) pair. Only then is the move committed.
//
// Every attempt is appended to the history. Successful attempts carry a
// snapshot of pool and component state.
package recovery

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/events"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/observability/metrics"
)

const componentName = "recovery"

// DefaultHistoryLimit bounds the transition history
const DefaultHistoryLimit = 1024

// ValidatorKind orders the validators of one transition
type ValidatorKind int

const (
	ResourceCheck ValidatorKind = iota
	HealthCheck
	PreCleanup
)

func (k ValidatorKind) String() string {
	switch k {
	case ResourceCheck:
		return "resource_check"
	case HealthCheck:
		return "health_check"
	case PreCleanup:
		return "pre_cleanup"
	default:
		return fmt.Sprintf("validator(%d)", int(k))
	}
}

// ValidatorFunc checks a pending transition
type ValidatorFunc func(ctx context.Context, from, to State) error

// InvariantFunc checks a condition that must hold before entering a state
type InvariantFunc func(from, to State) error

// Snapshot captures resource and component state at a transition
type Snapshot struct {
	PoolInUse        int               `json:"pool_in_use"`
	PoolBytes        int64             `json:"pool_bytes"`
	QueuedBuffers    int               `json:"queued_buffers"`
	ProcessRSS       uint64            `json:"process_rss"`
	SystemMemoryUsed float64           `json:"system_memory_used_percent"`
	Components       map[string]string `json:"components,omitempty"`
}

// Snapshotter supplies snapshots. It is called with the transition lock
// held and must not call back into the machine.
type Snapshotter interface {
	Snapshot() Snapshot
}

// SnapshotFunc adapts a function to Snapshotter
type SnapshotFunc func() Snapshot

// Snapshot implements Snapshotter
func (f SnapshotFunc) Snapshot() Snapshot { return f() }

// Transition is one history entry
type Transition struct {
	Seq       uint64        `json:"seq"`
	Session   uuid.UUID     `json:"session"`
	Timestamp time.Time     `json:"timestamp"`
	From      State         `json:"from"`
	To        State         `json:"to"`
	Success   bool          `json:"success"`
	Err       string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Rollback  bool          `json:"rollback,omitempty"`
	Snapshot  *Snapshot     `json:"snapshot,omitempty"`
}

// StateChange is published for every committed transition, in commit order
type StateChange struct {
	Seq       uint64
	Session   uuid.UUID
	From      State
	To        State
	Rollback  bool
	Timestamp time.Time
}

// MetricsRecorder receives recovery metrics
type MetricsRecorder interface {
	RecordRecoveryTransition(from, to string, ok bool, duration time.Duration)
	SetRecoveryState(previous, current string)
}

// ErrorReporter receives validator panics
type ErrorReporter interface {
	ReportError(component, message string, err error)
}

type pair struct{ from, to State }

type invariant struct {
	name string
	fn   InvariantFunc
}

type validator struct {
	kind ValidatorKind
	fn   ValidatorFunc
}

// Machine is the recovery state machine
type Machine struct {
	mu         sync.Mutex
	state      State
	session    uuid.UUID
	seq        uint64
	last       *pair // last committed forward move, cleared by rollback
	history    []Transition
	maxHistory int

	hook       func(from, to State) error
	invariants map[State][]invariant
	validators map[pair][]validator
	rollbacks  map[pair]func(context.Context) error
	onEnter    map[State][]func(from, to State)

	changes     *events.Bus[StateChange]
	snapshotter Snapshotter
	metrics     MetricsRecorder
	reporter    ErrorReporter
	undelivered uint64
	log         logger.Logger
}

// Option configures a Machine
type Option func(*Machine)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(r MetricsRecorder) Option {
	return func(m *Machine) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithErrorReporter sets where validator panics are reported
func WithErrorReporter(r ErrorReporter) Option {
	return func(m *Machine) { m.reporter = r }
}

// WithSnapshotter sets the snapshot source for successful transitions
func WithSnapshotter(s Snapshotter) Option {
	return func(m *Machine) { m.snapshotter = s }
}

// WithHistoryLimit bounds the history; the oldest entries are dropped first
func WithHistoryLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// New creates a machine in Idle
func New(opts ...Option) *Machine {
	m := &Machine{
		state:      Idle,
		maxHistory: DefaultHistoryLimit,
		invariants: make(map[State][]invariant),
		validators: make(map[pair][]validator),
		rollbacks:  make(map[pair]func(context.Context) error),
		onEnter:    make(map[State][]func(from, to State)),
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.Global().Module(logger.ModuleRecovery)
	}
	m.changes = events.New[StateChange]("recovery_state",
		events.WithLogger(m.log),
		events.WithGuaranteedDelivery())
	return m
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the id of the current recovery session, or uuid.Nil before the first
func (m *Machine) Session() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// SetValidationHook installs a hook consulted before every non-Failed transition
func (m *Machine) SetValidationHook(fn func(from, to State) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// AddInvariant registers a condition checked before entering target
func (m *Machine) AddInvariant(target State, name string, fn InvariantFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invariants[target] = append(m.invariants[target], invariant{name: name, fn: fn})
}

// AddValidator registers a validator for from -> to. Validators run by kind:
// resource checks, then health checks, then pre-transition cleanup.
func (m *Machine) AddValidator(from, to State, kind ValidatorKind, fn ValidatorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair{from, to}
	vs := append(m.validators[key], validator{kind: kind, fn: fn})
	slices.SortStableFunc(vs, func(a, b validator) int { return int(a.kind) - int(b.kind) })
	m.validators[key] = vs
}

// AddRollback registers the undo of from -> to
func (m *Machine) AddRollback(from, to State, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks[pair{from, to}] = fn
}

// OnEnter registers fn to run after every committed move into state. Hooks
// run synchronously with the transition lock held, so no other transition can
// start until they return. They must not call back into the machine.
func (m *Machine) OnEnter(state State, fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[state] = append(m.onEnter[state], fn)
}

// Subscribe returns ordered state changes. Call cancel when done.
func (m *Machine) Subscribe(buffer int) (<-chan StateChange, func()) {
	return m.changes.Subscribe(buffer)
}

// TransitionTo moves the machine to target. A move into Failed always
// succeeds. On any failure the state is left unchanged.
func (m *Machine) TransitionTo(ctx context.Context, target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(ctx, target)
}

func (m *Machine) transitionLocked(ctx context.Context, target State) error {
	from := m.state
	start := time.Now()

	var err error
	if target != Failed {
		err = m.validateLocked(ctx, from, target)
	}
	if err != nil {
		m.recordLocked(from, target, start, err, false)
		m.log.Warn("recovery transition rejected",
			logger.String("from", from.String()),
			logger.String("to", target.String()),
			logger.Error(err))
		return err
	}

	m.commitLocked(from, target, start, false)
	return nil
}

func (m *Machine) validateLocked(ctx context.Context, from, to State) error {
	if err := ctx.Err(); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryCancellation).
			Context("from", from.String()).
			Context("to", to.String()).
			Build()
	}

	if m.hook != nil {
		hook := m.hook
		if err := m.safeCall("validation_hook", from, to, func() error { return hook(from, to) }); err != nil {
			if errors.Is(err, ErrValidatorPanic) {
				return err
			}
			return errors.New(errors.Join(ErrHookRejected, err)).
				Component(componentName).
				Category(errors.CategoryValidation).
				Context("from", from.String()).
				Context("to", to.String()).
				Build()
		}
	}

	if !CanTransition(from, to) {
		return m.invalidTransition(from, to)
	}

	for _, inv := range m.invariants[to] {
		fn := inv.fn
		if err := m.safeCall("invariant:"+inv.name, from, to, func() error { return fn(from, to) }); err != nil {
			if errors.Is(err, ErrValidatorPanic) {
				return err
			}
			return errors.New(errors.Join(ErrInvariantViolated, err)).
				Component(componentName).
				Category(errors.CategoryValidation).
				Context("invariant", inv.name).
				Context("from", from.String()).
				Context("to", to.String()).
				Build()
		}
	}

	for _, v := range m.validators[pair{from, to}] {
		fn := v.fn
		if err := m.safeCall(v.kind.String(), from, to, func() error { return fn(ctx, from, to) }); err != nil {
			if errors.Is(err, ErrValidatorPanic) {
				return err
			}
			return errors.New(errors.Join(ErrValidatorFailed, err)).
				Component(componentName).
				Category(errors.CategoryValidation).
				Context("validator", v.kind.String()).
				Context("from", from.String()).
				Context("to", to.String()).
				Build()
		}
	}
	return nil
}

func (m *Machine) invalidTransition(from, to State) error {
	return errors.New(ErrInvalidTransition).
		Component(componentName).
		Category(errors.CategoryState).
		Context("from", from.String()).
		Context("to", to.String()).
		Build()
}

// safeCall runs fn, converting a panic into ErrValidatorPanic with the stack
func (m *Machine) safeCall(name string, from, to State, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = errors.New(errors.Join(ErrValidatorPanic, fmt.Errorf("%s: %v", name, r))).
			Component(componentName).
			Category(errors.CategoryProcessing).
			Context("check", name).
			Context("from", from.String()).
			Context("to", to.String()).
			Context("stack", string(debug.Stack())).
			Build()
		m.log.Error("recovery check panicked",
			logger.String("check", name),
			logger.String("panic", fmt.Sprint(r)))
		if m.reporter != nil {
			m.reporter.ReportError(componentName, "recovery check panicked", err)
		}
	}()
	return fn()
}

func (m *Machine) commitLocked(from, to State, start time.Time, rollback bool) {
	if from == Idle && to == Initiating {
		m.session = uuid.New()
	}
	m.state = to
	if rollback || to == Failed || to == Idle {
		m.last = nil
	} else {
		m.last = &pair{from, to}
	}

	entry := m.recordLocked(from, to, start, nil, rollback)
	m.metrics.SetRecoveryState(from.String(), to.String())
	m.log.Info("recovery state changed",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
		logger.Bool("rollback", rollback),
		logger.String("session", m.session.String()))

	for _, fn := range m.onEnter[to] {
		m.runEnterHook(fn, from, to)
	}

	change := StateChange{
		Seq:       entry.Seq,
		Session:   m.session,
		From:      from,
		To:        to,
		Rollback:  rollback,
		Timestamp: entry.Timestamp,
	}
	if !m.changes.TryPublish(change) {
		err := errors.New(ErrChangeNotDelivered).
			Component(componentName).
			Category(errors.CategoryState).
			Context("seq", change.Seq).
			Context("from", from.String()).
			Context("to", to.String()).
			Build()
		m.undelivered++
		m.log.Error("state change not delivered to subscribers",
			logger.Uint64("seq", change.Seq),
			logger.String("to", to.String()))
		if m.reporter != nil {
			m.reporter.ReportError(componentName, "state change not delivered", err)
		}
	}
}

// Undelivered returns how many committed state changes could not be
// published, which happens only after Close
func (m *Machine) Undelivered() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undelivered
}

func (m *Machine) runEnterHook(fn func(from, to State), from, to State) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("state entry hook panicked",
				logger.String("state", to.String()),
				logger.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(from, to)
}

func (m *Machine) recordLocked(from, to State, start time.Time, err error, rollback bool) Transition {
	m.seq++
	entry := Transition{
		Seq:       m.seq,
		Session:   m.session,
		Timestamp: start,
		From:      from,
		To:        to,
		Success:   err == nil,
		Duration:  time.Since(start),
		Rollback:  rollback,
	}
	if err != nil {
		entry.Err = err.Error()
	} else if m.snapshotter != nil {
		snap := m.snapshotter.Snapshot()
		entry.Snapshot = &snap
	}
	m.history = append(m.history, entry)
	if over := len(m.history) - m.maxHistory; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	m.metrics.RecordRecoveryTransition(from.String(), to.String(), err == nil, entry.Duration)
	return entry
}

// Rollback undoes the last committed move if a rollback is registered for it
func (m *Machine) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last == nil || m.last.to != m.state {
		return errors.New(ErrNoRollback).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("state", m.state.String()).
			Build()
	}
	p := *m.last
	fn, ok := m.rollbacks[p]
	if !ok {
		return errors.New(ErrNoRollback).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("from", p.from.String()).
			Context("to", p.to.String()).
			Build()
	}

	start := time.Now()
	if err := m.safeCall("rollback", p.to, p.from, func() error { return fn(ctx) }); err != nil {
		wrapped := errors.New(errors.Join(ErrRollbackFailed, err)).
			Component(componentName).
			Category(errors.CategoryState).
			Context("from", p.to.String()).
			Context("to", p.from.String()).
			Build()
		m.recordLocked(p.to, p.from, start, wrapped, true)
		return wrapped
	}
	m.commitLocked(p.to, p.from, start, true)
	return nil
}

// Reset returns a terminal machine to Idle
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.IsTerminal() {
		return errors.New(ErrNotTerminal).
			Component(componentName).
			Category(errors.CategoryState).
			Context("state", m.state.String()).
			Build()
	}
	return m.transitionLocked(context.Background(), Idle)
}

// RunSequence performs transitions in order and stops at the first failure
func (m *Machine) RunSequence(ctx context.Context, states ...State) error {
	for i, s := range states {
		if err := m.TransitionTo(ctx, s); err != nil {
			return errors.New(err).
				Component(componentName).
				Context("step", i).
				Context("target", s.String()).
				Build()
		}
	}
	return nil
}

// History returns a copy of the transition history, oldest first
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Close stops event delivery and closes subscriber channels
func (m *Machine) Close() {
	m.changes.Close()
}
