// Package locking implements the kernel's ordered lock hierarchy.
//
// Locks are acquired in ascending Level order:
//
//	state -> metrics -> performance -> component -> atomic-update
//
// A Guard records what the calling goroutine holds. Acquiring a level that is
// not strictly above every held level fails with ErrLockOrder instead of
// risking a deadlock. Multi-lock acquisition is bounded by a single deadline
// and releases everything it took when any lock cannot be obtained in time.
//
// Locks are not reentrant. Helpers that need a lock the caller may already
// hold take the caller's *Guard and check Holds.
package locking

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

const componentName = "locking"

// Level identifies a lock in the hierarchy
type Level int

const (
	LevelState Level = iota
	LevelMetrics
	LevelPerformance
	LevelComponent
	LevelAtomicUpdate
	levelCount
)

// Levels lists every level in acquisition order
var Levels = []Level{LevelState, LevelMetrics, LevelPerformance, LevelComponent, LevelAtomicUpdate}

func (l Level) String() string {
	switch l {
	case LevelState:
		return "state"
	case LevelMetrics:
		return "metrics"
	case LevelPerformance:
		return "performance"
	case LevelComponent:
		return "component"
	case LevelAtomicUpdate:
		return "atomic-update"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name back to a Level
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, errors.Newf("unknown lock level %q", s).
		Component(componentName).
		Category(errors.CategoryValidation).
		Build()
}

var (
	// ErrLockTimeout is returned when a lock could not be obtained before the deadline
	ErrLockTimeout = errors.NewStd("lock acquisition timed out")
	// ErrLockOrder is returned when levels are requested out of hierarchy order
	ErrLockOrder = errors.NewStd("lock hierarchy violation")
	// ErrGuardReleased is returned when a released guard is reused
	ErrGuardReleased = errors.NewStd("guard already released")
)

// timedLock is a mutex whose acquisition can be bounded by a deadline
type timedLock struct {
	ch chan struct{}
}

func newTimedLock() *timedLock {
	return &timedLock{ch: make(chan struct{}, 1)}
}

func (l *timedLock) lock(ctx context.Context) bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
	}
	select {
	case l.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *timedLock) unlock() {
	select {
	case <-l.ch:
	default:
		panic("locking: unlock of unlocked lock")
	}
}

func (l *timedLock) held() bool { return len(l.ch) == 1 }

// Hierarchy owns one lock per Level
type Hierarchy struct {
	locks          [levelCount]*timedLock
	defaultTimeout time.Duration
	onTimeout      func(Level)
	log            logger.Logger
}

// Option configures a Hierarchy
type Option func(*Hierarchy)

// WithTimeout sets the timeout used by Acquire
func WithTimeout(d time.Duration) Option {
	return func(h *Hierarchy) {
		if d > 0 {
			h.defaultTimeout = d
		}
	}
}

// WithTimeoutHook registers a callback invoked with the level that timed out
func WithTimeoutHook(fn func(Level)) Option {
	return func(h *Hierarchy) { h.onTimeout = fn }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(h *Hierarchy) {
		if l != nil {
			h.log = l
		}
	}
}

// DefaultTimeout is used when no WithTimeout option is given
const DefaultTimeout = 2 * time.Second

// NewHierarchy creates the lock set
func NewHierarchy(opts ...Option) *Hierarchy {
	h := &Hierarchy{defaultTimeout: DefaultTimeout}
	for i := range h.locks {
		h.locks[i] = newTimedLock()
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.Global().Module(logger.ModuleLocking)
	}
	return h
}

// Acquire takes levels with the default timeout
func (h *Hierarchy) Acquire(levels ...Level) (*Guard, error) {
	return h.AcquireTimeout(h.defaultTimeout, levels...)
}

// AcquireTimeout takes every level in order, all within timeout. On failure
// nothing is left held.
func (h *Hierarchy) AcquireTimeout(timeout time.Duration, levels ...Level) (*Guard, error) {
	g := &Guard{h: h}
	if err := g.ExtendTimeout(timeout, levels...); err != nil {
		return nil, err
	}
	return g, nil
}

// AcquireContext takes levels, bounded by ctx
func (h *Hierarchy) AcquireContext(ctx context.Context, levels ...Level) (*Guard, error) {
	g := &Guard{h: h}
	if err := g.extend(ctx, levels); err != nil {
		return nil, err
	}
	return g, nil
}

// IsHeld reports whether any goroutine currently holds level
func (h *Hierarchy) IsHeld(level Level) bool {
	if level < 0 || level >= levelCount {
		return false
	}
	return h.locks[level].held()
}

// HeldLevels lists currently held levels, in order
func (h *Hierarchy) HeldLevels() []Level {
	var held []Level
	for _, l := range Levels {
		if h.locks[l].held() {
			held = append(held, l)
		}
	}
	return held
}

// Guard is the set of levels held by one goroutine. It is not safe for
// concurrent use.
type Guard struct {
	h        *Hierarchy
	held     []Level
	released bool
}

// Holds reports whether the guard holds level
func (g *Guard) Holds(level Level) bool {
	return g != nil && slices.Contains(g.held, level)
}

// Held returns the held levels in acquisition order
func (g *Guard) Held() []Level {
	if g == nil {
		return nil
	}
	return slices.Clone(g.held)
}

// Extend acquires additional levels above those already held
func (g *Guard) Extend(levels ...Level) error {
	return g.ExtendTimeout(g.h.defaultTimeout, levels...)
}

// ExtendTimeout acquires additional levels with a shared deadline
func (g *Guard) ExtendTimeout(timeout time.Duration, levels ...Level) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.extend(ctx, levels)
}

func (g *Guard) extend(ctx context.Context, levels []Level) error {
	if g.released {
		return errors.New(ErrGuardReleased).
			Component(componentName).
			Category(errors.CategoryProtocol).
			Build()
	}
	if err := g.checkOrder(levels); err != nil {
		g.h.log.Error("lock order violation",
			logger.Strings("held", levelNames(g.held)),
			logger.Strings("requested", levelNames(levels)),
			logger.Error(err))
		return err
	}

	taken := make([]Level, 0, len(levels))
	for _, level := range levels {
		if !g.h.locks[level].lock(ctx) {
			for i := len(taken) - 1; i >= 0; i-- {
				g.h.locks[taken[i]].unlock()
			}
			if g.h.onTimeout != nil {
				g.h.onTimeout(level)
			}
			g.h.log.Debug("lock acquisition timed out",
				logger.String("level", level.String()),
				logger.Strings("rolled_back", levelNames(taken)))
			return errors.New(ErrLockTimeout).
				Component(componentName).
				Category(errors.CategoryTimeout).
				Context("level", level.String()).
				Build()
		}
		taken = append(taken, level)
	}
	g.held = append(g.held, taken...)
	return nil
}

func (g *Guard) checkOrder(levels []Level) error {
	floor := Level(-1)
	if n := len(g.held); n > 0 {
		floor = g.held[n-1]
	}
	for _, level := range levels {
		if level < 0 || level >= levelCount || level <= floor {
			return errors.New(ErrLockOrder).
				Component(componentName).
				Category(errors.CategoryProtocol).
				Context("level", level.String()).
				Context("after", floor.String()).
				Build()
		}
		floor = level
	}
	return nil
}

// Release unlocks every held level in reverse order. Calling it twice is a no-op.
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	for i := len(g.held) - 1; i >= 0; i-- {
		g.h.locks[g.held[i]].unlock()
	}
	g.held = nil
	g.released = true
}

// ReleaseLevel unlocks level ahead of Release. Only the highest held level
// may be released early.
func (g *Guard) ReleaseLevel(level Level) error {
	n := len(g.held)
	if g.released || n == 0 || g.held[n-1] != level {
		return errors.New(ErrLockOrder).
			Component(componentName).
			Category(errors.CategoryProtocol).
			Context("level", level.String()).
			Build()
	}
	g.h.locks[level].unlock()
	g.held = g.held[:n-1]
	return nil
}

// With runs fn while holding levels
func (h *Hierarchy) With(levels []Level, fn func(*Guard) error) error {
	g, err := h.Acquire(levels...)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g)
}

func levelNames(levels []Level) []string {
	names := make([]string, len(levels))
	for i, l := range levels {
		names[i] = l.String()
	}
	return names
}
