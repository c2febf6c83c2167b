// Package component implements the component coordinator: the registry of
// kernel components, their lifecycle states, resource accounting and thread
// liveness.
//
// Registry state is guarded by the component level of the kernel lock
// hierarchy. Methods ending in Guarded accept a guard from a caller that
// already holds lower levels or the component level itself.
package component

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/observability/metrics"
	"github.com/tphakala/audiokernel/internal/pool"
)

const componentName = "component"

// Config configures the coordinator
type Config struct {
	CheckInterval  time.Duration
	FailureWindow  time.Duration
	FailureHistory int
	MaxThreads     int // per component
	MaxHandles     int // per component
}

// DefaultConfig returns a 1s check interval, a 5m failure window, 10
// failures of history and 64 threads / 256 handles per component.
func DefaultConfig() Config {
	return ConfigFromSettings(conf.Default())
}

// ConfigFromSettings converts loaded settings
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		CheckInterval:  s.Health.CheckInterval,
		FailureWindow:  s.Health.FailureWindow,
		FailureHistory: s.Health.FailureHistory,
		MaxThreads:     s.Resources.MaxThreads,
		MaxHandles:     s.Resources.MaxHandles,
	}
}

// BufferAllocator is the subset of the resource pool used for buffer resources
type BufferAllocator interface {
	Allocate(size int) (*pool.Buffer, error)
	Release(buf *pool.Buffer, staged bool) error
}

// MetricsRecorder receives component metrics
type MetricsRecorder interface {
	RecordComponentTransition(component, to string, ok bool)
	RecordThreadFailure(reason string)
}

// ErrorReporter receives protocol errors
type ErrorReporter interface {
	ReportError(component, message string, err error)
}

// ResourceKind is a scalar resource tracked per component
type ResourceKind int

const (
	ResourceThreads ResourceKind = iota
	ResourceHandles
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceThreads:
		return "threads"
	case ResourceHandles:
		return "handles"
	default:
		return fmt.Sprintf("resource(%d)", int(k))
	}
}

// StateChange describes a committed lifecycle move
type StateChange struct {
	Component string
	From      State
	To        State
	Reason    string
	Time      time.Time
}

type entry struct {
	name       string
	state      State
	deps       []string
	health     HealthCheck
	resources  map[ResourceKind]int
	buffers    map[uint64]*pool.Buffer
	failures   []Failure
	registered time.Time
	changed    time.Time
}

// Coordinator tracks registered components
type Coordinator struct {
	cfg   Config
	locks *locking.Hierarchy
	alloc BufferAllocator

	// guarded by locking.LevelComponent
	components map[string]*entry
	order      []string
	threads    map[string]*thread

	cbMu            sync.Mutex
	onChange        []func(StateChange)
	onThreadFailure []func(ThreadFailure)

	sweepMu sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup

	now      func() time.Time
	log      logger.Logger
	metrics  MetricsRecorder
	reporter ErrorReporter
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithLocks shares a lock hierarchy. By default the coordinator creates its own.
func WithLocks(h *locking.Hierarchy) Option {
	return func(c *Coordinator) { c.locks = h }
}

// WithAllocator sets the pool used for buffer resources
func WithAllocator(a BufferAllocator) Option {
	return func(c *Coordinator) { c.alloc = a }
}

// WithMetrics sets the metrics recorder
func WithMetrics(r MetricsRecorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithErrorReporter sets where protocol errors are reported
func WithErrorReporter(r ErrorReporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a coordinator
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.CheckInterval <= 0 || cfg.FailureWindow <= 0 || cfg.FailureHistory <= 0 {
		return nil, errors.Newf("health settings must be positive").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("check_interval", cfg.CheckInterval.String()).
			Context("failure_window", cfg.FailureWindow.String()).
			Context("failure_history", cfg.FailureHistory).
			Build()
	}
	if cfg.MaxThreads <= 0 || cfg.MaxHandles <= 0 {
		return nil, errors.Newf("resource limits must be positive").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	c := &Coordinator{
		cfg:        cfg,
		components: make(map[string]*entry),
		threads:    make(map[string]*thread),
		now:        time.Now,
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module(logger.ModuleComponent)
	}
	if c.locks == nil {
		c.locks = locking.NewHierarchy(locking.WithLogger(c.log))
	}
	return c, nil
}

// withLock runs fn under the component level. A guard already holding the
// level is used as is; otherwise the level is taken on g, or on a fresh
// guard when g is nil.
func (c *Coordinator) withLock(g *locking.Guard, fn func() error) error {
	if g.Holds(locking.LevelComponent) {
		return fn()
	}
	if g != nil {
		if err := g.Extend(locking.LevelComponent); err != nil {
			return err
		}
		defer func() { _ = g.ReleaseLevel(locking.LevelComponent) }()
		return fn()
	}
	own, err := c.locks.Acquire(locking.LevelComponent)
	if err != nil {
		return err
	}
	defer own.Release()
	return fn()
}

// Register adds a component. Dependencies must already be registered.
func (c *Coordinator) Register(name string, deps []string, health HealthCheck) error {
	if name == "" {
		return c.protocolError("component name is empty", errors.Newf("component name is empty").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build())
	}
	var regErr error
	err := c.withLock(nil, func() error {
		if _, exists := c.components[name]; exists {
			regErr = errors.New(ErrDuplicate).
				Component(componentName).
				Category(errors.CategoryConflict).
				Context("component", name).
				Build()
			return nil
		}
		for _, dep := range deps {
			if dep == name {
				regErr = errors.New(ErrSelfDependency).
					Component(componentName).
					Category(errors.CategoryValidation).
					Context("component", name).
					Build()
				return nil
			}
			if _, ok := c.components[dep]; !ok {
				regErr = errors.New(ErrUnknownDependency).
					Component(componentName).
					Category(errors.CategoryValidation).
					Context("component", name).
					Context("dependency", dep).
					Build()
				return nil
			}
		}

		now := c.now()
		c.components[name] = &entry{
			name:       name,
			state:      Uninitialized,
			deps:       slices.Compact(slices.Sorted(slices.Values(deps))),
			health:     health,
			resources:  make(map[ResourceKind]int),
			buffers:    make(map[uint64]*pool.Buffer),
			registered: now,
			changed:    now,
		}
		c.order = append(c.order, name)
		return nil
	})
	if err != nil {
		return err
	}
	if regErr != nil {
		return c.protocolError("component registration rejected", regErr)
	}
	c.log.Info("component registered",
		logger.String("component", name),
		logger.Strings("dependencies", deps))
	return nil
}

// Unregister removes a component that nothing depends on and that holds no resources
func (c *Coordinator) Unregister(name string) error {
	var released []*pool.Buffer
	err := c.withLock(nil, func() error {
		e, err := c.lookupLocked(name)
		if err != nil {
			return err
		}
		if deps := c.dependentsLocked(name); len(deps) > 0 {
			return errors.New(ErrHasDependents).
				Component(componentName).
				Category(errors.CategoryConflict).
				Context("component", name).
				Context("dependents", deps).
				Build()
		}
		for key, t := range c.threads {
			if t.component == name {
				delete(c.threads, key)
			}
		}
		for _, buf := range e.buffers {
			released = append(released, buf)
		}
		delete(c.components, name)
		c.order = slices.DeleteFunc(c.order, func(n string) bool { return n == name })
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, buf := range released {
		if relErr := c.alloc.Release(buf, false); relErr != nil {
			errs = append(errs, relErr)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) lookupLocked(name string) (*entry, error) {
	e, ok := c.components[name]
	if !ok {
		return nil, errors.New(ErrNotFound).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("component", name).
			Build()
	}
	return e, nil
}

// SetState moves a component along the lifecycle table
func (c *Coordinator) SetState(name string, to State, reason string) error {
	var change *StateChange
	var moveErr error
	err := c.withLock(nil, func() error {
		e, err := c.lookupLocked(name)
		if err != nil {
			return err
		}
		change, moveErr = c.setStateLocked(e, to, reason)
		return nil
	})
	if err != nil {
		return err
	}
	if moveErr != nil {
		return c.protocolError("component transition rejected", moveErr)
	}
	c.notifyChange(*change)
	return nil
}

func (c *Coordinator) setStateLocked(e *entry, to State, reason string) (*StateChange, error) {
	from := e.state
	if !CanTransition(from, to) {
		c.metrics.RecordComponentTransition(e.name, to.String(), false)
		return nil, errors.New(ErrInvalidTransition).
			Component(componentName).
			Category(errors.CategoryState).
			Context("component", e.name).
			Context("from", from.String()).
			Context("to", to.String()).
			Build()
	}
	e.state = to
	e.changed = c.now()
	c.metrics.RecordComponentTransition(e.name, to.String(), true)
	return &StateChange{Component: e.name, From: from, To: to, Reason: reason, Time: e.changed}, nil
}

// State returns a component's lifecycle state
func (c *Coordinator) State(name string) (State, error) {
	var s State
	err := c.withLock(nil, func() error {
		e, err := c.lookupLocked(name)
		if err != nil {
			return err
		}
		s = e.state
		return nil
	})
	return s, err
}

// OnStateChange registers fn for every committed lifecycle move. Callbacks
// run after the registry lock is released.
func (c *Coordinator) OnStateChange(fn func(StateChange)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *Coordinator) notifyChange(ch StateChange) {
	c.log.Debug("component state changed",
		logger.String("component", ch.Component),
		logger.String("from", ch.From.String()),
		logger.String("to", ch.To.String()),
		logger.String("reason", ch.Reason))
	c.cbMu.Lock()
	fns := slices.Clone(c.onChange)
	c.cbMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// AllocateResource reserves n units of a scalar resource for a component
func (c *Coordinator) AllocateResource(name string, kind ResourceKind, n int) error {
	if n <= 0 {
		return c.protocolError("resource amount must be positive", errors.Newf("invalid resource amount %d", n).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("component", name).
			Context("resource", kind.String()).
			Build())
	}
	return c.withLock(nil, func() error {
		e, err := c.lookupLocked(name)
		if err != nil {
			return err
		}
		return c.reserveLocked(e, kind, n)
	})
}

func (c *Coordinator) reserveLocked(e *entry, kind ResourceKind, n int) error {
	limit, err := c.limit(kind)
	if err != nil {
		return err
	}
	if e.resources[kind]+n > limit {
		return errors.New(ErrLimitExceeded).
			Component(componentName).
			Category(errors.CategoryLimit).
			Context("component", e.name).
			Context("resource", kind.String()).
			Context("held", e.resources[kind]).
			Context("requested", n).
			Context("limit", limit).
			Build()
	}
	e.resources[kind] += n
	return nil
}

// ReleaseResource returns n units of a scalar resource
func (c *Coordinator) ReleaseResource(name string, kind ResourceKind, n int) error {
	var relErr error
	err := c.withLock(nil, func() error {
		e, err := c.lookupLocked(name)
		if err != nil {
			return err
		}
		relErr = c.unreserveLocked(e, kind, n)
		return nil
	})
	if err != nil {
		return err
	}
	if relErr != nil {
		return c.protocolError("resource over-release", relErr)
	}
	return nil
}

func (c *Coordinator) unreserveLocked(e *entry, kind ResourceKind, n int) error {
	if n <= 0 || e.resources[kind] < n {
		return errors.New(ErrOverRelease).
			Component(componentName).
			Category(errors.CategoryProtocol).
			Context("component", e.name).
			Context("resource", kind.String()).
			Context("held", e.resources[kind]).
			Context("released", n).
			Build()
	}
	e.resources[kind] -= n
	return nil
}

func (c *Coordinator) limit(kind ResourceKind) (int, error) {
	switch kind {
	case ResourceThreads:
		return c.cfg.MaxThreads, nil
	case ResourceHandles:
		return c.cfg.MaxHandles, nil
	default:
		return 0, errors.Newf("unknown resource kind %d", int(kind)).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
}

// AllocateBuffer allocates a pool buffer on behalf of a component
func (c *Coordinator) AllocateBuffer(name string, size int) (*pool.Buffer, error) {
	if c.alloc == nil {
		return nil, errors.Newf("no buffer allocator configured").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := c.State(name); err != nil {
		return nil, err
	}
	buf, err := c.alloc.Allocate(size)
	if err != nil {
		return nil, err
	}
	err = c.withLock(nil, func() error {
		e, err := c.lookupLocked(name)
		if err != nil {
			return err
		}
		e.buffers[buf.ID()] = buf
		return nil
	})
	if err != nil {
		if relErr := c.alloc.Release(buf, false); relErr != nil {
			c.log.Error("failed to return buffer", logger.Error(relErr))
		}
		return nil, err
	}
	return buf, nil
}

// ReleaseBuffer returns a buffer the component allocated
func (c *Coordinator) ReleaseBuffer(name string, buf *pool.Buffer) error {
	var relErr error
	err := c.withLock(nil, func() error {
		e, err := c.lookupLocked(name)
		if err != nil {
			return err
		}
		if buf == nil || e.buffers[buf.ID()] != buf {
			relErr = errors.New(ErrUnknownBuffer).
				Component(componentName).
				Category(errors.CategoryProtocol).
				Context("component", name).
				Build()
			return nil
		}
		delete(e.buffers, buf.ID())
		return nil
	})
	if err != nil {
		return err
	}
	if relErr != nil {
		return c.protocolError("buffer release rejected", relErr)
	}
	return c.alloc.Release(buf, false)
}

// Dependents returns the components that directly depend on name, sorted
func (c *Coordinator) Dependents(name string) ([]string, error) {
	var out []string
	err := c.withLock(nil, func() error {
		if _, err := c.lookupLocked(name); err != nil {
			return err
		}
		out = c.dependentsLocked(name)
		return nil
	})
	return out, err
}

func (c *Coordinator) dependentsLocked(name string) []string {
	var out []string
	for _, e := range c.components {
		if slices.Contains(e.deps, name) {
			out = append(out, e.name)
		}
	}
	slices.Sort(out)
	return out
}

// StartupOrder returns component names with every dependency before its
// dependents. Components with no ordering constraint keep registration order.
func (c *Coordinator) StartupOrder() ([]string, error) {
	var out []string
	err := c.withLock(nil, func() error {
		indeg := make(map[string]int, len(c.components))
		for _, e := range c.components {
			indeg[e.name] = len(e.deps)
		}
		placed := make(map[string]bool, len(c.components))
		for len(out) < len(c.order) {
			progressed := false
			for _, name := range c.order {
				if placed[name] || indeg[name] > 0 {
					continue
				}
				placed[name] = true
				out = append(out, name)
				progressed = true
				for _, dependent := range c.dependentsLocked(name) {
					indeg[dependent]--
				}
			}
			if !progressed {
				return errors.Newf("dependency cycle among components").
					Component(componentName).
					Category(errors.CategoryFatal).
					Build()
			}
		}
		return nil
	})
	return out, err
}

// Info is a snapshot of one component
type Info struct {
	Name       string         `json:"name"`
	State      State          `json:"state"`
	Deps       []string       `json:"dependencies,omitempty"`
	Resources  map[string]int `json:"resources,omitempty"`
	Buffers    int            `json:"buffers"`
	Threads    int            `json:"threads"`
	Failures   []Failure      `json:"failures,omitempty"`
	HasHealth  bool           `json:"has_health_check"`
	Registered time.Time      `json:"registered"`
	Changed    time.Time      `json:"changed"`
}

// Snapshot returns every component in registration order
func (c *Coordinator) Snapshot() ([]Info, error) {
	return c.SnapshotGuarded(nil)
}

// SnapshotGuarded is Snapshot for callers that already hold lock levels on g
func (c *Coordinator) SnapshotGuarded(g *locking.Guard) ([]Info, error) {
	var out []Info
	err := c.withLock(g, func() error {
		threads := make(map[string]int)
		for _, t := range c.threads {
			threads[t.component]++
		}
		out = make([]Info, 0, len(c.order))
		for _, name := range c.order {
			e := c.components[name]
			res := make(map[string]int, len(e.resources))
			for k, v := range e.resources {
				res[k.String()] = v
			}
			out = append(out, Info{
				Name:       e.name,
				State:      e.state,
				Deps:       slices.Clone(e.deps),
				Resources:  res,
				Buffers:    len(e.buffers),
				Threads:    threads[e.name],
				Failures:   slices.Clone(e.failures),
				HasHealth:  e.health != nil,
				Registered: e.registered,
				Changed:    e.changed,
			})
		}
		return nil
	})
	return out, err
}

// States returns each component's state name
func (c *Coordinator) States() map[string]string {
	infos, err := c.Snapshot()
	if err != nil {
		c.log.Warn("component snapshot unavailable", logger.Error(err))
		return nil
	}
	out := make(map[string]string, len(infos))
	for _, info := range infos {
		out[info.Name] = info.State.String()
	}
	return out
}

// Names returns registered component names, sorted
func (c *Coordinator) Names() []string {
	infos, err := c.Snapshot()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	slices.Sort(names)
	return names
}

func (c *Coordinator) protocolError(message string, err error) error {
	c.log.Error(message, logger.Error(err))
	if c.reporter != nil {
		c.reporter.ReportError(componentName, message, err)
	}
	return err
}
