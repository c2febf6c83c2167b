// Package monitor implements the monitoring coordinator, the single object
// the capture, processing and storage stages talk to. It owns the lock
// hierarchy and one instance of every kernel subsystem: the resource pool,
// the buffer manager, the component coordinator, the recovery state machine,
// the cleanup coordinator and the alert service.
//
// Faults reported through ReportError are recorded, raised as alerts and,
// unless they are protocol or transient errors, start an asynchronous
// recovery. A recovery that fails drives the state machine to Failed and
// runs the cleanup plan, after which the kernel is shut down.
//
// Lock order is state, metrics, performance, component, atomic update. The
// coordinator's own fields follow it: lifecycle and recovery bookkeeping sit
// under the state level, gauges under metrics, the last system sample under
// performance.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/audiokernel/internal/buffer"
	"github.com/tphakala/audiokernel/internal/cleanup"
	"github.com/tphakala/audiokernel/internal/component"
	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/notification"
	"github.com/tphakala/audiokernel/internal/observability/metrics"
	"github.com/tphakala/audiokernel/internal/pool"
	"github.com/tphakala/audiokernel/internal/recovery"
)

const componentName = "monitor"

// MetricsRecorder receives every kernel metric
type MetricsRecorder interface {
	pool.MetricsRecorder
	buffer.MetricsRecorder
	component.MetricsRecorder
	recovery.MetricsRecorder
	cleanup.MetricsRecorder
	notification.MetricsRecorder
	RecordKernelError(component, kind string)
	RecordLockTimeout(level string)
	SetValue(name string, value float64)
}

// Coordinator is the monitoring coordinator
type Coordinator struct {
	settings *conf.Settings
	locks    *locking.Hierarchy

	pool       *pool.Pool
	buffers    *buffer.Manager
	components *component.Coordinator
	recovery   *recovery.Machine
	cleanup    *cleanup.Coordinator
	alerts     *notification.Service
	sampler    *systemSampler

	metrics MetricsRecorder
	log     logger.Logger

	shutdown atomic.Bool

	// guarded by locking.LevelState
	started  bool
	handlers []namedHandler
	recStats RecoveryStats

	// guarded by locking.LevelMetrics
	gauges         Gauges
	unknownMetrics uint64

	// guarded by locking.LevelPerformance
	perf PerformanceStats

	// errMu is a leaf lock outside the hierarchy so ReportError can be
	// called from any subsystem, whatever it holds
	errMu    sync.Mutex
	errCount uint64
	lastErr  *ErrorRecord

	// lifeMu orders recovery start against shutdown
	lifeMu     sync.Mutex
	recovering atomic.Bool
	recoveryWG sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	loopsStop context.CancelFunc
	loops     sync.WaitGroup

	shutdownOnce   sync.Once
	shutdownResult cleanup.Result
	shutdownErr    error
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the base logger; subsystems log under their own module
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics recorder, usually *metrics.KernelMetrics
func WithMetrics(r MetricsRecorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.metrics = r
		}
	}
}

// New validates settings and builds every subsystem. Nil settings use defaults.
func New(settings *conf.Settings, opts ...Option) (*Coordinator, error) {
	if settings == nil {
		settings = conf.Default()
	}
	if err := conf.ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	c := &Coordinator{settings: settings, metrics: metrics.NoopRecorder{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global()
	}
	base := c.log
	c.log = base.Module(logger.ModuleMonitor)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.locks = locking.NewHierarchy(
		locking.WithTimeout(settings.Locks.AcquireTimeout),
		locking.WithTimeoutHook(func(l locking.Level) { c.metrics.RecordLockTimeout(l.String()) }),
		locking.WithLogger(base.Module(logger.ModuleLocking)),
	)

	var err error
	c.pool, err = pool.New(pool.ConfigFromSettings(settings.Pool),
		pool.WithLogger(base.Module(logger.ModulePool)),
		pool.WithErrorReporter(c),
		pool.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}

	c.buffers, err = buffer.New(c.pool, buffer.ConfigFromSettings(settings.Queues),
		buffer.WithLogger(base.Module(logger.ModuleBuffer)),
		buffer.WithLocks(c.locks),
		buffer.WithErrorReporter(c),
		buffer.WithMetrics(c.metrics),
		buffer.WithShutdownFlag(c.shutdown.Load, ErrShutdown))
	if err != nil {
		return nil, err
	}

	c.components, err = component.New(component.ConfigFromSettings(settings),
		component.WithLogger(base.Module(logger.ModuleComponent)),
		component.WithLocks(c.locks),
		component.WithAllocator(c.pool),
		component.WithMetrics(c.metrics),
		component.WithErrorReporter(c))
	if err != nil {
		return nil, err
	}
	c.components.OnThreadFailure(c.onThreadFailure)

	c.recovery = recovery.New(
		recovery.WithLogger(base.Module(logger.ModuleRecovery)),
		recovery.WithMetrics(c.metrics),
		recovery.WithErrorReporter(c),
		recovery.WithSnapshotter(recovery.SnapshotFunc(c.snapshot)))
	c.buffers.AttachRecovery(c.recovery)
	c.attachValidators()

	c.cleanup, err = cleanup.New(cleanup.ConfigFromSettings(settings.Cleanup),
		cleanup.WithLogger(base.Module(logger.ModuleCleanup)),
		cleanup.WithRecovery(c.recovery),
		cleanup.WithMetrics(c.metrics))
	if err != nil {
		c.recovery.Close()
		return nil, err
	}

	c.alerts, err = notification.NewService(notification.ConfigFromSettings(settings.Alerts),
		notification.WithLogger(base.Module(logger.ModuleNotification)),
		notification.WithMetrics(c.metrics))
	if err != nil {
		c.recovery.Close()
		return nil, err
	}

	if err := c.registerCleanupPlan(); err != nil {
		c.alerts.Close()
		c.recovery.Close()
		return nil, err
	}

	c.sampler = newSystemSampler(c.log)
	c.log.Info("kernel initialized",
		logger.Int("small_max", settings.Pool.Small.MaxBuffers),
		logger.Int("capture_depth", settings.Queues.CaptureDepth),
		logger.Duration("lock_timeout", settings.Locks.AcquireTimeout))
	return c, nil
}

// checkOpen fails fast once shutdown has begun
func (c *Coordinator) checkOpen(op string) error {
	if c.shutdown.Load() {
		return errors.New(ErrShutdown).
			Component(componentName).
			Category(errors.CategoryState).
			Context("operation", op).
			Build()
	}
	return nil
}

// withState runs fn holding the state level
func (c *Coordinator) withState(fn func()) error {
	g, err := c.locks.Acquire(locking.LevelState)
	if err != nil {
		return err
	}
	defer g.Release()
	fn()
	return nil
}

// Start begins the liveness sweep and the periodic health loop
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.checkOpen("start"); err != nil {
		return err
	}
	var already bool
	if err := c.withState(func() {
		already = c.started
		c.started = true
	}); err != nil {
		return err
	}
	if already {
		return errors.New(ErrAlreadyStarted).
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}

	loopCtx, stop := context.WithCancel(ctx)
	c.lifeMu.Lock()
	c.loopsStop = stop
	c.lifeMu.Unlock()

	if err := c.components.Start(loopCtx); err != nil {
		stop()
		return err
	}
	c.samplePerformance()

	c.loops.Add(1)
	go c.healthLoop(loopCtx)
	c.log.Info("kernel started", logger.Duration("check_interval", c.settings.Health.CheckInterval))
	return nil
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.settings.Health.CheckInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		c.samplePerformance()
		if c.recovering.Load() {
			continue
		}
		report := c.components.VerifySystemHealth(ctx)
		if report.Healthy == healthy {
			continue
		}
		healthy = report.Healthy
		if healthy {
			c.alert(notification.SeverityInfo, componentName, "System healthy", "all components passed health checks")
			continue
		}
		for name, h := range report.Components {
			if !h.Healthy {
				c.log.Warn("component unhealthy", logger.String("component", name), logger.String("reason", h.Reason))
				c.alert(notification.SeverityWarning, name, "Component unhealthy", h.Reason)
			}
		}
	}
}

// stopBackground cancels the health loop, the liveness sweep and any
// in-flight recovery, and waits for the loops to exit
func (c *Coordinator) stopBackground() {
	c.cancel()
	c.lifeMu.Lock()
	stop := c.loopsStop
	c.lifeMu.Unlock()
	if stop != nil {
		stop()
	}
	c.loops.Wait()
	c.components.Stop()
}

func (c *Coordinator) alert(severity notification.Severity, component, title, message string) {
	if _, err := c.alerts.Notify(severity, component, title, message); err != nil {
		c.log.Debug("alert not delivered", logger.String("title", title), logger.Error(err))
	}
}

// Locks returns the kernel lock hierarchy
func (c *Coordinator) Locks() *locking.Hierarchy { return c.locks }

// Pool returns the resource pool
func (c *Coordinator) Pool() *pool.Pool { return c.pool }

// Buffers returns the buffer manager
func (c *Coordinator) Buffers() *buffer.Manager { return c.buffers }

// Components returns the component coordinator
func (c *Coordinator) Components() *component.Coordinator { return c.components }

// Recovery returns the recovery state machine
func (c *Coordinator) Recovery() *recovery.Machine { return c.recovery }

// Settings returns the settings the kernel was built with
func (c *Coordinator) Settings() *conf.Settings { return c.settings }

// Allocate takes a buffer from the pool
func (c *Coordinator) Allocate(size int) (*pool.Buffer, error) {
	if err := c.checkOpen("allocate"); err != nil {
		return nil, err
	}
	return c.pool.Allocate(size)
}

// Release returns a buffer to the pool
func (c *Coordinator) Release(buf *pool.Buffer) error {
	if err := c.checkOpen("release"); err != nil {
		return err
	}
	return c.pool.Release(buf, false)
}

// BeginAtomicUpdate opens a buffer manager bracket
func (c *Coordinator) BeginAtomicUpdate() (*buffer.Tx, error) {
	if err := c.checkOpen("begin_atomic_update"); err != nil {
		return nil, err
	}
	return c.buffers.BeginAtomicUpdate()
}

// Put copies data into queue id, waiting up to timeout for space
func (c *Coordinator) Put(ctx context.Context, id buffer.QueueID, data []byte, timeout time.Duration) error {
	if err := c.checkOpen("put"); err != nil {
		return err
	}
	return c.buffers.Put(ctx, id, data, timeout)
}

// Get dequeues the oldest payload of queue id, waiting up to timeout
func (c *Coordinator) Get(ctx context.Context, id buffer.QueueID, timeout time.Duration) ([]byte, error) {
	if err := c.checkOpen("get"); err != nil {
		return nil, err
	}
	return c.buffers.Get(ctx, id, timeout)
}

// RegisterComponent registers a component with the component coordinator
func (c *Coordinator) RegisterComponent(name string, deps []string, health component.HealthCheck) error {
	if err := c.checkOpen("register_component"); err != nil {
		return err
	}
	return c.components.Register(name, deps, health)
}

// SetComponentState moves a component through its lifecycle
func (c *Coordinator) SetComponentState(name string, to component.State, reason string) error {
	if err := c.checkOpen("set_component_state"); err != nil {
		return err
	}
	return c.components.SetState(name, to, reason)
}

// RegisterThread records a worker goroutine of a component
func (c *Coordinator) RegisterThread(comp, name string, done <-chan struct{}) error {
	if err := c.checkOpen("register_thread"); err != nil {
		return err
	}
	return c.components.RegisterThread(comp, name, done)
}

// Heartbeat marks a worker alive
func (c *Coordinator) Heartbeat(comp, name string) error {
	if err := c.checkOpen("heartbeat"); err != nil {
		return err
	}
	return c.components.Heartbeat(comp, name)
}

// UnregisterThread removes a worker
func (c *Coordinator) UnregisterThread(comp, name string) error {
	if err := c.checkOpen("unregister_thread"); err != nil {
		return err
	}
	return c.components.UnregisterThread(comp, name)
}

// RegisterCleanupStep adds a step to the shutdown plan. The default plan's
// steps are StepStopCapture, StepFlushStorage, StepReleaseResources,
// StepClosePool and StepCloseLogs and may be used as dependencies.
func (c *Coordinator) RegisterCleanupStep(name string, fn cleanup.StepFunc, deps []string, opts ...cleanup.StepOption) error {
	if err := c.checkOpen("register_cleanup_step"); err != nil {
		return err
	}
	return c.cleanup.RegisterStep(name, fn, deps, opts...)
}

// SubscribeAlerts returns a channel of alerts and a cancel function
func (c *Coordinator) SubscribeAlerts(buffer int) (<-chan notification.Alert, func()) {
	return c.alerts.Subscribe(buffer)
}

// SubscribeStateChanges returns a channel of recovery state changes
func (c *Coordinator) SubscribeStateChanges(buffer int) (<-chan recovery.StateChange, func()) {
	return c.recovery.Subscribe(buffer)
}

// IsShutdown reports whether shutdown has begun
func (c *Coordinator) IsShutdown() bool { return c.shutdown.Load() }
