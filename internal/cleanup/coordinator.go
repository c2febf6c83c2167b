// Package cleanup implements the cleanup coordinator, which runs named
// shutdown steps in dependency order.
//
// A step becomes eligible once every dependency has completed; among eligible
// steps the earliest phase, then the earliest registered, runs first. Before a
// step runs, cleanup advances to the step's phase and drives the recovery
// state machine to the matching state. The action runs under a timeout and is
// then verified with a fixed number of retries. When a step fails, every step
// that depends on it, directly or transitively, fails without being
// attempted. Cleanup succeeds only if every step completed; otherwise the
// recovery state machine is driven to Failed.
package cleanup

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/observability/metrics"
	"github.com/tphakala/audiokernel/internal/recovery"
)

const componentName = "cleanup"

// Step results
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCascaded  = "dependency_failed"
)

// Config configures step execution
type Config struct {
	StepTimeout   time.Duration
	VerifyRetries int
	VerifyDelay   time.Duration
}

// DefaultConfig returns a 5s step timeout and 3 verification attempts 1s apart
func DefaultConfig() Config {
	return ConfigFromSettings(conf.Default().Cleanup)
}

// ConfigFromSettings converts loaded settings
func ConfigFromSettings(s conf.CleanupSettings) Config {
	return Config{StepTimeout: s.StepTimeout, VerifyRetries: s.VerifyRetries, VerifyDelay: s.VerifyDelay}
}

// StepFunc is a cleanup action
type StepFunc func(ctx context.Context) error

// VerifyFunc confirms a step's effect
type VerifyFunc func(ctx context.Context) error

// RecoveryMachine is the subset of the recovery state machine driven by cleanup
type RecoveryMachine interface {
	State() recovery.State
	TransitionTo(ctx context.Context, to recovery.State) error
	Reset() error
}

// MetricsRecorder receives cleanup metrics
type MetricsRecorder interface {
	RecordCleanupStep(step, result string, duration time.Duration)
}

type step struct {
	name    string
	fn      StepFunc
	deps    []string
	phase   Phase
	verify  VerifyFunc
	timeout time.Duration
	seq     int
}

// StepOption configures a step
type StepOption func(*step)

// InPhase sets the step's phase. Steps default to ReleasingResources.
func InPhase(p Phase) StepOption {
	return func(s *step) { s.phase = p }
}

// WithVerify sets a verification function retried after the action
func WithVerify(fn VerifyFunc) StepOption {
	return func(s *step) { s.verify = fn }
}

// WithTimeout overrides the step timeout
func WithTimeout(d time.Duration) StepOption {
	return func(s *step) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// StepResult describes one step of a run
type StepResult struct {
	Name     string        `json:"name"`
	Phase    Phase         `json:"phase"`
	Status   string        `json:"status"`
	Err      string        `json:"error,omitempty"`
	Attempts int           `json:"verify_attempts,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of ExecuteCleanup
type Result struct {
	RunID     uuid.UUID     `json:"run_id"`
	Success   bool          `json:"success"`
	Phase     Phase         `json:"phase"`
	Completed []string      `json:"completed"`
	Failed    []string      `json:"failed"`
	Steps     []StepResult  `json:"steps"`
	Duration  time.Duration `json:"duration"`
}

// Coordinator holds the cleanup plan
type Coordinator struct {
	cfg     Config
	mu      sync.Mutex
	steps   map[string]*step
	order   []string
	phase   Phase
	running atomic.Bool

	machine RecoveryMachine
	metrics MetricsRecorder
	log     logger.Logger
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

// WithRecovery sets the recovery state machine cleanup drives
func WithRecovery(m RecoveryMachine) Option {
	return func(c *Coordinator) { c.machine = m }
}

// WithMetrics sets the metrics recorder
func WithMetrics(r MetricsRecorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.metrics = r
		}
	}
}

// New creates a coordinator with an empty plan
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.StepTimeout <= 0 || cfg.VerifyRetries < 1 || cfg.VerifyDelay < 0 {
		return nil, errors.Newf("invalid cleanup settings").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("step_timeout", cfg.StepTimeout.String()).
			Context("verify_retries", cfg.VerifyRetries).
			Build()
	}
	c := &Coordinator{cfg: cfg, steps: make(map[string]*step), metrics: metrics.NoopRecorder{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module(logger.ModuleCleanup)
	}
	return c, nil
}

// RegisterStep adds a step. Dependencies must already be registered, so the
// plan is always acyclic.
func (c *Coordinator) RegisterStep(name string, fn StepFunc, deps []string, opts ...StepOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" || fn == nil {
		return errors.Newf("cleanup step needs a name and an action").
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("step", name).
			Build()
	}
	if _, exists := c.steps[name]; exists {
		return errors.New(ErrDuplicateStep).
			Component(componentName).
			Category(errors.CategoryConflict).
			Context("step", name).
			Build()
	}
	for _, dep := range deps {
		if _, ok := c.steps[dep]; !ok {
			return errors.New(ErrUnknownDependency).
				Component(componentName).
				Category(errors.CategoryValidation).
				Context("step", name).
				Context("dependency", dep).
				Build()
		}
	}

	s := &step{
		name:    name,
		fn:      fn,
		deps:    slices.Clone(deps),
		phase:   ReleasingResources,
		timeout: c.cfg.StepTimeout,
		seq:     len(c.order),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.phase <= NotStarted || s.phase >= Completed {
		return errors.New(ErrInvalidPhase).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("step", name).
			Context("phase", s.phase.String()).
			Build()
	}
	c.steps[name] = s
	c.order = append(c.order, name)
	return nil
}

// Steps returns step names in registration order
func (c *Coordinator) Steps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Phase returns the current phase
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) advance(to Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanAdvance(c.phase, to) {
		return errors.New(ErrInvalidPhase).
			Component(componentName).
			Category(errors.CategoryState).
			Context("from", c.phase.String()).
			Context("to", to.String()).
			Build()
	}
	if c.phase != to {
		c.log.Debug("cleanup phase", logger.String("from", c.phase.String()), logger.String("to", to.String()))
	}
	c.phase = to
	return nil
}

// ExecuteCleanup runs the plan once. The error is nil only if every step
// completed; otherwise Result lists the failed steps.
func (c *Coordinator) ExecuteCleanup(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, errors.New(ErrCleanupRunning).
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}
	defer c.running.Store(false)

	c.mu.Lock()
	steps := make([]*step, 0, len(c.order))
	for _, name := range c.order {
		steps = append(steps, c.steps[name])
	}
	c.phase = NotStarted
	c.mu.Unlock()

	start := time.Now()
	res := Result{RunID: uuid.New()}
	log := c.log.With(logger.String("run_id", res.RunID.String()))
	log.Info("cleanup started", logger.Int("steps", len(steps)))

	status := make(map[string]string, len(steps))
	var runErr error
	if err := c.enter(ctx, Initiating); err != nil {
		runErr = err
		for _, s := range steps {
			status[s.name] = StatusCascaded
			res.Failed = append(res.Failed, s.name)
			res.Steps = append(res.Steps, StepResult{Name: s.name, Phase: s.phase, Status: StatusCascaded, Err: err.Error()})
		}
	}

	for runErr == nil {
		next, cascaded := c.pick(steps, status)
		for _, s := range cascaded {
			status[s.name] = StatusCascaded
			res.Failed = append(res.Failed, s.name)
			res.Steps = append(res.Steps, StepResult{
				Name:   s.name,
				Phase:  s.phase,
				Status: StatusCascaded,
				Err:    ErrDependencyFailed.Error(),
			})
			c.metrics.RecordCleanupStep(s.name, StatusCascaded, 0)
			log.Warn("cleanup step skipped, dependency failed", logger.String("step", s.name))
		}
		if next == nil {
			if len(cascaded) == 0 {
				break
			}
			continue
		}

		sr := c.runStep(ctx, next, log)
		status[next.name] = sr.Status
		res.Steps = append(res.Steps, sr)
		if sr.Status == StatusCompleted {
			res.Completed = append(res.Completed, next.name)
		} else {
			res.Failed = append(res.Failed, next.name)
		}
	}

	if runErr == nil && len(res.Failed) == 0 {
		if err := c.finish(ctx); err != nil {
			log.Error("cleanup could not complete recovery", logger.Error(err))
			runErr = err
		}
	}
	res.Duration = time.Since(start)

	if runErr == nil && len(res.Failed) == 0 {
		res.Success = true
		res.Phase = Completed
		log.Info("cleanup completed", logger.Duration("duration", res.Duration))
		return res, nil
	}

	_ = c.advance(Failed)
	res.Phase = Failed
	if c.machine != nil {
		if err := c.machine.TransitionTo(context.WithoutCancel(ctx), recovery.Failed); err != nil {
			log.Error("failed to mark recovery failed", logger.Error(err))
		}
	}
	err := errors.New(ErrCleanupFailed).
		Component(componentName).
		Category(errors.CategoryFatal).
		Context("failed_steps", slices.Clone(res.Failed)).
		Context("completed_steps", len(res.Completed)).
		Context("run_id", res.RunID.String()).
		Build()
	if runErr != nil {
		err = errors.New(errors.Join(err, runErr)).
			Component(componentName).
			Category(errors.CategoryFatal).
			Build()
	}
	log.Error("cleanup failed", logger.Strings("failed", res.Failed), logger.Duration("duration", res.Duration))
	return res, err
}

// pick returns the next eligible step and the unattempted steps that can
// never run because a dependency failed.
func (c *Coordinator) pick(steps []*step, status map[string]string) (*step, []*step) {
	var (
		next     *step
		cascaded []*step
	)
	for _, s := range steps {
		if status[s.name] != "" {
			continue
		}
		ready := true
		blocked := false
		for _, dep := range s.deps {
			switch status[dep] {
			case StatusCompleted:
			case StatusFailed, StatusCascaded:
				blocked = true
			default:
				ready = false
			}
		}
		switch {
		case blocked:
			cascaded = append(cascaded, s)
		case ready && (next == nil || s.phase < next.phase || (s.phase == next.phase && s.seq < next.seq)):
			next = s
		}
	}
	if len(cascaded) > 0 {
		return nil, cascaded
	}
	return next, nil
}

func (c *Coordinator) runStep(ctx context.Context, s *step, log logger.Logger) StepResult {
	start := time.Now()
	sr := StepResult{Name: s.name, Phase: s.phase, Status: StatusCompleted}
	fail := func(err error) StepResult {
		sr.Status = StatusFailed
		sr.Err = err.Error()
		sr.Duration = time.Since(start)
		c.metrics.RecordCleanupStep(s.name, StatusFailed, sr.Duration)
		log.Error("cleanup step failed",
			logger.String("step", s.name),
			logger.String("phase", s.phase.String()),
			logger.Error(err))
		return sr
	}

	if err := c.enter(ctx, s.phase); err != nil {
		return fail(err)
	}
	if err := c.runAction(ctx, s); err != nil {
		return fail(err)
	}
	if s.verify != nil {
		attempts, err := c.runVerify(ctx, s)
		sr.Attempts = attempts
		if err != nil {
			return fail(err)
		}
	}

	sr.Duration = time.Since(start)
	c.metrics.RecordCleanupStep(s.name, StatusCompleted, sr.Duration)
	log.Debug("cleanup step completed", logger.String("step", s.name), logger.Duration("duration", sr.Duration))
	return sr
}

// enter advances the phase and walks the recovery state machine forward to
// the phase's recovery state.
func (c *Coordinator) enter(ctx context.Context, p Phase) error {
	if err := c.advance(p); err != nil {
		return err
	}
	return c.drive(ctx, p.RecoveryState())
}

func (c *Coordinator) drive(ctx context.Context, target recovery.State) error {
	if c.machine == nil {
		return nil
	}
	current := c.machine.State()
	if current.IsTerminal() && target != current {
		if err := c.machine.Reset(); err != nil {
			return err
		}
		current = recovery.Idle
	}
	want := rank(target)
	for r := rank(current) + 1; r <= want; r++ {
		if err := c.machine.TransitionTo(ctx, recoveryPath[r]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) finish(ctx context.Context) error {
	if err := c.advance(ClosingLogs); err != nil {
		return err
	}
	if err := c.advance(Completed); err != nil {
		return err
	}
	return c.drive(ctx, recovery.Completed)
}

// runAction runs the step action under its timeout. An action that ignores
// its context keeps running in the background after the timeout.
func (c *Coordinator) runAction(ctx context.Context, s *step) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("cleanup step panicked: %v", r).
					Component(componentName).
					Category(errors.CategoryProcessing).
					Context("step", s.name).
					Context("stack", string(debug.Stack())).
					Build()
			}
		}()
		done <- s.fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.New(errors.Join(ErrStepFailed, err)).
				Component(componentName).
				Category(errors.CategoryProcessing).
				Context("step", s.name).
				Build()
		}
		return nil
	case <-stepCtx.Done():
		return errors.New(ErrStepTimeout).
			Component(componentName).
			Category(errors.CategoryTimeout).
			Context("step", s.name).
			Context("timeout", s.timeout.String()).
			Build()
	}
}

func (c *Coordinator) runVerify(ctx context.Context, s *step) (int, error) {
	var last error
	for attempt := 1; attempt <= c.cfg.VerifyRetries; attempt++ {
		last = safeVerify(ctx, s.verify)
		if last == nil {
			return attempt, nil
		}
		if attempt == c.cfg.VerifyRetries {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, errors.New(ctx.Err()).
				Component(componentName).
				Category(errors.CategoryCancellation).
				Context("step", s.name).
				Build()
		case <-time.After(c.cfg.VerifyDelay):
		}
	}
	return c.cfg.VerifyRetries, errors.New(errors.Join(ErrVerifyFailed, last)).
		Component(componentName).
		Category(errors.CategoryProcessing).
		Context("step", s.name).
		Context("attempts", c.cfg.VerifyRetries).
		Build()
}

func safeVerify(ctx context.Context, fn VerifyFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verification panicked: %v", r)
		}
	}()
	return fn(ctx)
}
