package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tphakala/audiokernel/internal/component"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/notification"
	"github.com/tphakala/audiokernel/internal/recovery"
)

// RecoveryHandler lets a component take part in recovery. StopCapture runs
// after the machine enters a stopping state, Reinitialize after it enters
// Reinitializing. Both run without kernel locks held.
type RecoveryHandler interface {
	StopCapture(ctx context.Context) error
	Reinitialize(ctx context.Context) error
}

// RecoveryFuncs adapts a pair of functions to RecoveryHandler. Nil functions are skipped.
type RecoveryFuncs struct {
	Stop   func(ctx context.Context) error
	Reinit func(ctx context.Context) error
}

// StopCapture implements RecoveryHandler
func (f RecoveryFuncs) StopCapture(ctx context.Context) error {
	if f.Stop == nil {
		return nil
	}
	return f.Stop(ctx)
}

// Reinitialize implements RecoveryHandler
func (f RecoveryFuncs) Reinitialize(ctx context.Context) error {
	if f.Reinit == nil {
		return nil
	}
	return f.Reinit(ctx)
}

type namedHandler struct {
	component string
	handler   RecoveryHandler
}

// RecoveryStats counts recovery runs
type RecoveryStats struct {
	Runs        uint64        `json:"runs"`
	Succeeded   uint64        `json:"succeeded"`
	Failed      uint64        `json:"failed"`
	LastTrigger string        `json:"last_trigger,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	LastRun     time.Time     `json:"last_run,omitzero"`
	LastTook    time.Duration `json:"last_duration"`
}

// RegisterRecoveryHandler attaches h to a registered component
func (c *Coordinator) RegisterRecoveryHandler(comp string, h RecoveryHandler) error {
	if err := c.checkOpen("register_recovery_handler"); err != nil {
		return err
	}
	if _, err := c.components.State(comp); err != nil {
		return err
	}
	var dup bool
	err := c.withState(func() {
		for _, nh := range c.handlers {
			if nh.component == comp {
				dup = true
				return
			}
		}
		c.handlers = append(c.handlers, namedHandler{component: comp, handler: h})
	})
	if err != nil {
		return err
	}
	if dup {
		return errors.New(ErrDuplicateHandler).
			Component(componentName).
			Category(errors.CategoryConflict).
			Context("component", comp).
			Build()
	}
	return nil
}

func (c *Coordinator) recoveryHandlers() []namedHandler {
	var hs []namedHandler
	if err := c.withState(func() { hs = append(hs, c.handlers...) }); err != nil {
		c.log.Warn("could not read recovery handlers", logger.Error(err))
	}
	return hs
}

// Recovering reports whether a recovery run is in flight
func (c *Coordinator) Recovering() bool { return c.recovering.Load() }

// WaitRecovery blocks until no recovery run is in flight or ctx is done
func (c *Coordinator) WaitRecovery(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.recoveryWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startRecovery launches a recovery run for a reported fault. At most one
// run is in flight; none start after shutdown begins.
func (c *Coordinator) startRecovery(comp string, cause error) bool {
	switch errors.KindOf(cause) {
	case errors.KindProtocol, errors.KindTransient:
		return false
	}
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.shutdown.Load() || !c.recovering.CompareAndSwap(false, true) {
		return false
	}
	c.recoveryWG.Add(1)
	go c.runRecovery(comp, cause)
	return true
}

func (c *Coordinator) runRecovery(comp string, cause error) {
	defer c.recoveryWG.Done()
	defer c.recovering.Store(false)

	start := time.Now()
	log := c.log.With(logger.String("trigger", comp))
	log.Info("recovery started", logger.Error(cause))
	c.alert(notification.SeverityWarning, comp, "Recovery started", describe(cause))

	err := c.recover(c.ctx, channelOf(comp))
	took := time.Since(start)

	if serr := c.withState(func() {
		c.recStats.Runs++
		c.recStats.LastTrigger = comp
		c.recStats.LastRun = start
		c.recStats.LastTook = took
		c.recStats.LastError = ""
		if err != nil {
			c.recStats.Failed++
			c.recStats.LastError = err.Error()
		} else {
			c.recStats.Succeeded++
		}
	}); serr != nil {
		log.Warn("recovery stats not updated", logger.Error(serr))
	}

	if err == nil {
		log.Info("recovery completed", logger.Duration("duration", took))
		c.alert(notification.SeverityInfo, comp, "Recovery completed", fmt.Sprintf("recovered in %s", took.Round(time.Millisecond)))
		return
	}

	if terr := c.recovery.TransitionTo(context.WithoutCancel(c.ctx), recovery.Failed); terr != nil {
		log.Error("could not mark recovery failed", logger.Error(terr))
	}
	log.Error("recovery failed", logger.Error(err), logger.Duration("duration", took))
	c.alert(notification.SeverityCritical, comp, "Recovery failed", describe(err))

	// a terminal failure shuts the kernel down, unless shutdown is already under way
	if c.beginShutdown() {
		c.stopBackground()
		c.shutdownOnce.Do(func() { c.runCleanup(context.WithoutCancel(c.ctx)) })
	}
}

type recoveryStep struct {
	state  recovery.State
	action func(ctx context.Context) error
}

// recover walks the state machine from Idle through Completed, running
// handlers between transitions. A fault on one channel stops and flushes
// only that channel.
func (c *Coordinator) recover(ctx context.Context, ch string) error {
	if st := c.recovery.State(); st.IsTerminal() {
		if err := c.recovery.Reset(); err != nil {
			return err
		}
	} else if st != recovery.Idle {
		return errors.New(ErrRecoveryFailed).
			Component(componentName).
			Category(errors.CategoryState).
			Context("state", st.String()).
			Build()
	}

	stopping, flushing := recovery.StoppingCapture, recovery.FlushingBuffers
	switch ch {
	case "left":
		stopping, flushing = recovery.StoppingCaptureLeft, recovery.FlushingBuffersLeft
	case "right":
		stopping, flushing = recovery.StoppingCaptureRight, recovery.FlushingBuffersRight
	}

	steps := []recoveryStep{
		{state: recovery.Initiating},
		{state: stopping, action: c.stopCaptureHandlers},
		{state: flushing},
		{state: recovery.Reinitializing, action: c.reinitializeComponents},
		{state: recovery.Verifying},
		{state: recovery.VerifyingResources},
		{state: recovery.VerifyingComponents},
		{state: recovery.Completed},
	}
	for _, s := range steps {
		if err := c.recovery.TransitionTo(ctx, s.state); err != nil {
			return err
		}
		if s.action == nil {
			continue
		}
		if err := s.action(ctx); err != nil {
			return errors.New(errors.Join(ErrRecoveryFailed, err)).
				Component(componentName).
				Category(errors.CategoryProcessing).
				Context("state", s.state.String()).
				Build()
		}
	}
	return nil
}

func (c *Coordinator) stopCaptureHandlers(ctx context.Context) error {
	var errs []error
	for _, nh := range c.recoveryHandlers() {
		if err := safeHandler(ctx, nh.handler.StopCapture); err != nil {
			c.log.Warn("stop capture handler failed", logger.String("component", nh.component), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", nh.component, err))
		}
	}
	return errors.Join(errs...)
}

// reinitializeComponents brings every component in Error back to Running,
// through Recovering, calling its handler on the way
func (c *Coordinator) reinitializeComponents(ctx context.Context) error {
	handlers := make(map[string]RecoveryHandler)
	for _, nh := range c.recoveryHandlers() {
		handlers[nh.component] = nh.handler
	}

	var errs []error
	for name, state := range c.components.States() {
		if state != component.Error.String() {
			if h, ok := handlers[name]; ok {
				if err := safeHandler(ctx, h.Reinitialize); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
			}
			continue
		}
		if err := c.components.SetState(name, component.Recovering, "recovery"); err != nil {
			errs = append(errs, err)
			continue
		}
		if h, ok := handlers[name]; ok {
			if err := safeHandler(ctx, h.Reinitialize); err != nil {
				_ = c.components.SetState(name, component.Error, "reinitialize failed")
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
		}
		if err := c.components.SetState(name, component.Running, "recovered"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeHandler(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("recovery handler panicked: %v", r).
				Component(componentName).
				Category(errors.CategoryProcessing).
				WithStack().
				Build()
		}
	}()
	return fn(ctx)
}

// attachValidators installs the resource and component checks guarding
// the verification states
func (c *Coordinator) attachValidators() {
	c.recovery.AddValidator(recovery.Verifying, recovery.VerifyingResources, recovery.ResourceCheck, c.verifyResources)
	c.recovery.AddValidator(recovery.VerifyingResources, recovery.VerifyingComponents, recovery.HealthCheck, c.verifyComponents)
	c.recovery.AddValidator(recovery.Verifying, recovery.Completed, recovery.ResourceCheck, c.verifyResources)
	c.recovery.AddValidator(recovery.Verifying, recovery.Completed, recovery.HealthCheck, c.verifyComponents)
}

func (c *Coordinator) verifyResources(_ context.Context, _, _ recovery.State) error {
	if c.pool.Closed() {
		return nil
	}
	return c.pool.CheckInvariants()
}

// verifyComponents fails when a component is in Error or fails its health
// check. Thread failures inside the failure window are what triggered the
// recovery, so they alone do not fail verification.
func (c *Coordinator) verifyComponents(ctx context.Context, _, _ recovery.State) error {
	report := c.components.VerifySystemHealth(ctx)
	var bad []string
	for name, h := range report.Components {
		if !h.Healthy && !h.RecentFailure {
			bad = append(bad, name+": "+h.Reason)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return errors.Newf("components unhealthy: %s", strings.Join(bad, "; ")).
		Component(componentName).
		Category(errors.CategoryState).
		Context("unhealthy", len(bad)).
		Build()
}

// snapshot is taken by the recovery machine after every successful
// transition. It must not call back into the machine.
func (c *Coordinator) snapshot() recovery.Snapshot {
	ps := c.pool.Stats()
	perf := c.cachedPerformance(nil)
	return recovery.Snapshot{
		PoolInUse:        ps.InUse(),
		PoolBytes:        ps.Bytes(),
		QueuedBuffers:    c.buffers.Pending(),
		ProcessRSS:       perf.ProcessRSS,
		SystemMemoryUsed: perf.MemoryUsedPercent,
		Components:       c.components.States(),
	}
}

// channelOf maps a trigger such as "capture_left" to its audio channel
func channelOf(comp string) string {
	switch {
	case strings.HasSuffix(comp, "_left") || strings.HasSuffix(comp, "/left"):
		return "left"
	case strings.HasSuffix(comp, "_right") || strings.HasSuffix(comp, "/right"):
		return "right"
	default:
		return ""
	}
}

func describe(err error) string {
	if err == nil {
		return "unknown cause"
	}
	return err.Error()
}
