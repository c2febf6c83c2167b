package monitor

import (
	"context"
	"fmt"
	"slices"

	"github.com/tphakala/audiokernel/internal/cleanup"
	"github.com/tphakala/audiokernel/internal/component"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

// Default cleanup plan steps
const (
	StepStopCapture      = "stop_capture"
	StepFlushStorage     = "flush_storage"
	StepReleaseResources = "release_resources"
	StepClosePool        = "close_pool"
	StepCloseLogs        = "close_logs"
)

func (c *Coordinator) registerCleanupPlan() error {
	steps := []struct {
		name   string
		fn     cleanup.StepFunc
		deps   []string
		phase  cleanup.Phase
		verify cleanup.VerifyFunc
	}{
		{StepStopCapture, c.stepStopCapture, nil, cleanup.StoppingCapture, nil},
		{StepFlushStorage, c.stepFlushStorage, []string{StepStopCapture}, cleanup.FlushingStorage, c.verifyDrained},
		{StepReleaseResources, c.stepReleaseResources, []string{StepFlushStorage}, cleanup.ReleasingResources, c.verifyReleased},
		{StepClosePool, c.stepClosePool, []string{StepReleaseResources}, cleanup.ReleasingResources, nil},
		{StepCloseLogs, c.stepCloseLogs, []string{StepClosePool}, cleanup.ClosingLogs, nil},
	}
	for _, s := range steps {
		opts := []cleanup.StepOption{cleanup.InPhase(s.phase)}
		if s.verify != nil {
			opts = append(opts, cleanup.WithVerify(s.verify))
		}
		if err := c.cleanup.RegisterStep(s.name, s.fn, s.deps, opts...); err != nil {
			return err
		}
	}
	return nil
}

// stepStopCapture asks every handler to stop capturing and moves running
// components to StoppingCapture, paused ones to Stopping
func (c *Coordinator) stepStopCapture(ctx context.Context) error {
	err := c.stopCaptureHandlers(ctx)
	for name, state := range c.components.States() {
		var target component.State
		switch state {
		case component.Running.String():
			target = component.StoppingCapture
		case component.Paused.String():
			target = component.Stopping
		default:
			continue
		}
		if serr := c.components.SetState(name, target, "shutdown"); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}

// stepFlushStorage opens a staged-release scope, so buffers freed from here
// on return to the pool only once every queue is empty, and drains anything
// queued after the recovery flush
func (c *Coordinator) stepFlushStorage(_ context.Context) error {
	if err := c.pool.BeginCleanupScope(); err != nil {
		return err
	}
	n, err := c.buffers.Drain()
	c.log.Debug("storage flushed", logger.Int("buffers", n))
	return err
}

func (c *Coordinator) verifyDrained(_ context.Context) error {
	if n := c.buffers.Pending(); n > 0 {
		return fmt.Errorf("%d buffers still queued", n)
	}
	return nil
}

// stepReleaseResources stops every component, unregisters them dependents
// first so their buffers return to the pool, closes the buffer manager and
// ends the cleanup scope
func (c *Coordinator) stepReleaseResources(_ context.Context) error {
	var errs []error
	order, err := c.components.StartupOrder()
	if err != nil {
		errs = append(errs, err)
		order = c.components.Names()
	}
	slices.Reverse(order)
	for _, name := range order {
		if err := c.stopComponent(name); err != nil {
			errs = append(errs, err)
		}
		if err := c.components.Unregister(name); err != nil {
			errs = append(errs, err)
		}
	}

	if n, err := c.buffers.Close(); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		c.log.Debug("buffer manager closed", logger.Int("drained", n))
	}
	if c.pool.InCleanupScope() {
		if n, err := c.pool.EndCleanupScope(); err != nil {
			errs = append(errs, err)
		} else {
			c.log.Debug("staged buffers returned", logger.Int("buffers", n))
		}
	}
	return errors.Join(errs...)
}

// stopComponent walks a component to Stopped along legal transitions
func (c *Coordinator) stopComponent(name string) error {
	state, err := c.components.State(name)
	if err != nil {
		return err
	}
	if state == component.Stopped || state == component.Uninitialized {
		return nil
	}
	if !component.CanTransition(state, component.Stopped) {
		if err := c.components.SetState(name, component.Stopping, "shutdown"); err != nil {
			return err
		}
	}
	return c.components.SetState(name, component.Stopped, "shutdown")
}

func (c *Coordinator) verifyReleased(_ context.Context) error {
	if n := c.pool.Stats().InUse(); n > 0 {
		return fmt.Errorf("%d pool buffers still in use", n)
	}
	return nil
}

func (c *Coordinator) stepClosePool(_ context.Context) error {
	n, err := c.pool.Close()
	if n > 0 {
		c.log.Warn("pool closed with outstanding buffers", logger.Int("outstanding", n))
	}
	return err
}

func (c *Coordinator) stepCloseLogs(_ context.Context) error {
	c.alerts.Close()
	return c.log.Flush()
}

// beginShutdown sets the shutdown flag and reports whether this call set it
func (c *Coordinator) beginShutdown() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.shutdown.CompareAndSwap(false, true)
}

// Shutdown stops background work, waits for an in-flight recovery and runs
// the cleanup plan. The plan runs exactly once; later calls return its result.
func (c *Coordinator) Shutdown(ctx context.Context) (cleanup.Result, error) {
	if c.beginShutdown() {
		c.log.Info("shutdown requested")
	}
	c.stopBackground()
	c.recoveryWG.Wait()
	c.shutdownOnce.Do(func() { c.runCleanup(ctx) })
	return c.shutdownResult, c.shutdownErr
}

func (c *Coordinator) runCleanup(ctx context.Context) {
	res, err := c.cleanup.ExecuteCleanup(ctx)
	c.shutdownResult, c.shutdownErr = res, err
	c.recovery.Close()
	c.alerts.Close()
	if err != nil {
		c.log.Error("shutdown cleanup failed", logger.Strings("failed", res.Failed), logger.Error(err))
		return
	}
	c.log.Info("shutdown complete",
		logger.Int("steps", len(res.Completed)),
		logger.Duration("duration", res.Duration))
}
