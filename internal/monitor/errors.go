package monitor

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tphakala/audiokernel/internal/component"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/notification"
)

var (
	// ErrShutdown is returned by every operation once shutdown has begun
	ErrShutdown = errors.NewStd("kernel is shut down")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.NewStd("kernel already started")
	// ErrRecoveryFailed wraps the reason a recovery run did not complete
	ErrRecoveryFailed = errors.NewStd("recovery failed")
	// ErrDuplicateHandler is returned when a component registers a second recovery handler
	ErrDuplicateHandler = errors.NewStd("recovery handler already registered")
)

// ErrorRecord is the last reported error
type ErrorRecord struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind"`
	Time      time.Time `json:"time"`
	Stack     string    `json:"stack,omitempty"`
}

// ErrorStats summarizes reported errors
type ErrorStats struct {
	Count uint64       `json:"count"`
	Last  *ErrorRecord `json:"last,omitempty"`
}

// ReportError records a fault from component. It never blocks on kernel
// locks and may be called from any subsystem. Errors other than protocol
// and transient ones start a recovery unless one is already running.
func (c *Coordinator) ReportError(comp, message string, err error) {
	kind := errors.KindOf(err)
	rec := &ErrorRecord{
		Component: comp,
		Message:   message,
		Kind:      kind.String(),
		Time:      time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			rec.Stack = ee.Stack
			// recovered panics carry the stack in context
			if stack, ok := ee.GetContext()["stack"].(string); ok && rec.Stack == "" {
				rec.Stack = stack
			}
		}
	}
	if rec.Stack == "" {
		rec.Stack = string(debug.Stack())
	}

	c.errMu.Lock()
	c.errCount++
	c.lastErr = rec
	count := c.errCount
	c.errMu.Unlock()

	c.metrics.RecordKernelError(comp, kind.String())
	fields := []logger.Field{
		logger.String("component", comp),
		logger.String("message", message),
		logger.String("kind", kind.String()),
		logger.Uint64("error_count", count),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}

	if c.shutdown.Load() {
		c.log.Warn("error reported during shutdown", fields...)
		return
	}

	switch kind {
	case errors.KindProtocol:
		c.log.Error("protocol error reported", fields...)
		c.alert(notification.SeverityError, comp, "Protocol error", message)
	case errors.KindTransient:
		c.log.Warn("transient error reported", fields...)
	default:
		c.log.Error("error reported", fields...)
		severity := notification.SeverityError
		if kind == errors.KindFatal {
			severity = notification.SeverityCritical
		}
		c.alert(severity, comp, "Component error", message)
		if !c.startRecovery(comp, err) {
			c.log.Debug("recovery not started", logger.String("component", comp))
		}
	}
}

// Errors returns the error counter and the last-error slot
func (c *Coordinator) Errors() ErrorStats {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	s := ErrorStats{Count: c.errCount}
	if c.lastErr != nil {
		last := *c.lastErr
		s.Last = &last
	}
	return s
}

func (c *Coordinator) onThreadFailure(f component.ThreadFailure) {
	err := errors.Newf("thread %s failed: %s", f.Thread, f.Reason).
		Component(componentName).
		Category(errors.CategoryProcessing).
		Context("thread", f.Thread).
		Context("reason", f.Reason).
		Context("components", f.Components).
		Build()
	comp := f.Thread
	if len(f.Components) > 0 {
		comp = f.Components[0]
	}
	c.ReportError(comp, fmt.Sprintf("thread %s failed (%s)", f.Thread, f.Reason), err)
}
