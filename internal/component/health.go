package component

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

// HealthCheck reports a component's health. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// ComponentHealth is the verdict for one component
type ComponentHealth struct {
	State   State  `json:"state"`
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
	// RecentFailure is set when the only problem is a thread failure inside the failure window
	RecentFailure bool `json:"recent_thread_failure,omitempty"`
}

// HealthReport is the result of VerifySystemHealth
type HealthReport struct {
	Healthy    bool                       `json:"healthy"`
	Checked    time.Time                  `json:"checked"`
	Components map[string]ComponentHealth `json:"components"`
}

type healthTarget struct {
	name          string
	state         State
	check         HealthCheck
	recentFailure *Failure
}

// VerifySystemHealth runs the health check of every started, non-terminal
// component in parallel. The system is unhealthy if any non-terminal
// component is in Error, fails its check, or had a thread failure within the
// failure window. Uninitialized components have no check run but their thread
// failures still count.
func (c *Coordinator) VerifySystemHealth(ctx context.Context) HealthReport {
	now := c.now()
	report := HealthReport{Healthy: true, Checked: now, Components: make(map[string]ComponentHealth)}

	var targets []healthTarget
	err := c.withLock(nil, func() error {
		for _, name := range c.order {
			e := c.components[name]
			t := healthTarget{name: name, state: e.state, check: e.health}
			for i := len(e.failures) - 1; i >= 0; i-- {
				if now.Sub(e.failures[i].Time) <= c.cfg.FailureWindow {
					f := e.failures[i]
					t.recentFailure = &f
					break
				}
			}
			targets = append(targets, t)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("health verification could not read registry", logger.Error(err))
		report.Healthy = false
		return report
	}

	results := make([]error, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		if t.state.IsTerminal() || t.state == Uninitialized || t.check == nil {
			continue
		}
		g.Go(func() error {
			results[i] = runHealthCheck(ctx, t.name, t.check)
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range targets {
		h := ComponentHealth{State: t.state, Healthy: true}
		switch {
		case t.state.IsTerminal():
		case t.state == Error:
			h.Healthy, h.Reason = false, "component in error state"
		case results[i] != nil:
			h.Healthy, h.Reason = false, results[i].Error()
		case t.recentFailure != nil:
			h.Healthy, h.RecentFailure = false, true
			h.Reason = fmt.Sprintf("thread %s failed (%s) at %s",
				t.recentFailure.Thread, t.recentFailure.Reason, t.recentFailure.Time.Format(time.RFC3339))
		}
		if !h.Healthy {
			report.Healthy = false
			c.log.Debug("component unhealthy",
				logger.String("component", t.name),
				logger.String("reason", h.Reason))
		}
		report.Components[t.name] = h
	}
	return report
}

func runHealthCheck(ctx context.Context, name string, check HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("health check panicked: %v", r).
				Component(componentName).
				Category(errors.CategoryProcessing).
				Context("component", name).
				Context("stack", string(debug.Stack())).
				Build()
		}
	}()
	if checkErr := check(ctx); checkErr != nil {
		return errors.New(errors.Join(ErrHealthCheckFailed, checkErr)).
			Component(componentName).
			Category(errors.CategoryProcessing).
			Context("component", name).
			Build()
	}
	return nil
}
