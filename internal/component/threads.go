package component

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

// Thread failure reasons
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonThreadExited     = "thread_exited"
)

type thread struct {
	component  string
	name       string
	done       <-chan struct{}
	registered time.Time
	lastBeat   time.Time
}

func threadKey(component, name string) string {
	return component + "/" + name
}

// ThreadInfo describes a registered worker
type ThreadInfo struct {
	Component     string    `json:"component"`
	Name          string    `json:"name"`
	Registered    time.Time `json:"registered"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Failure is one entry of a component's failure history
type Failure struct {
	Thread string    `json:"thread"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// ThreadFailure is delivered to OnThreadFailure callbacks
type ThreadFailure struct {
	Thread     string
	Reason     string
	Components []string // components moved to Error or charged with the failure
	Time       time.Time
}

// RegisterThread records a worker goroutine of a component. done, if not
// nil, is closed when the worker exits. Each thread counts against the
// component's thread limit.
func (c *Coordinator) RegisterThread(component, name string, done <-chan struct{}) error {
	key := threadKey(component, name)
	return c.withLock(nil, func() error {
		e, err := c.lookupLocked(component)
		if err != nil {
			return err
		}
		if _, exists := c.threads[key]; exists {
			return errors.New(ErrThreadExists).
				Component(componentName).
				Category(errors.CategoryConflict).
				Context("thread", key).
				Build()
		}
		if err := c.reserveLocked(e, ResourceThreads, 1); err != nil {
			return err
		}
		now := c.now()
		c.threads[key] = &thread{component: component, name: name, done: done, registered: now, lastBeat: now}
		return nil
	})
}

// Heartbeat marks a worker alive
func (c *Coordinator) Heartbeat(component, name string) error {
	key := threadKey(component, name)
	return c.withLock(nil, func() error {
		t, ok := c.threads[key]
		if !ok {
			return errors.New(ErrThreadNotFound).
				Component(componentName).
				Category(errors.CategoryNotFound).
				Context("thread", key).
				Build()
		}
		t.lastBeat = c.now()
		return nil
	})
}

// UnregisterThread removes a worker that exited cleanly
func (c *Coordinator) UnregisterThread(component, name string) error {
	key := threadKey(component, name)
	return c.withLock(nil, func() error {
		if _, ok := c.threads[key]; !ok {
			return errors.New(ErrThreadNotFound).
				Component(componentName).
				Category(errors.CategoryNotFound).
				Context("thread", key).
				Build()
		}
		c.removeThreadLocked(key)
		return nil
	})
}

func (c *Coordinator) removeThreadLocked(key string) {
	t := c.threads[key]
	delete(c.threads, key)
	if e, ok := c.components[t.component]; ok {
		if err := c.unreserveLocked(e, ResourceThreads, 1); err != nil {
			c.log.Warn("thread accounting out of sync", logger.String("thread", key), logger.Error(err))
		}
	}
}

// Threads lists registered workers sorted by key
func (c *Coordinator) Threads() []ThreadInfo {
	var out []ThreadInfo
	_ = c.withLock(nil, func() error {
		for _, t := range c.threads {
			out = append(out, ThreadInfo{
				Component:     t.component,
				Name:          t.name,
				Registered:    t.registered,
				LastHeartbeat: t.lastBeat,
			})
		}
		return nil
	})
	slices.SortFunc(out, func(a, b ThreadInfo) int {
		return strings.Compare(threadKey(a.Component, a.Name), threadKey(b.Component, b.Name))
	})
	return out
}

// OnThreadFailure registers fn for every handled thread failure. Callbacks
// run after the registry lock is released.
func (c *Coordinator) OnThreadFailure(fn func(ThreadFailure)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onThreadFailure = append(c.onThreadFailure, fn)
}

// Start launches the liveness sweep, which runs every check interval until
// ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.stop != nil {
		return errors.New(ErrAlreadyStarted).
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}
	c.stop = make(chan struct{})
	stop := c.stop

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
	c.log.Debug("liveness sweep started", logger.Duration("interval", c.cfg.CheckInterval))
	return nil
}

// Stop ends the liveness sweep and waits for it to exit
func (c *Coordinator) Stop() {
	c.sweepMu.Lock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
	}
	c.sweepMu.Unlock()
	c.wg.Wait()
}

// Sweep checks every thread once. A thread whose done channel is closed, or
// whose last heartbeat is older than twice the check interval, is removed
// and handled as a failure. It returns the number of failed threads.
func (c *Coordinator) Sweep() int {
	type failed struct{ key, reason string }
	var failures []failed

	err := c.withLock(nil, func() error {
		now := c.now()
		stale := 2 * c.cfg.CheckInterval
		for key, t := range c.threads {
			reason := ""
			if t.done != nil {
				select {
				case <-t.done:
					reason = ReasonThreadExited
				default:
				}
			}
			if reason == "" && now.Sub(t.lastBeat) > stale {
				reason = ReasonHeartbeatTimeout
			}
			if reason != "" {
				failures = append(failures, failed{key, reason})
				c.removeThreadLocked(key)
			}
		}
		return nil
	})
	if err != nil {
		c.log.Warn("liveness sweep skipped", logger.Error(err))
		return 0
	}

	slices.SortFunc(failures, func(a, b failed) int { return strings.Compare(a.key, b.key) })
	for _, f := range failures {
		c.HandleThreadFailure(f.key, f.reason)
	}
	return len(failures)
}

// HandleThreadFailure moves the components matching thread to Error and
// records the failure in their history. A thread key of the form
// component/name, or a bare component name, matches that component only.
// Other thread names match every component whose name they contain. It
// returns the affected component names.
func (c *Coordinator) HandleThreadFailure(thread, reason string) []string {
	var (
		affected []string
		changes  []StateChange
	)
	now := c.now()
	err := c.withLock(nil, func() error {
		for _, name := range c.threadOwnersLocked(thread) {
			e := c.components[name]
			affected = append(affected, name)

			e.failures = append(e.failures, Failure{Thread: thread, Reason: reason, Time: now})
			if over := len(e.failures) - c.cfg.FailureHistory; over > 0 {
				e.failures = slices.Delete(e.failures, 0, over)
			}
			if e.state != Error && CanTransition(e.state, Error) {
				change, err := c.setStateLocked(e, Error, reason)
				if err == nil {
					changes = append(changes, *change)
				}
			}
		}
		return nil
	})
	if err != nil {
		c.log.Error("thread failure not recorded", logger.String("thread", thread), logger.Error(err))
		return nil
	}

	c.metrics.RecordThreadFailure(reason)
	c.log.Warn("thread failure",
		logger.String("thread", thread),
		logger.String("reason", reason),
		logger.Strings("components", affected))

	for _, ch := range changes {
		c.notifyChange(ch)
	}
	c.cbMu.Lock()
	fns := slices.Clone(c.onThreadFailure)
	c.cbMu.Unlock()
	ev := ThreadFailure{Thread: thread, Reason: reason, Components: slices.Clone(affected), Time: now}
	for _, fn := range fns {
		fn(ev)
	}
	return affected
}

// threadOwnersLocked resolves the components a failed thread belongs to.
// Caller holds the component lock.
func (c *Coordinator) threadOwnersLocked(thread string) []string {
	owner, _, _ := strings.Cut(thread, "/")
	if _, ok := c.components[owner]; ok {
		return []string{owner}
	}
	var names []string
	for _, name := range c.order {
		if strings.Contains(thread, name) {
			names = append(names, name)
		}
	}
	return names
}
