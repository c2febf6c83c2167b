package pool

import (
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
)

// BeginCleanupScope opens a staged-release scope. Scopes nest; pending
// buffers return to their free lists when the outermost scope ends.
func (p *Pool) BeginCleanupScope() error {
	if err := p.checkOpen("begin_cleanup_scope"); err != nil {
		return err
	}
	p.scopeMu.Lock()
	defer p.scopeMu.Unlock()
	p.scopes++
	return nil
}

// EndCleanupScope closes a scope and returns how many pending buffers were
// moved back to free lists.
func (p *Pool) EndCleanupScope() (int, error) {
	if err := p.checkOpen("end_cleanup_scope"); err != nil {
		return 0, err
	}
	p.scopeMu.Lock()
	defer p.scopeMu.Unlock()

	if p.scopes == 0 {
		err := errors.New(ErrNoCleanupScope).
			Component(componentName).
			Category(errors.CategoryProtocol).
			Context("operation", "end_cleanup_scope").
			Build()
		p.log.Error("cleanup scope ended without begin", logger.Error(err))
		return 0, err
	}
	p.scopes--
	if p.scopes > 0 {
		return 0, nil
	}

	returned := 0
	for _, tp := range p.tiers {
		tp.mu.Lock()
		for _, buf := range tp.pending.take() {
			tp.returnLocked(buf)
			returned++
		}
		inUse, created := tp.counters.currentUsed, tp.counters.totalCreated
		tp.mu.Unlock()
		p.metrics.SetPoolUsage(tp.tier.String(), inUse, created)
	}
	if returned > 0 {
		p.log.Debug("staged buffers returned", logger.Int("count", returned))
	}
	return returned, nil
}

// InCleanupScope reports whether a staged-release scope is open
func (p *Pool) InCleanupScope() bool {
	p.scopeMu.Lock()
	defer p.scopeMu.Unlock()
	return p.scopes > 0
}

// pendingList keeps staged buffers in release order, so the buffer staged
// last is on top of the free list once the scope ends
type pendingList struct {
	order []*Buffer
	index map[uint64]int
}

func newPendingList() pendingList {
	return pendingList{index: make(map[uint64]int)}
}

func (l *pendingList) push(buf *Buffer) {
	l.index[buf.id] = len(l.order)
	l.order = append(l.order, buf)
}

func (l *pendingList) has(buf *Buffer) bool {
	i, ok := l.index[buf.id]
	return ok && l.order[i] == buf
}

func (l *pendingList) len() int { return len(l.order) }

// take empties the list and returns its buffers oldest first
func (l *pendingList) take() []*Buffer {
	out := l.order
	l.order = nil
	clear(l.index)
	return out
}
