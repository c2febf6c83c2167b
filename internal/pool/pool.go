// Package pool implements the tiered resource pool that owns every byte
// buffer used by the kernel.
//
// Buffers come in three size classes. A request is served from the smallest
// tier whose buffer size is at least the requested size; there is no fallback
// to a larger tier. Each tier keeps a LIFO free list, so the most recently
// released buffer is handed out first. Memory is never returned to the
// runtime while the pool is open: releasing puts a buffer back on its tier's
// free list, and only Close drops the pool's references.
//
// Every buffer is in exactly one of three places: the free list, the
// allocated set, or the pending-release list used by staged cleanup.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/observability/metrics"
)

const componentName = "pool"

// Tier identifies a buffer size class
type Tier int

const (
	TierSmall Tier = iota
	TierMedium
	TierLarge
	tierCount
)

// Tiers lists every tier in ascending size order
var Tiers = []Tier{TierSmall, TierMedium, TierLarge}

func (t Tier) String() string {
	switch t {
	case TierSmall:
		return "small"
	case TierMedium:
		return "medium"
	case TierLarge:
		return "large"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// TierConfig configures a single tier
type TierConfig struct {
	Size        int
	MaxBuffers  int
	Preallocate int
}

// Config holds per-tier settings indexed by Tier
type Config struct {
	Tiers [tierCount]TierConfig
}

// DefaultConfig returns 4 KiB / 64 KiB / 1 MiB tiers capped at 1000 / 200 / 32 buffers
func DefaultConfig() Config {
	return ConfigFromSettings(conf.Default().Pool)
}

// ConfigFromSettings converts loaded settings
func ConfigFromSettings(s conf.PoolSettings) Config {
	convert := func(t conf.TierSettings) TierConfig {
		return TierConfig{Size: t.Size, MaxBuffers: t.MaxBuffers, Preallocate: t.Preallocate}
	}
	return Config{Tiers: [tierCount]TierConfig{
		TierSmall:  convert(s.Small),
		TierMedium: convert(s.Medium),
		TierLarge:  convert(s.Large),
	}}
}

// ErrorReporter receives protocol errors detected by the pool
type ErrorReporter interface {
	ReportError(component, message string, err error)
}

// MetricsRecorder receives pool metrics
type MetricsRecorder interface {
	RecordPoolAllocation(tier, result string)
	RecordPoolRelease(tier, result string)
	SetPoolUsage(tier string, inUse, created int)
}

type bufferState uint8

const (
	stateFree bufferState = iota
	stateAllocated
	statePending
	stateDiscarded
)

// Buffer is a pool-owned byte buffer. Its capacity is the tier size; its
// length is the size requested at allocation. Contents of a reused buffer
// are not cleared.
type Buffer struct {
	id    uint64
	tier  Tier
	data  []byte
	size  int
	state bufferState // guarded by the owning tier's mutex
}

// ID returns the pool-unique buffer id
func (b *Buffer) ID() uint64 { return b.id }

// Tier returns the buffer's size class
func (b *Buffer) Tier() Tier { return b.tier }

// Bytes returns the requested-length window of the buffer
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// Len returns the requested size
func (b *Buffer) Len() int { return b.size }

// Cap returns the tier size
func (b *Buffer) Cap() int { return len(b.data) }

type tierPool struct {
	mu        sync.Mutex
	tier      Tier
	cfg       TierConfig
	free      []*Buffer
	allocated map[uint64]*Buffer
	pending   pendingList
	views     map[uint64]*View
	counters  tierCounters
}

type tierCounters struct {
	totalCreated int
	currentUsed  int
	peakUsed     int
	allocations  uint64
	releases     uint64
	reuses       uint64
	views        uint64
	staged       uint64
	exhausted    uint64
}

// Pool is the tiered buffer allocator
type Pool struct {
	tiers    [tierCount]*tierPool
	nextID   atomic.Uint64
	closed   atomic.Bool
	scopeMu  sync.Mutex
	scopes   int
	log      logger.Logger
	reporter ErrorReporter
	metrics  MetricsRecorder
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithErrorReporter sets where protocol errors are reported
func WithErrorReporter(r ErrorReporter) Option {
	return func(p *Pool) { p.reporter = r }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// New creates a pool. Tier sizes must be positive and strictly ascending.
func New(cfg Config, opts ...Option) (*Pool, error) {
	prev := 0
	for i, tc := range cfg.Tiers {
		if tc.Size <= prev || tc.MaxBuffers <= 0 || tc.Preallocate < 0 || tc.Preallocate > tc.MaxBuffers {
			return nil, errors.Newf("invalid configuration for %s tier", Tier(i)).
				Component(componentName).
				Category(errors.CategoryConfiguration).
				Context("size", tc.Size).
				Context("max_buffers", tc.MaxBuffers).
				Context("preallocate", tc.Preallocate).
				Build()
		}
		prev = tc.Size
	}

	p := &Pool{metrics: metrics.NoopRecorder{}}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().Module(logger.ModulePool)
	}

	for i, tc := range cfg.Tiers {
		tp := &tierPool{
			tier:      Tier(i),
			cfg:       tc,
			free:      make([]*Buffer, 0, tc.Preallocate),
			allocated: make(map[uint64]*Buffer),
			pending:   newPendingList(),
			views:     make(map[uint64]*View),
		}
		for range tc.Preallocate {
			tp.free = append(tp.free, p.newBuffer(tp))
		}
		p.tiers[i] = tp
		p.metrics.SetPoolUsage(tp.tier.String(), 0, tp.counters.totalCreated)
	}
	return p, nil
}

// newBuffer creates a buffer for tp. Caller holds tp.mu or owns tp exclusively.
func (p *Pool) newBuffer(tp *tierPool) *Buffer {
	tp.counters.totalCreated++
	return &Buffer{
		id:   p.nextID.Add(1),
		tier: tp.tier,
		data: make([]byte, tp.cfg.Size),
	}
}

// SelectTier returns the smallest tier that fits size
func (p *Pool) SelectTier(size int) (Tier, bool) {
	for _, tp := range p.tiers {
		if size <= tp.cfg.Size {
			return tp.tier, true
		}
	}
	return 0, false
}

// TierSize returns the buffer size of tier
func (p *Pool) TierSize(t Tier) int {
	if t < 0 || t >= tierCount {
		return 0
	}
	return p.tiers[t].cfg.Size
}

// Allocate returns a buffer of at least size bytes. It fails with
// ErrNoSuitableTier when size exceeds the largest tier and ErrExhausted when
// the tier has reached its buffer cap with nothing free.
func (p *Pool) Allocate(size int) (*Buffer, error) {
	if err := p.checkOpen("allocate"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.New(ErrInvalidSize).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("size", size).
			Build()
	}
	tier, ok := p.SelectTier(size)
	if !ok {
		return nil, errors.New(ErrNoSuitableTier).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("size", size).
			Context("largest_tier", p.tiers[TierLarge].cfg.Size).
			Build()
	}

	tp := p.tiers[tier]
	tp.mu.Lock()
	var buf *Buffer
	result := metrics.ResultReused
	if n := len(tp.free); n > 0 {
		buf = tp.free[n-1]
		tp.free[n-1] = nil
		tp.free = tp.free[:n-1]
		tp.counters.reuses++
	} else if tp.counters.totalCreated < tp.cfg.MaxBuffers {
		buf = p.newBuffer(tp)
		result = metrics.ResultCreated
	} else {
		tp.counters.exhausted++
		inUse := tp.counters.currentUsed
		tp.mu.Unlock()

		p.metrics.RecordPoolAllocation(tier.String(), metrics.ResultExhausted)
		p.log.Debug("tier exhausted",
			logger.String("tier", tier.String()),
			logger.Int("in_use", inUse),
			logger.Int("max_buffers", tp.cfg.MaxBuffers))
		return nil, errors.New(ErrExhausted).
			Component(componentName).
			Category(errors.CategoryCapacity).
			Context("tier", tier.String()).
			Context("max_buffers", tp.cfg.MaxBuffers).
			Build()
	}

	buf.size = size
	buf.state = stateAllocated
	tp.allocated[buf.id] = buf
	tp.counters.allocations++
	tp.counters.currentUsed++
	if tp.counters.currentUsed > tp.counters.peakUsed {
		tp.counters.peakUsed = tp.counters.currentUsed
	}
	inUse, created := tp.counters.currentUsed, tp.counters.totalCreated
	tp.mu.Unlock()

	p.metrics.RecordPoolAllocation(tier.String(), result)
	p.metrics.SetPoolUsage(tier.String(), inUse, created)
	return buf, nil
}

// Release returns buf to its tier. With staged set, the buffer is parked on
// the pending-release list until the enclosing cleanup scope ends; staged
// release outside a scope is rejected. Releasing a buffer drops every view
// registered over it.
func (p *Pool) Release(buf *Buffer, staged bool) error {
	if err := p.checkOpen("release"); err != nil {
		return err
	}
	if buf == nil || buf.tier < 0 || buf.tier >= tierCount {
		return p.protocolError("release of unknown buffer", ErrUnknownBuffer, buf)
	}

	if staged {
		p.scopeMu.Lock()
		defer p.scopeMu.Unlock()
		if p.scopes == 0 {
			return p.protocolError("staged release outside cleanup scope", ErrNoCleanupScope, buf)
		}
	}

	tp := p.tiers[buf.tier]
	tp.mu.Lock()
	if tp.allocated[buf.id] != buf {
		known := tp.pending.has(buf) || buf.state == stateFree
		tp.mu.Unlock()
		if known {
			return p.protocolError("double release", ErrDoubleRelease, buf)
		}
		return p.protocolError("release of unknown buffer", ErrUnknownBuffer, buf)
	}

	delete(tp.allocated, buf.id)
	tp.dropViewsLocked(buf.id)
	if staged {
		buf.state = statePending
		tp.pending.push(buf)
		tp.counters.staged++
	} else {
		tp.returnLocked(buf)
	}
	inUse, created := tp.counters.currentUsed, tp.counters.totalCreated
	tp.mu.Unlock()

	p.metrics.RecordPoolRelease(buf.tier.String(), metrics.ResultSuccess)
	p.metrics.SetPoolUsage(buf.tier.String(), inUse, created)
	return nil
}

// returnLocked pushes buf onto the free list. Caller holds tp.mu.
func (tp *tierPool) returnLocked(buf *Buffer) {
	buf.state = stateFree
	buf.size = 0
	tp.free = append(tp.free, buf)
	tp.counters.releases++
	tp.counters.currentUsed--
}

func (p *Pool) checkOpen(op string) error {
	if p.closed.Load() {
		return errors.New(ErrClosed).
			Component(componentName).
			Category(errors.CategoryState).
			Context("operation", op).
			Build()
	}
	return nil
}

// protocolError logs, reports and returns a caller-misuse error
func (p *Pool) protocolError(message string, sentinel error, buf *Buffer) error {
	b := errors.New(sentinel).
		Component(componentName).
		Category(errors.CategoryProtocol).
		WithStack()
	fields := []logger.Field{logger.String("operation", "release")}
	if buf != nil {
		b = b.Context("buffer_id", buf.id).Context("tier", buf.tier.String())
		fields = append(fields, logger.Uint64("buffer_id", buf.id), logger.String("tier", buf.tier.String()))
		p.metrics.RecordPoolRelease(buf.tier.String(), metrics.ResultRejected)
	}
	err := b.Build()

	p.log.Error(message, append(fields, logger.Error(err))...)
	if p.reporter != nil {
		p.reporter.ReportError(componentName, message, err)
	}
	return err
}

// Close drops every buffer. Later calls to any method fail with ErrClosed.
// It returns the number of buffers that were still allocated or pending.
func (p *Pool) Close() (int, error) {
	if !p.closed.CompareAndSwap(false, true) {
		return 0, errors.New(ErrClosed).
			Component(componentName).
			Category(errors.CategoryState).
			Context("operation", "close").
			Build()
	}

	outstanding := 0
	for _, tp := range p.tiers {
		tp.mu.Lock()
		outstanding += len(tp.allocated) + tp.pending.len()
		for _, buf := range tp.free {
			buf.state = stateDiscarded
		}
		for _, buf := range tp.allocated {
			buf.state = stateDiscarded
		}
		for _, buf := range tp.pending.take() {
			buf.state = stateDiscarded
		}
		tp.free = nil
		tp.allocated = map[uint64]*Buffer{}
		tp.views = map[uint64]*View{}
		tp.counters.currentUsed = 0
		tp.counters.totalCreated = 0
		tp.mu.Unlock()
		p.metrics.SetPoolUsage(tp.tier.String(), 0, 0)
	}

	if outstanding > 0 {
		p.log.Warn("pool closed with outstanding buffers", logger.Int("outstanding", outstanding))
	} else {
		p.log.Debug("pool closed")
	}
	return outstanding, nil
}

// Closed reports whether Close has been called
func (p *Pool) Closed() bool { return p.closed.Load() }
