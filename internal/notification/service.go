package notification

import (
	"sync/atomic"
	"time"

	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/events"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/observability/metrics"
)

const componentName = "notification"

// Config configures alert delivery
type Config struct {
	Buffer        int           // bus queue size
	DedupTTL      time.Duration // identical alerts inside this window are suppressed, 0 disables
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns the default alert settings
func DefaultConfig() Config {
	return ConfigFromSettings(conf.Default().Alerts)
}

// ConfigFromSettings converts loaded settings
func ConfigFromSettings(s conf.AlertSettings) Config {
	return Config{Buffer: s.Buffer, DedupTTL: s.DedupTTL, RatePerSecond: s.RatePerSecond, Burst: s.Burst}
}

// MetricsRecorder receives alert metrics
type MetricsRecorder interface {
	RecordAlert(severity, result string)
}

// Stats summarizes notifier activity
type Stats struct {
	Sent        uint64       `json:"sent"`
	Duplicates  uint64       `json:"duplicates"`
	RateLimited uint64       `json:"rate_limited"`
	Dropped     uint64       `json:"dropped"`
	Bus         events.Stats `json:"bus"`
}

// Service publishes alerts to subscribers
type Service struct {
	bus     *events.Bus[Alert]
	limit   *limiter
	metrics MetricsRecorder
	log     logger.Logger
	closed  atomic.Bool

	sent        atomic.Uint64
	duplicates  atomic.Uint64
	rateLimited atomic.Uint64
	dropped     atomic.Uint64
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(r MetricsRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// NewService creates a notifier and starts its event bus
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Buffer <= 0 || cfg.RatePerSecond <= 0 || cfg.Burst <= 0 || cfg.DedupTTL < 0 {
		return nil, errors.Newf("invalid alert settings").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("buffer", cfg.Buffer).
			Context("rate_per_second", cfg.RatePerSecond).
			Context("burst", cfg.Burst).
			Build()
	}
	s := &Service{
		limit:   newLimiter(cfg.RatePerSecond, cfg.Burst, cfg.DedupTTL),
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module(logger.ModuleNotification)
	}
	s.bus = events.New[Alert]("alerts", events.WithBufferSize(cfg.Buffer), events.WithLogger(s.log))
	return s, nil
}

// Notify builds and publishes an alert
func (s *Service) Notify(severity Severity, component, title, message string) (Alert, error) {
	a := NewAlert(severity, component, title, message)
	return a, s.Publish(a)
}

// Publish delivers a without blocking. Suppressed alerts return ErrDuplicate,
// ErrRateLimited or ErrDropped; critical alerts bypass the rate limit.
func (s *Service) Publish(a Alert) error {
	if s.closed.Load() {
		return s.reject(a, ErrClosed, errors.CategoryState, "")
	}
	if !a.Severity.Valid() || a.Title == "" {
		return errors.Newf("alert needs a title and a valid severity").
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("severity", string(a.Severity)).
			Build()
	}

	key := a.key()
	if !s.limit.allowNew(key) {
		s.duplicates.Add(1)
		return s.reject(a, ErrDuplicate, errors.CategoryConflict, ResultDuplicate)
	}
	if a.Severity != SeverityCritical && !s.limit.allowRate() {
		s.limit.forget(key)
		s.rateLimited.Add(1)
		return s.reject(a, ErrRateLimited, errors.CategoryLimit, ResultRateLimited)
	}
	if !s.bus.TryPublish(a) {
		s.limit.forget(key)
		s.dropped.Add(1)
		s.log.Warn("alert dropped, queue full",
			logger.String("title", a.Title),
			logger.String("severity", string(a.Severity)))
		return s.reject(a, ErrDropped, errors.CategoryCapacity, ResultDropped)
	}

	s.sent.Add(1)
	s.metrics.RecordAlert(string(a.Severity), ResultSent)
	s.log.Debug("alert published",
		logger.String("id", a.ID.String()),
		logger.String("title", a.Title),
		logger.String("severity", string(a.Severity)),
		logger.String("component", a.Component))
	return nil
}

func (s *Service) reject(a Alert, sentinel error, cat errors.ErrorCategory, result string) error {
	if result != "" {
		s.metrics.RecordAlert(string(a.Severity), result)
	}
	return errors.New(sentinel).
		Component(componentName).
		Category(cat).
		Context("title", a.Title).
		Context("severity", string(a.Severity)).
		Build()
}

// Subscribe returns a channel receiving alerts in publication order and a
// function cancelling the subscription.
func (s *Service) Subscribe(buffer int) (<-chan Alert, func()) {
	return s.bus.Subscribe(buffer)
}

// RegisterConsumer attaches a named consumer invoked for every alert
func (s *Service) RegisterConsumer(c events.Consumer[Alert]) error {
	return s.bus.RegisterConsumer(c)
}

// Stats returns a snapshot of notifier counters
func (s *Service) Stats() Stats {
	return Stats{
		Sent:        s.sent.Load(),
		Duplicates:  s.duplicates.Load(),
		RateLimited: s.rateLimited.Load(),
		Dropped:     s.dropped.Load(),
		Bus:         s.bus.Stats(),
	}
}

// Close delivers queued alerts and closes every subscription
func (s *Service) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.Close()
	}
}
