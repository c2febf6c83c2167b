// Package soak drives the kernel with a synthetic stereo pipeline. Two
// sources write PCM frames into ring buffers at a fixed rate; capture,
// processing and storage stages move them through the buffer manager the
// way a real audio pipeline would. Faults can be injected to exercise
// recovery under load.
package soak

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tphakala/audiokernel/internal/buffer"
	"github.com/tphakala/audiokernel/internal/component"
	"github.com/tphakala/audiokernel/internal/errors"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/monitor"
)

// Component names registered by the pipeline
const (
	CaptureLeft  = "capture_left"
	CaptureRight = "capture_right"
	Processing   = "processing"
	Storage      = "storage"
)

const componentName = "soak"

// ErrInjectedFault is reported by the capture stage every FaultEvery frames
var ErrInjectedFault = errors.NewStd("injected capture fault")

// Config controls the synthetic pipeline
type Config struct {
	Duration     time.Duration // 0 runs until ctx is cancelled
	FrameSize    int           // bytes per frame
	FrameRate    float64       // frames per second per channel
	FaultEvery   int           // report a left capture fault every n frames, 0 disables
	QueueTimeout time.Duration // put/get wait
	RingFrames   int           // ring buffer capacity in frames
}

// DefaultConfig returns a pipeline producing 100 frames/s of 960 bytes per channel
func DefaultConfig() Config {
	return Config{
		FrameSize:    960,
		FrameRate:    100,
		QueueTimeout: 50 * time.Millisecond,
		RingFrames:   16,
	}
}

// Report summarizes a run
type Report struct {
	Duration   time.Duration         `json:"duration"`
	Generated  uint64                `json:"generated"`
	Captured   uint64                `json:"captured"`
	Processed  uint64                `json:"processed"`
	Stored     uint64                `json:"stored"`
	StoredB    uint64                `json:"stored_bytes"`
	Dropped    uint64                `json:"dropped"`
	Overruns   uint64                `json:"overruns"`
	Faults     uint64                `json:"faults"`
	Recoveries monitor.RecoveryStats `json:"recoveries"`
}

type counters struct {
	generated, captured, processed, stored, storedBytes, dropped, overruns, faults atomic.Uint64
}

// channel is one side of the synthetic device
type channel struct {
	comp   string
	ch     buffer.Channel
	ring   *ringbuffer.RingBuffer
	paused atomic.Bool
	phase  float64
}

// Pipeline is a synthetic capture pipeline bound to a kernel
type Pipeline struct {
	cfg      Config
	kernel   *monitor.Coordinator
	log      logger.Logger
	channels []*channel
	stats    counters
}

// New validates cfg and registers the pipeline components with the kernel
func New(k *monitor.Coordinator, cfg Config, log logger.Logger) (*Pipeline, error) {
	if cfg.FrameSize <= 0 || cfg.FrameRate <= 0 || cfg.QueueTimeout <= 0 || cfg.RingFrames <= 0 || cfg.FaultEvery < 0 {
		return nil, errors.Newf("invalid soak config: frame size %d, rate %.1f, ring %d frames",
			cfg.FrameSize, cfg.FrameRate, cfg.RingFrames).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	p := &Pipeline{cfg: cfg, kernel: k, log: log}
	for _, side := range []struct {
		comp string
		ch   buffer.Channel
	}{
		{CaptureLeft, buffer.ChannelLeft},
		{CaptureRight, buffer.ChannelRight},
	} {
		p.channels = append(p.channels, &channel{
			comp: side.comp,
			ch:   side.ch,
			ring: ringbuffer.New(cfg.FrameSize * cfg.RingFrames),
		})
	}
	if err := p.register(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) register() error {
	deps := map[string][]string{
		CaptureLeft:  nil,
		CaptureRight: nil,
		Processing:   {CaptureLeft, CaptureRight},
		Storage:      {Processing},
	}
	for _, name := range []string{CaptureLeft, CaptureRight, Processing, Storage} {
		if err := p.kernel.RegisterComponent(name, deps[name], nil); err != nil {
			return err
		}
		for _, st := range []component.State{component.Initializing, component.Running} {
			if err := p.kernel.SetComponentState(name, st, "soak start"); err != nil {
				return err
			}
		}
	}
	for _, c := range p.channels {
		if err := p.kernel.RegisterRecoveryHandler(c.comp, c.handler()); err != nil {
			return err
		}
	}
	return nil
}

// handler pauses the source while recovery runs and discards stale ring data on restart
func (c *channel) handler() monitor.RecoveryHandler {
	return monitor.RecoveryFuncs{
		Stop: func(context.Context) error {
			c.paused.Store(true)
			return nil
		},
		Reinit: func(context.Context) error {
			c.ring.Reset()
			c.paused.Store(false)
			return nil
		},
	}
}

// Run drives the pipeline until cfg.Duration elapses or ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	if p.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Duration)
		defer cancel()
	}
	start := time.Now()
	p.log.Info("soak run started",
		logger.Int("frame_size", p.cfg.FrameSize),
		logger.Float64("frame_rate", p.cfg.FrameRate),
		logger.Int("fault_every", p.cfg.FaultEvery))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range p.channels {
		p.spawn(gctx, g, c.comp, "source", func(beat func()) error { return p.source(gctx, c, beat) })
		p.spawn(gctx, g, c.comp, "reader", func(beat func()) error { return p.capture(gctx, c, beat) })
	}
	p.spawn(gctx, g, Processing, "worker", func(beat func()) error { return p.process(gctx, beat) })
	p.spawn(gctx, g, Storage, "writer", func(beat func()) error { return p.store(gctx, beat) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	rep := p.report(time.Since(start))
	p.log.Info("soak run finished",
		logger.Duration("duration", rep.Duration),
		logger.Uint64("stored", rep.Stored),
		logger.Uint64("dropped", rep.Dropped),
		logger.Uint64("faults", rep.Faults),
		logger.Uint64("recoveries", rep.Recoveries.Succeeded))
	return rep, err
}

// spawn runs fn as a kernel-registered thread. The thread is unregistered
// before its done channel closes so a clean exit is not a failure.
func (p *Pipeline) spawn(ctx context.Context, g *errgroup.Group, comp, name string, fn func(beat func()) error) {
	done := make(chan struct{})
	if err := p.kernel.RegisterThread(comp, name, done); err != nil {
		p.log.Warn("thread not registered", logger.String("component", comp), logger.String("thread", name), logger.Error(err))
	}
	beat := func() { _ = p.kernel.Heartbeat(comp, name) }
	g.Go(func() error {
		defer close(done)
		defer func() { _ = p.kernel.UnregisterThread(comp, name) }()
		err := fn(beat)
		if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			p.log.Error("pipeline thread failed", logger.String("component", comp), logger.String("thread", name), logger.Error(err))
		}
		return err
	})
}

// source fills the channel's ring with a sine tone at the configured frame rate
func (p *Pipeline) source(ctx context.Context, c *channel, beat func()) error {
	limiter := rate.NewLimiter(rate.Limit(p.cfg.FrameRate), 1)
	frame := make([]byte, p.cfg.FrameSize)
	freq := 440.0
	if c.ch == buffer.ChannelRight {
		freq = 660.0
	}
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		beat()
		if c.paused.Load() {
			continue
		}
		c.phase = synthesize(frame, c.phase, freq)
		p.stats.generated.Add(1)
		if _, err := c.ring.Write(frame); err != nil {
			if !errors.Is(err, ringbuffer.ErrIsFull) {
				return err
			}
			p.stats.overruns.Add(1)
		}
	}
}

// capture moves whole frames from the ring into the capture queue
func (p *Pipeline) capture(ctx context.Context, c *channel, beat func()) error {
	queue := buffer.QueueID{Stage: buffer.StageCapture, Channel: c.ch}
	frame := make([]byte, p.cfg.FrameSize)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / p.cfg.FrameRate / 2))
	defer ticker.Stop()
	var frames uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		beat()
		for c.ring.Length() >= p.cfg.FrameSize {
			if _, err := c.ring.Read(frame); err != nil {
				break
			}
			frames++
			if p.cfg.FaultEvery > 0 && c.ch == buffer.ChannelLeft && frames%uint64(p.cfg.FaultEvery) == 0 {
				p.stats.faults.Add(1)
				p.kernel.ReportError(c.comp, "capture device fault",
					errors.New(ErrInjectedFault).
						Component(componentName).
						Category(errors.CategoryProcessing).
						Context("frame", frames).
						Build())
			}
			_ = p.kernel.UpdateMetric(levelMetric(c.ch), peakDBFS(frame))
			startPut := time.Now()
			if err := p.put(ctx, queue, frame); err != nil {
				return err
			}
			p.stats.captured.Add(1)
			_ = p.kernel.UpdateMetric(monitor.MetricCaptureLatency, msSince(startPut))
		}
	}
}

// process forwards capture queues to the processing queues of the same channel
func (p *Pipeline) process(ctx context.Context, beat func()) error {
	return p.forward(ctx, beat, buffer.StageCapture, buffer.StageProcessing, &p.stats.processed, monitor.MetricProcessingLatency)
}

// store drains processing into storage and consumes storage
func (p *Pipeline) store(ctx context.Context, beat func()) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		beat()
		for _, ch := range []buffer.Channel{buffer.ChannelLeft, buffer.ChannelRight} {
			data, ok, err := p.get(ctx, buffer.QueueID{Stage: buffer.StageProcessing, Channel: ch})
			if err != nil {
				return err
			}
			if ok {
				if err := p.put(ctx, buffer.QueueID{Stage: buffer.StageStorage, Channel: ch}, data); err != nil {
					return err
				}
			}
			start := time.Now()
			data, ok, err = p.get(ctx, buffer.QueueID{Stage: buffer.StageStorage, Channel: ch})
			if err != nil {
				return err
			}
			if ok {
				p.stats.stored.Add(1)
				p.stats.storedBytes.Add(uint64(len(data)))
				_ = p.kernel.UpdateMetric(monitor.MetricStorageLatency, msSince(start))
			}
		}
		_ = p.kernel.UpdateMetric(monitor.MetricTranscriptionBacklog, float64(p.kernel.Buffers().Pending()))
	}
}

func (p *Pipeline) forward(ctx context.Context, beat func(), from, to buffer.Stage, counter *atomic.Uint64, metric string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		beat()
		for _, ch := range []buffer.Channel{buffer.ChannelLeft, buffer.ChannelRight} {
			start := time.Now()
			data, ok, err := p.get(ctx, buffer.QueueID{Stage: from, Channel: ch})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := p.put(ctx, buffer.QueueID{Stage: to, Channel: ch}, data); err != nil {
				return err
			}
			counter.Add(1)
			_ = p.kernel.UpdateMetric(metric, msSince(start))
		}
	}
}

// put enqueues data. Full, flushing and shut down queues drop the frame;
// any other failure stops the pipeline.
func (p *Pipeline) put(ctx context.Context, id buffer.QueueID, data []byte) error {
	err := p.kernel.Put(ctx, id, data, p.cfg.QueueTimeout)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.IsCapacity(err) || errors.IsTransient(err) || errors.Is(err, monitor.ErrShutdown) || errors.Is(err, buffer.ErrClosed) || p.kernel.IsShutdown():
		p.stats.dropped.Add(1)
		_ = p.kernel.UpdateMetric(monitor.MetricDroppedFrames, float64(p.stats.dropped.Load()))
		return nil
	default:
		return fmt.Errorf("put %s: %w", id, err)
	}
}

// get dequeues one frame. ok is false when nothing arrived in time.
func (p *Pipeline) get(ctx context.Context, id buffer.QueueID) ([]byte, bool, error) {
	data, err := p.kernel.Get(ctx, id, p.cfg.QueueTimeout)
	switch {
	case err == nil:
		return data, true, nil
	case ctx.Err() != nil:
		return nil, false, ctx.Err()
	case errors.IsTransient(err) || errors.Is(err, monitor.ErrShutdown) || errors.Is(err, buffer.ErrClosed) || p.kernel.IsShutdown():
		if errors.Is(err, monitor.ErrShutdown) || p.kernel.IsShutdown() {
			// kernel is gone, nothing left to move
			return nil, false, context.Canceled
		}
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("get %s: %w", id, err)
	}
}

func (p *Pipeline) report(d time.Duration) Report {
	rep := Report{
		Duration:  d,
		Generated: p.stats.generated.Load(),
		Captured:  p.stats.captured.Load(),
		Processed: p.stats.processed.Load(),
		Stored:    p.stats.stored.Load(),
		StoredB:   p.stats.storedBytes.Load(),
		Dropped:   p.stats.dropped.Load(),
		Overruns:  p.stats.overruns.Load(),
		Faults:    p.stats.faults.Load(),
	}
	if rs, err := p.kernel.RecoveryStats(); err == nil {
		rep.Recoveries = rs
	}
	return rep
}

func levelMetric(ch buffer.Channel) string {
	if ch == buffer.ChannelRight {
		return monitor.MetricAudioLevelRight
	}
	return monitor.MetricAudioLevelLeft
}

// synthesize writes a 16-bit little endian sine tone at 48 kHz into frame
// and returns the phase to continue from
func synthesize(frame []byte, phase, freq float64) float64 {
	const sampleRate = 48000.0
	step := 2 * math.Pi * freq / sampleRate
	for i := 0; i+1 < len(frame); i += 2 {
		v := int16(math.Sin(phase) * 0.5 * math.MaxInt16)
		frame[i] = byte(v)
		frame[i+1] = byte(v >> 8)
		phase += step
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
	}
	return phase
}

// peakDBFS returns the peak level of a 16-bit frame in dBFS
func peakDBFS(frame []byte) float64 {
	peak := 0
	for i := 0; i+1 < len(frame); i += 2 {
		v := int(int16(uint16(frame[i]) | uint16(frame[i+1])<<8))
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	if peak == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(float64(peak)/math.MaxInt16)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
