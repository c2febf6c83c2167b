package monitor

import (
	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/logger"
)

// Known gauge names accepted by UpdateMetric
const (
	MetricCaptureLatency       = "capture_latency_ms"
	MetricProcessingLatency    = "processing_latency_ms"
	MetricStorageLatency       = "storage_latency_ms"
	MetricDroppedFrames        = "dropped_frames"
	MetricAudioLevelLeft       = "audio_level_left"
	MetricAudioLevelRight      = "audio_level_right"
	MetricTranscriptionBacklog = "transcription_backlog"
)

// Gauges holds the pipeline values reported through UpdateMetric
type Gauges struct {
	CaptureLatencyMs     float64 `json:"capture_latency_ms"`
	ProcessingLatencyMs  float64 `json:"processing_latency_ms"`
	StorageLatencyMs     float64 `json:"storage_latency_ms"`
	DroppedFrames        float64 `json:"dropped_frames"`
	AudioLevelLeft       float64 `json:"audio_level_left"`
	AudioLevelRight      float64 `json:"audio_level_right"`
	TranscriptionBacklog float64 `json:"transcription_backlog"`
	Unknown              uint64  `json:"unknown_updates"`
}

func (g *Gauges) field(name string) *float64 {
	switch name {
	case MetricCaptureLatency:
		return &g.CaptureLatencyMs
	case MetricProcessingLatency:
		return &g.ProcessingLatencyMs
	case MetricStorageLatency:
		return &g.StorageLatencyMs
	case MetricDroppedFrames:
		return &g.DroppedFrames
	case MetricAudioLevelLeft:
		return &g.AudioLevelLeft
	case MetricAudioLevelRight:
		return &g.AudioLevelRight
	case MetricTranscriptionBacklog:
		return &g.TranscriptionBacklog
	default:
		return nil
	}
}

// UpdateMetric sets a named gauge. Unknown names are counted and ignored.
func (c *Coordinator) UpdateMetric(name string, value float64) error {
	if err := c.checkOpen("update_metric"); err != nil {
		return err
	}
	g, err := c.locks.Acquire(locking.LevelMetrics)
	if err != nil {
		return err
	}
	f := c.gauges.field(name)
	if f == nil {
		c.unknownMetrics++
		g.Release()
		c.log.Debug("unknown metric ignored", logger.String("name", name))
		return nil
	}
	*f = value
	g.Release()
	c.metrics.SetValue(name, value)
	return nil
}

// gaugesGuarded copies the gauges; g must hold the metrics level
func (c *Coordinator) gaugesGuarded(g *locking.Guard) Gauges {
	if !g.Holds(locking.LevelMetrics) {
		return Gauges{}
	}
	out := c.gauges
	out.Unknown = c.unknownMetrics
	return out
}
