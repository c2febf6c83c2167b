package monitor

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/audiokernel/internal/locking"
	"github.com/tphakala/audiokernel/internal/logger"
)

// PerformanceStats is a sample of process, system and kernel resource usage
type PerformanceStats struct {
	CPUPercent        float64   `json:"cpu_percent"`
	ProcessCPUPercent float64   `json:"process_cpu_percent"`
	ProcessRSS        uint64    `json:"process_rss"`
	MemoryUsedPercent float64   `json:"memory_used_percent"`
	MemoryTotal       uint64    `json:"memory_total"`
	Goroutines        int       `json:"goroutines"`
	PoolInUse         int       `json:"pool_in_use"`
	PoolBytes         int64     `json:"pool_bytes"`
	QueuedBuffers     int       `json:"queued_buffers"`
	OpenBrackets      int       `json:"open_brackets"`
	Sampled           time.Time `json:"sampled"`
}

// systemSampler reads process and host usage through gopsutil
type systemSampler struct {
	proc *process.Process
	log  logger.Logger
}

func newSystemSampler(log logger.Logger) *systemSampler {
	s := &systemSampler{log: log}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("process metrics unavailable", logger.Error(err))
		return s
	}
	s.proc = proc
	return s
}

// sample fills the host and process fields. Failed readings are logged and left zero.
func (s *systemSampler) sample(stats *PerformanceStats) {
	stats.Goroutines = runtime.NumGoroutine()
	stats.Sampled = time.Now()

	// 0 interval for an instant reading that does not block
	if pct, err := cpu.Percent(0, false); err != nil {
		s.log.Debug("failed to get CPU usage", logger.Error(err))
	} else if len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.log.Debug("failed to get memory info", logger.Error(err))
	} else {
		stats.MemoryUsedPercent = vm.UsedPercent
		stats.MemoryTotal = vm.Total
	}

	if s.proc == nil {
		return
	}
	if mi, err := s.proc.MemoryInfo(); err != nil {
		s.log.Debug("failed to get process memory", logger.Error(err))
	} else {
		stats.ProcessRSS = mi.RSS
	}
	if pct, err := s.proc.CPUPercent(); err != nil {
		s.log.Debug("failed to get process CPU usage", logger.Error(err))
	} else {
		stats.ProcessCPUPercent = pct
	}
}

// samplePerformance takes a fresh sample and stores it under the performance level
func (c *Coordinator) samplePerformance() PerformanceStats {
	var stats PerformanceStats
	c.sampler.sample(&stats)

	ps := c.pool.Stats()
	stats.PoolInUse = ps.InUse()
	stats.PoolBytes = ps.Bytes()
	stats.QueuedBuffers = c.buffers.Pending()
	stats.OpenBrackets = c.buffers.OpenBrackets()

	g, err := c.locks.Acquire(locking.LevelPerformance)
	if err != nil {
		c.log.Debug("performance sample not stored", logger.Error(err))
		return stats
	}
	c.perf = stats
	g.Release()
	return stats
}

// cachedPerformance returns the last stored sample
func (c *Coordinator) cachedPerformance(g *locking.Guard) PerformanceStats {
	if g.Holds(locking.LevelPerformance) {
		return c.perf
	}
	own, err := c.locks.Acquire(locking.LevelPerformance)
	if err != nil {
		return PerformanceStats{}
	}
	defer own.Release()
	return c.perf
}
