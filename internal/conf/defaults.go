// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Buffer tier sizes
const (
	SmallTierSize  = 4 * 1024
	MediumTierSize = 64 * 1024
	LargeTierSize  = 1024 * 1024
)

// setDefaultConfig registers every default with v. Keys that are never
// defaulted are invisible to AutomaticEnv during Unmarshal, so every
// option must appear here.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("pool.small.size", SmallTierSize)
	v.SetDefault("pool.small.max_buffers", 1000)
	v.SetDefault("pool.small.preallocate", 0)
	v.SetDefault("pool.medium.size", MediumTierSize)
	v.SetDefault("pool.medium.max_buffers", 200)
	v.SetDefault("pool.medium.preallocate", 0)
	v.SetDefault("pool.large.size", LargeTierSize)
	v.SetDefault("pool.large.max_buffers", 32)
	v.SetDefault("pool.large.preallocate", 0)

	v.SetDefault("queues.capture_depth", 1000)
	v.SetDefault("queues.processing_depth", 500)
	v.SetDefault("queues.storage_depth", 250)

	v.SetDefault("locks.acquire_timeout", 2*time.Second)

	v.SetDefault("health.check_interval", time.Second)
	v.SetDefault("health.failure_window", 5*time.Minute)
	v.SetDefault("health.failure_history", 10)

	v.SetDefault("cleanup.step_timeout", 5*time.Second)
	v.SetDefault("cleanup.verify_retries", 3)
	v.SetDefault("cleanup.verify_delay", time.Second)

	v.SetDefault("resources.max_threads", 64)
	v.SetDefault("resources.max_handles", 256)

	v.SetDefault("alerts.buffer", 64)
	v.SetDefault("alerts.dedup_ttl", 30*time.Second)
	v.SetDefault("alerts.rate_per_second", 10.0)
	v.SetDefault("alerts.burst", 20)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/kernel.log")
	v.SetDefault("logging.file_output.level", "info")
}
