// conf/config.go settings for the capture kernel
package conf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/audiokernel/internal/logger"
)

// EnvPrefix is prepended to environment overrides, e.g. AUDIOKERNEL_LOCKS_ACQUIRE_TIMEOUT
const EnvPrefix = "AUDIOKERNEL"

// TierSettings configures a single buffer size class
type TierSettings struct {
	Size        int `yaml:"size" mapstructure:"size"`               // buffer capacity in bytes
	MaxBuffers  int `yaml:"max_buffers" mapstructure:"max_buffers"` // cap on buffers created for this tier
	Preallocate int `yaml:"preallocate" mapstructure:"preallocate"` // buffers created up front
}

// PoolSettings configures the tiered resource pool
type PoolSettings struct {
	Small  TierSettings `yaml:"small" mapstructure:"small"`
	Medium TierSettings `yaml:"medium" mapstructure:"medium"`
	Large  TierSettings `yaml:"large" mapstructure:"large"`
}

// QueueSettings configures per-stage queue depths. Both channels of a stage share a depth.
type QueueSettings struct {
	CaptureDepth    int `yaml:"capture_depth" mapstructure:"capture_depth"`
	ProcessingDepth int `yaml:"processing_depth" mapstructure:"processing_depth"`
	StorageDepth    int `yaml:"storage_depth" mapstructure:"storage_depth"`
}

// LockSettings configures the lock hierarchy
type LockSettings struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
}

// HealthSettings configures liveness monitoring
type HealthSettings struct {
	CheckInterval  time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	FailureWindow  time.Duration `yaml:"failure_window" mapstructure:"failure_window"`   // thread failures newer than this mark a component unhealthy
	FailureHistory int           `yaml:"failure_history" mapstructure:"failure_history"` // failures kept per component
}

// CleanupSettings configures cleanup step execution
type CleanupSettings struct {
	StepTimeout   time.Duration `yaml:"step_timeout" mapstructure:"step_timeout"`
	VerifyRetries int           `yaml:"verify_retries" mapstructure:"verify_retries"`
	VerifyDelay   time.Duration `yaml:"verify_delay" mapstructure:"verify_delay"`
}

// ResourceSettings configures scalar resource limits per component
type ResourceSettings struct {
	MaxThreads int `yaml:"max_threads" mapstructure:"max_threads"`
	MaxHandles int `yaml:"max_handles" mapstructure:"max_handles"`
}

// AlertSettings configures the alert channel
type AlertSettings struct {
	Buffer        int           `yaml:"buffer" mapstructure:"buffer"`
	DedupTTL      time.Duration `yaml:"dedup_ttl" mapstructure:"dedup_ttl"`
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int           `yaml:"burst" mapstructure:"burst"`
}

// MetricsSettings configures the Prometheus endpoint
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// Settings contains all configuration options for the kernel.
type Settings struct {
	Debug     bool                 `yaml:"debug" mapstructure:"debug"`
	Pool      PoolSettings         `yaml:"pool" mapstructure:"pool"`
	Queues    QueueSettings        `yaml:"queues" mapstructure:"queues"`
	Locks     LockSettings         `yaml:"locks" mapstructure:"locks"`
	Health    HealthSettings       `yaml:"health" mapstructure:"health"`
	Cleanup   CleanupSettings      `yaml:"cleanup" mapstructure:"cleanup"`
	Resources ResourceSettings     `yaml:"resources" mapstructure:"resources"`
	Alerts    AlertSettings        `yaml:"alerts" mapstructure:"alerts"`
	Metrics   MetricsSettings      `yaml:"metrics" mapstructure:"metrics"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// Default returns settings populated with every default value
func Default() *Settings {
	v := newViper()
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		// defaults are static, a failure here is a programming error
		panic(fmt.Sprintf("conf: unmarshal defaults: %v", err))
	}
	return settings
}

// Load reads the configuration file at path (optional) and environment
// overrides, and validates the result. An empty path uses defaults and env only.
func Load(path string) (*Settings, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaultConfig(v)
	return v
}

// YAML renders the settings as a YAML document
func (s *Settings) YAML() ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings: %w", err)
	}
	return out, nil
}
