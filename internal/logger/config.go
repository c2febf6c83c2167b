package logger

// LoggingConfig configures the central logger
type LoggingConfig struct {
	DefaultLevel string            `yaml:"default_level" mapstructure:"default_level"`
	Timezone     string            `yaml:"timezone" mapstructure:"timezone"`
	Console      *ConsoleOutput    `yaml:"console" mapstructure:"console"`
	FileOutput   *FileOutput       `yaml:"file_output" mapstructure:"file_output"`
	ModuleLevels map[string]string `yaml:"module_levels" mapstructure:"module_levels"`
}

// ConsoleOutput configures the human readable console handler
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Level   string `yaml:"level" mapstructure:"level"`
}

// FileOutput configures the JSON file handler
type FileOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
	Level   string `yaml:"level" mapstructure:"level"`
}

// Kernel module names. Packages pass these to Logger.Module.
const (
	ModulePool         = "pool"
	ModuleBuffer       = "buffer"
	ModuleComponent    = "component"
	ModuleRecovery     = "recovery"
	ModuleCleanup      = "cleanup"
	ModuleMonitor      = "monitor"
	ModuleNotification = "notification"
	ModuleEvents       = "events"
	ModuleLocking      = "locking"
)

// DefaultConfig returns console-only logging at info level
func DefaultConfig() *LoggingConfig {
	cfg := &LoggingConfig{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = string(LogLevelInfo)
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{Enabled: true, Level: cfg.DefaultLevel}
	}
	if cfg.Console.Level == "" {
		cfg.Console.Level = cfg.DefaultLevel
	}
	if cfg.FileOutput != nil {
		if cfg.FileOutput.Path == "" {
			cfg.FileOutput.Path = "logs/kernel.log"
		}
		if cfg.FileOutput.Level == "" {
			cfg.FileOutput.Level = cfg.DefaultLevel
		}
	}
	if cfg.ModuleLevels == nil {
		cfg.ModuleLevels = make(map[string]string)
	}
}
