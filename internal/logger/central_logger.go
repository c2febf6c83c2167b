package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LevelTrace sits below slog's debug level
const LevelTrace = slog.Level(-8)

const moduleKey = "module"

// CentralLogger owns the output handlers and per module levels.
// Loggers returned by Module share its handlers.
type CentralLogger struct {
	handler      slog.Handler
	fileWriter   *bufferedFileWriter
	location     *time.Location
	mu           sync.RWMutex
	moduleLevels map[string]slog.Level
	defaultLevel slog.Level
}

// NewCentralLogger builds a logger from config. A nil config yields DefaultConfig.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyConfigDefaults(cfg)

	cl := &CentralLogger{
		location:     loadLocation(cfg.Timezone),
		moduleLevels: make(map[string]slog.Level, len(cfg.ModuleLevels)),
		defaultLevel: parseLogLevel(cfg.DefaultLevel),
	}
	for module, level := range cfg.ModuleLevels {
		cl.moduleLevels[module] = parseLogLevel(level)
	}

	var handlers []slog.Handler
	if cfg.Console != nil && cfg.Console.Enabled {
		handlers = append(handlers, newTextHandler(os.Stderr, parseLogLevel(cfg.Console.Level)))
	}
	if cfg.FileOutput != nil && cfg.FileOutput.Enabled {
		fw, err := newBufferedFileWriter(cfg.FileOutput.Path)
		if err != nil {
			return nil, err
		}
		cl.fileWriter = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{
			Level:       parseLogLevel(cfg.FileOutput.Level),
			ReplaceAttr: replaceLevelName,
		}))
	}
	cl.handler = newFanoutHandler(handlers...)
	return cl, nil
}

// newWithHandler is used by the test helpers
func newWithHandler(h slog.Handler, level slog.Level) *CentralLogger {
	return &CentralLogger{
		handler:      h,
		location:     time.Local,
		moduleLevels: make(map[string]slog.Level),
		defaultLevel: level,
	}
}

// SetModuleLevel changes the level of a single module at runtime
func (cl *CentralLogger) SetModuleLevel(module string, level LogLevel) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.moduleLevels[module] = parseLogLevel(string(level))
}

func (cl *CentralLogger) levelFor(module string) slog.Level {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	// dotted names inherit from their parent module
	for name := module; name != ""; {
		if level, ok := cl.moduleLevels[name]; ok {
			return level
		}
		idx := strings.LastIndexByte(name, '.')
		if idx < 0 {
			break
		}
		name = name[:idx]
	}
	return cl.defaultLevel
}

// Module returns a logger scoped to name
func (cl *CentralLogger) Module(name string) Logger {
	return &moduleLogger{central: cl, module: name}
}

func (cl *CentralLogger) root() *moduleLogger { return &moduleLogger{central: cl} }

func (cl *CentralLogger) Trace(msg string, fields ...Field) { cl.root().Trace(msg, fields...) }
func (cl *CentralLogger) Debug(msg string, fields ...Field) { cl.root().Debug(msg, fields...) }
func (cl *CentralLogger) Info(msg string, fields ...Field)  { cl.root().Info(msg, fields...) }
func (cl *CentralLogger) Warn(msg string, fields ...Field)  { cl.root().Warn(msg, fields...) }
func (cl *CentralLogger) Error(msg string, fields ...Field) { cl.root().Error(msg, fields...) }

func (cl *CentralLogger) With(fields ...Field) Logger          { return cl.root().With(fields...) }
func (cl *CentralLogger) WithContext(ctx context.Context) Logger { return cl.root().WithContext(ctx) }

func (cl *CentralLogger) Log(level LogLevel, msg string, fields ...Field) {
	cl.root().Log(level, msg, fields...)
}

// Flush pushes buffered file output to the OS
func (cl *CentralLogger) Flush() error {
	if cl.fileWriter == nil {
		return nil
	}
	return cl.fileWriter.Flush()
}

// Close flushes and closes the file output
func (cl *CentralLogger) Close() error {
	if cl.fileWriter == nil {
		return nil
	}
	return cl.fileWriter.Close()
}

type moduleLogger struct {
	central *CentralLogger
	module  string
	fields  []Field
	ctx     context.Context
}

func (ml *moduleLogger) Module(name string) Logger {
	if ml.module != "" {
		name = ml.module + "." + name
	}
	return &moduleLogger{central: ml.central, module: name, fields: ml.fields, ctx: ml.ctx}
}

func (ml *moduleLogger) Trace(msg string, fields ...Field) { ml.log(LevelTrace, msg, fields) }
func (ml *moduleLogger) Debug(msg string, fields ...Field) { ml.log(slog.LevelDebug, msg, fields) }
func (ml *moduleLogger) Info(msg string, fields ...Field)  { ml.log(slog.LevelInfo, msg, fields) }
func (ml *moduleLogger) Warn(msg string, fields ...Field)  { ml.log(slog.LevelWarn, msg, fields) }
func (ml *moduleLogger) Error(msg string, fields ...Field) { ml.log(slog.LevelError, msg, fields) }

func (ml *moduleLogger) Log(level LogLevel, msg string, fields ...Field) {
	ml.log(parseLogLevel(string(level)), msg, fields)
}

func (ml *moduleLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(ml.fields)+len(fields))
	merged = append(merged, ml.fields...)
	merged = append(merged, fields...)
	return &moduleLogger{central: ml.central, module: ml.module, fields: merged, ctx: ml.ctx}
}

func (ml *moduleLogger) WithContext(ctx context.Context) Logger {
	return &moduleLogger{central: ml.central, module: ml.module, fields: ml.fields, ctx: ctx}
}

func (ml *moduleLogger) Flush() error { return ml.central.Flush() }

func (ml *moduleLogger) log(level slog.Level, msg string, fields []Field) {
	if level < ml.central.levelFor(ml.module) {
		return
	}
	ctx := ml.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if !ml.central.handler.Enabled(ctx, level) {
		return
	}

	record := slog.NewRecord(time.Now().In(ml.central.location), level, msg, 0)
	if ml.module != "" {
		record.AddAttrs(slog.String(moduleKey, ml.module))
	}
	for _, f := range ml.fields {
		record.AddAttrs(fieldToAttr(f))
	}
	for _, f := range fields {
		record.AddAttrs(fieldToAttr(f))
	}
	_ = ml.central.handler.Handle(ctx, record)
}

func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case nil:
		return slog.Any(f.Key, nil)
	case error:
		return slog.String(f.Key, v.Error())
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float64:
		return slog.Float64(f.Key, v)
	case bool:
		return slog.Bool(f.Key, v)
	case time.Duration:
		return slog.Duration(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	default:
		return slog.Any(f.Key, v)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelName(level slog.Level) string {
	if level <= LevelTrace {
		return "TRACE"
	}
	return level.String()
}

func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok {
			return slog.String(slog.LevelKey, levelName(level))
		}
	}
	return a
}

func loadLocation(name string) *time.Location {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

var (
	globalMu     sync.RWMutex
	globalLogger Logger
)

// Global returns the process-wide logger, creating a console logger on first use
func Global() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		cl, err := NewCentralLogger(DefaultConfig())
		if err != nil {
			globalLogger = NewDiscard()
		} else {
			globalLogger = cl
		}
	}
	return globalLogger
}

// SetGlobal replaces the process-wide logger
func SetGlobal(l Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// NewTestLogger writes text output to w at the given level
func NewTestLogger(w io.Writer, level LogLevel) *CentralLogger {
	lvl := parseLogLevel(string(level))
	return newWithHandler(newTextHandler(w, lvl), lvl)
}

// NewDiscard returns a logger that drops everything
func NewDiscard() Logger {
	return newWithHandler(newFanoutHandler(), slog.LevelError+1)
}
