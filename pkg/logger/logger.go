package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = newLogger(false)
)

func newLogger(jsonOutput bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonOutput {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// Configure switches the encoder and level. Unknown level names keep the
// current level.
func Configure(levelName string, jsonOutput bool) {
	mu.Lock()
	old := base
	base = newLogger(jsonOutput)
	mu.Unlock()
	_ = old.Sync()

	if lvl, ok := ParseLevel(levelName); ok {
		SetLevel(lvl)
	}
}

func ParseLevel(name string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG, true
	case "info":
		return INFO, true
	case "warn", "warning":
		return WARN, true
	case "error":
		return ERROR, true
	case "fatal":
		return FATAL, true
	default:
		return INFO, false
	}
}

func SetLevel(l LogLevel) {
	level.SetLevel(toZapLevel(l))
}

func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	case zapcore.FatalLevel:
		return FATAL
	default:
		return INFO
	}
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func toZapLevel(l LogLevel) zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// toFields sorts keys so console output is stable across runs.
func toFields(component string, fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		out = append(out, zap.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func logAt(l LogLevel, component, msg string, fields map[string]interface{}) {
	zl := toZapLevel(l)
	if !level.Enabled(zl) {
		return
	}
	lg := current()
	if ce := lg.Check(zl, msg); ce != nil {
		ce.Write(toFields(component, fields)...)
	}
}

func Debug(msg string) { logAt(DEBUG, "", msg, nil) }
func Info(msg string)  { logAt(INFO, "", msg, nil) }
func Warn(msg string)  { logAt(WARN, "", msg, nil) }
func Error(msg string) { logAt(ERROR, "", msg, nil) }

func DebugC(component, msg string) { logAt(DEBUG, component, msg, nil) }
func InfoC(component, msg string)  { logAt(INFO, component, msg, nil) }
func WarnC(component, msg string)  { logAt(WARN, component, msg, nil) }
func ErrorC(component, msg string) { logAt(ERROR, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	logAt(DEBUG, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logAt(INFO, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logAt(WARN, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logAt(ERROR, component, msg, fields)
}

// FatalCF logs and exits the process.
func FatalCF(component, msg string, fields map[string]interface{}) {
	logAt(FATAL, component, msg, fields)
	os.Exit(1)
}
