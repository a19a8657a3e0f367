// Package logger is a leveled, global logging facade. The public API
// (Debug/Info/Warn/Error/Fatal, SetLevel, SetLevelFromString) is unchanged
// from the project's original stdlib-backed logger; internally it now
// delegates to logrus so per-transport and per-device log lines can carry
// structured fields instead of %s-formatted prose.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level represents a logging level, kept distinct from logrus.Level so
// call sites don't need to import logrus directly.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelFromString = map[string]Level{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
}

var toLogrus = map[Level]logrus.Level{
	DEBUG: logrus.DebugLevel,
	INFO:  logrus.InfoLevel,
	WARN:  logrus.WarnLevel,
	ERROR: logrus.ErrorLevel,
}

var (
	mu    sync.RWMutex
	level = INFO
	base  = logrus.New()
)

func init() {
	base.SetOutput(os.Stdout)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel sets the global log level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	base.SetLevel(toLogrus[l])
}

// SetLevelFromString sets the log level from a string (debug/info/warn/error).
func SetLevelFromString(levelStr string) {
	if l, ok := levelFromString[strings.ToLower(levelStr)]; ok {
		SetLevel(l)
		base.Infof("log level set to %s", levelNames[l])
	}
}

// SetTimestampFormat selects logrus's default text formatter for "unix"
// and a full-timestamp text formatter for anything else. Neither prints
// Unix seconds.
func SetTimestampFormat(format string) {
	mu.Lock()
	defer mu.Unlock()
	if strings.ToLower(format) == "unix" {
		base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: false})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// GetLevel returns the current log level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// GetLevelString returns the current log level as a string.
func GetLevelString() string {
	return levelNames[GetLevel()]
}

// Debug logs at DEBUG level.
func Debug(format string, v ...interface{}) { base.Debugf(format, v...) }

// Info logs at INFO level.
func Info(format string, v ...interface{}) { base.Infof(format, v...) }

// Warn logs at WARN level.
func Warn(format string, v ...interface{}) { base.Warnf(format, v...) }

// Error logs at ERROR level.
func Error(format string, v ...interface{}) { base.Errorf(format, v...) }

// Fatal logs at ERROR level and exits the process.
func Fatal(format string, v ...interface{}) {
	base.Errorf(format, v...)
	os.Exit(1)
}

// WithField returns a logrus entry carrying a single structured field, for
// call sites that want transport=/device_id=-style context instead of a
// formatted string (e.g. the transport worker's RX loop logging
// transport=udp_14550).
func WithField(key string, value interface{}) *logrus.Entry {
	return base.WithField(key, value)
}

// WithFields returns a logrus entry carrying several structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return base.WithFields(fields)
}
