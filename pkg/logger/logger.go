// Package logger provides component-scoped structured logging.
//
// Every call names the component that emits it ("bot", "dispatch",
// "scheduler", ...) and may attach a field map:
//
//	logger.InfoCF("scheduler", "Autopost published", map[string]interface{}{
//		"note_id": id,
//	})
//
// The backend is a single logrus logger configured once at startup.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is the structured payload attached to a log line.
type Fields = map[string]interface{}

var (
	mu   sync.RWMutex
	base = newBase()
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(levelFromString(os.Getenv("LOG_LEVEL")))
	return l
}

// Configure sets the level ("debug", "info", "warn", "error") and the output
// format ("json" or "text").
func Configure(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	base.SetLevel(levelFromString(level))
	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects all log output. Tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(w)
}

// Backend exposes the underlying logrus logger for libraries that want one.
func Backend() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func levelFromString(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func entry(component string, fields Fields) *logrus.Entry {
	mu.RLock()
	l := base
	mu.RUnlock()

	e := l.WithField("component", component)
	if len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	return e
}

func DebugC(component, msg string) { entry(component, nil).Debug(msg) }
func InfoC(component, msg string)  { entry(component, nil).Info(msg) }
func WarnC(component, msg string)  { entry(component, nil).Warn(msg) }
func ErrorC(component, msg string) { entry(component, nil).Error(msg) }

func DebugCF(component, msg string, fields Fields) { entry(component, fields).Debug(msg) }
func InfoCF(component, msg string, fields Fields)  { entry(component, fields).Info(msg) }
func WarnCF(component, msg string, fields Fields)  { entry(component, fields).Warn(msg) }
func ErrorCF(component, msg string, fields Fields) { entry(component, fields).Error(msg) }
