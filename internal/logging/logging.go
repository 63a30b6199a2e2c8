// Package logging wraps the standard library's log.Logger with the four
// levels the engine's components call directly (DEBUG/INFO/WARN/ERROR),
// grounded on the teacher's plain log.Printf/log.Println call sites
// throughout pager.go, concurrency.go, and scheduler.go — no pack repo
// imports a structured logging library from a site a storage-engine
// package would actually call into, so this stays a thin stdlib wrapper
// rather than reaching past it.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level selects the minimum severity a Logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps the configuration strings config.Config.LogLevel
// accepts onto a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unrecognized level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a leveled wrapper around a stdlib *log.Logger.
type Logger struct {
	min Level
	std *log.Logger
}

// New constructs a Logger writing to w (os.Stderr if nil), filtering out
// anything below min.
func New(w io.Writer, min Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{min: min, std: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.std.Printf("["+level.String()+"] "+format, args...)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

// Default is package-level convenience for call sites that don't carry
// their own Logger reference, mirroring the teacher's package-level
// log.Printf usage.
var Default = New(nil, LevelInfo)
