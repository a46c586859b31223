// Package logging wraps the standard library logger with the session-file
// and quiet-mode conventions used throughout this codebase. No third-party
// structured logger is pulled in here: this is the teacher's own ambient
// logging idiom (plain log.Printf through a thin wrapper), carried forward
// rather than replaced.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger is a process-wide or per-tape logging handle.
type Logger struct {
	mu     sync.Mutex
	std    *log.Logger
	file   *os.File
	prefix string
	level  string
	mods   map[string]levelOrOff
}

type levelOrOff struct {
	off   bool
	level string
}

var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"error": 2,
}

// New creates a logger writing to logDir/session-<ts>.log as well as
// stderr. filter is the raw BUB_LOG_FILTER value (see ParseFilter).
func New(logDir string, filter string) (*Logger, error) {
	var file *os.File
	var out io.Writer = os.Stderr

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		name := fmt.Sprintf("session-%s.log", time.Now().UTC().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(os.Stderr, f)
	}

	level, mods := ParseFilter(filter)
	return &Logger{
		std:   log.New(out, "", log.LstdFlags|log.Lmicroseconds),
		file:  file,
		level: level,
		mods:  mods,
	}, nil
}

// ParseFilter parses BUB_LOG_FILTER: "level" or "module1=level,module2=level".
// A module level of "false" disables that module entirely.
func ParseFilter(filter string) (string, map[string]levelOrOff) {
	if filter == "" {
		filter = "info"
	}
	parts := strings.Split(strings.ToLower(filter), ",")
	global := "info"
	mods := make(map[string]levelOrOff)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			mod := strings.TrimSpace(part[:idx])
			lvl := strings.TrimSpace(part[idx+1:])
			if lvl == "false" {
				mods[mod] = levelOrOff{off: true}
			} else {
				mods[mod] = levelOrOff{level: lvl}
			}
			continue
		}
		global = part
	}
	return global, mods
}

// WithTape returns a child logger prefixed with the tape/session id,
// mirroring the extra["tape"] context field the teacher's Python logging
// helpers inject per record.
func (l *Logger) WithTape(tapeID string) *Logger {
	return &Logger{std: l.std, file: l.file, prefix: tapeID, level: l.level, mods: l.mods}
}

func (l *Logger) enabled(module, level string) bool {
	if m, ok := l.mods[module]; ok {
		if m.off {
			return false
		}
		return levelRank[level] >= levelRank[m.level]
	}
	return levelRank[level] >= levelRank[l.level]
}

func (l *Logger) log(module, level, format string, args ...interface{}) {
	if !l.enabled(module, level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.prefix != "" {
		l.std.Printf("%-5s | %s | %s", strings.ToUpper(level), l.prefix, msg)
	} else {
		l.std.Printf("%-5s | %s", strings.ToUpper(level), msg)
	}
}

func (l *Logger) Debug(module, format string, args ...interface{}) { l.log(module, "debug", format, args...) }
func (l *Logger) Info(module, format string, args ...interface{})  { l.log(module, "info", format, args...) }
func (l *Logger) Error(module, format string, args ...interface{}) { l.log(module, "error", format, args...) }

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Discard returns a Logger that drops everything, useful in tests.
func Discard() *Logger {
	return &Logger{std: log.New(io.Discard, "", 0), level: "error"}
}
