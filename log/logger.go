// Package log provides category-scoped logging for the platform.
//
// Every subsystem logs through a *Logger with a category string such as
// "cdp:recv", "session", "follow" or "stream". Debug output is off by
// default and can be enabled globally or per category with a regexp filter.
package log

import (
	"context"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger and adds category and elapsed-time fields.
type Logger struct {
	*logrus.Logger

	mu             sync.Mutex
	lastLogCall    int64
	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// New creates a Logger that writes to the given logrus logger.
// When debugOverride is true all debug messages are emitted regardless of
// the underlying level; categoryFilter, when non-nil, restricts debug
// output to matching categories.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Logger:         logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

// NewNullLogger returns a logger that discards everything. Used in tests
// and as a fallback when no logger is wired.
func NewNullLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger, false, nil)
}

// Default returns a logger writing to stderr at info level.
func Default() *Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	return New(logger, false, nil)
}

func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Infof(category string, msg string, args ...any) {
	l.logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.logf(logrus.WarnLevel, category, msg, args...)
}

func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) logf(level logrus.Level, category string, msg string, args ...any) {
	if l == nil || l.Logger == nil {
		return
	}
	if level == logrus.DebugLevel && !l.DebugMode() {
		return
	}
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}

	l.mu.Lock()
	now := time.Now().UnixMilli()
	elapsed := now - l.lastLogCall
	if l.lastLogCall == 0 {
		elapsed = 0
	}
	l.lastLogCall = now
	l.mu.Unlock()

	entry := l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  elapsed,
	})
	if level == logrus.DebugLevel && l.debugOverride {
		// Bypass the configured level when debug is forced on.
		entry.Logf(logrus.InfoLevel, msg, args...)
		return
	}
	entry.Logf(level, msg, args...)
}

// DebugMode returns true if the logger will emit debug messages.
func (l *Logger) DebugMode() bool {
	return l.debugOverride || l.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// SetCategoryFilter compiles and installs a category filter pattern.
// An empty pattern removes any existing filter.
func (l *Logger) SetCategoryFilter(pattern string) error {
	if pattern == "" {
		l.categoryFilter = nil
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	l.categoryFilter = re
	return nil
}

type ctxKey struct{}

// WithContext stores the logger in ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a null logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return NewNullLogger()
}
