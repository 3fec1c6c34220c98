// Copyright 2025 R5 Labs
// This file is part of the R5 Core library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Package trielog is the small leveled, structured logger used by every
// component of the storage engine. Call sites look like
// log.Warn("message", "key1", val1, "key2", val2), mirroring the
// key/value logging convention used throughout the rest of this codebase.
package trielog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a leveled, structured logger with key/value call sites.
type Logger struct {
	slog *slog.Logger
	out  io.Writer
}

// Options configures New.
type Options struct {
	// Level is the minimum level that will be emitted.
	Level slog.Level
	// FilePath, if non-empty, tees output to a rotating log file via
	// lumberjack in addition to the terminal.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultOptions returns sensible defaults: info level, terminal output only.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// New builds a Logger writing to stderr (colorized if it is a terminal) and,
// if opts.FilePath is set, also to a rotating file sink.
func New(opts Options) *Logger {
	var out io.Writer
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = colorable.NewColorable(os.Stderr)
	} else {
		out = os.Stderr
	}
	if opts.FilePath != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		})
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: opts.Level})
	return &Logger{slog: slog.New(h), out: out}
}

// Nop returns a Logger that discards everything; used as a safe default
// when a caller does not configure one.
func Nop() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) log(level slog.Level, msg string, kv ...any) {
	if l == nil {
		return
	}
	l.slog.Log(context.Background(), level, msg, kv...)
}

// Trace logs at the lowest verbosity level.
func (l *Logger) Trace(msg string, kv ...any) { l.log(slog.Level(-8), msg, kv...) }

// Debug logs diagnostic detail not needed in normal operation.
func (l *Logger) Debug(msg string, kv ...any) { l.log(slog.LevelDebug, msg, kv...) }

// Info logs routine, expected events.
func (l *Logger) Info(msg string, kv ...any) { l.log(slog.LevelInfo, msg, kv...) }

// Warn logs a recoverable but unexpected condition.
func (l *Logger) Warn(msg string, kv ...any) { l.log(slog.LevelWarn, msg, kv...) }

// Error logs a failed operation that the caller will propagate.
func (l *Logger) Error(msg string, kv ...any) { l.log(slog.LevelError, msg, kv...) }

// Crit logs an unrecoverable condition together with the current call
// stack, then panics. Used for failures that would otherwise silently
// corrupt on-disk state, such as a lock that cannot be released.
func (l *Logger) Crit(msg string, kv ...any) {
	trace := stack.Trace().TrimRuntime()
	kv = append(append([]any{}, kv...), "stack", fmt.Sprintf("%+v", trace))
	l.log(slog.Level(12), msg, kv...)
	panic(fmt.Sprintf("%s: %v", msg, kv))
}
