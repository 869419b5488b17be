// Package diag implements the three-tier error model of spec §7: Fatal
// aborts immediately, Error is recorded and surfaced at the next
// checkpoint, Warn never changes the exit status. It fans log records out
// to a human-readable, optionally colorized writer and to a count-only
// handler via slog-multi, mirroring the teacher's VerboseMode gate but
// promoted to real log levels.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
	"go.uber.org/multierr"
)

// Logger is the linker-wide diagnostic sink. One Logger is shared by every
// worker goroutine in a Context; all of its methods are safe for concurrent
// use.
type Logger struct {
	slog        *slog.Logger
	colorize    bool
	fatalWarn   bool
	errCount    atomic.Int64
	warnCount   atomic.Int64
	mu          sync.Mutex
	accumulated error // combined with multierr.Append under mu
}

// countingHandler feeds Logger.errCount/warnCount from the fan-out chain.
type countingHandler struct {
	l *Logger
}

func (h countingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h countingHandler) Handle(_ context.Context, r slog.Record) error {
	switch r.Level {
	case slog.LevelError:
		h.l.errCount.Add(1)
	case slog.LevelWarn:
		h.l.warnCount.Add(1)
	}
	return nil
}
func (h countingHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h countingHandler) WithGroup(_ string) slog.Handler      { return h }

// New builds a Logger. colorize enables --color-diagnostics=always output;
// fatalWarn mirrors --fatal-warnings (warnings become errors for exit-code
// purposes).
func New(colorize, fatalWarn bool) *Logger {
	l := &Logger{colorize: colorize, fatalWarn: fatalWarn}
	human := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	fanout := slogmulti.Fanout(human, countingHandler{l: l})
	l.slog = slog.New(fanout)
	return l
}

func (l *Logger) prefix(file, what string) string {
	msg := fmt.Sprintf("mold: %s: %s", file, what)
	if !l.colorize {
		return msg
	}
	return color.RedString(msg)
}

// Warn records a non-fatal diagnostic. It never changes the exit status
// unless --fatal-warnings was requested, in which case it behaves like Error.
func (l *Logger) Warn(file, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.slog.Warn(msg, "file", file)
	if l.fatalWarn {
		l.recordError(fmt.Errorf("%s: %s", file, msg))
	}
}

// Error records a per-site problem. Processing of the current file/section
// continues; the aggregate error count is surfaced by Checkpoint.
func (l *Logger) Error(file, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.slog.Error(l.prefix(file, msg))
	l.recordError(fmt.Errorf("%s: %s", file, msg))
}

func (l *Logger) recordError(err error) {
	l.mu.Lock()
	l.accumulated = multierr.Append(l.accumulated, err)
	l.mu.Unlock()
}

// fatalSignal is recovered at the stage boundary by Checkpoint's caller;
// it replaces the source's throwing Fatal() with Go's idiomatic
// panic/recover-at-boundary pattern (spec §9).
type fatalSignal struct{ err error }

// Fatal records an unrecoverable structural problem and unwinds to the
// nearest Recover call.
func (l *Logger) Fatal(file, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.slog.Error(l.prefix(file, "fatal: "+msg))
	panic(fatalSignal{err: fmt.Errorf("%s: %s", file, msg)})
}

// Recover turns a Fatal panic raised anywhere below it into a returned
// error; any other panic is re-raised. Call it via `defer` at the top of
// each pipeline stage.
func Recover(errp *error) {
	if r := recover(); r != nil {
		if fs, ok := r.(fatalSignal); ok {
			*errp = fs.err
			return
		}
		panic(r)
	}
}

// Checkpoint flushes accumulated non-fatal errors. If any were recorded it
// returns a combined error; the caller exits with status 1.
func (l *Logger) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.accumulated
	l.accumulated = nil
	return err
}

// ErrorCount returns the number of Error-level diagnostics recorded so far.
func (l *Logger) ErrorCount() int64 { return l.errCount.Load() }
