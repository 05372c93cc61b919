package debuglog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process-wide logger.
type Options struct {
	// File, when set, receives the log with size based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	Debug      bool
	JSON       bool
}

var (
	root    atomic.Pointer[slog.Logger]
	level   = new(slog.LevelVar)
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func init() {
	if envDebug() {
		level.Set(slog.LevelDebug)
	}
	root.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func envDebug() bool {
	return os.Getenv("MERCURY_DEBUG") == "1"
}

// Setup replaces the process logger. The returned closer flushes and closes
// the log file, if any.
func Setup(opts Options) io.Closer {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out, closer = lj, lj
	}
	if opts.Debug || envDebug() {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(out, hopts)
	if opts.JSON {
		h = slog.NewJSONHandler(out, hopts)
	}
	root.Store(slog.New(h))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Component returns a logger tagged with the subsystem name.
func Component(name string) *slog.Logger {
	return root.Load().With("component", name)
}

func Enabled() bool {
	return level.Level() <= slog.LevelDebug
}

func Logf(format string, args ...any) {
	root.Load().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	root.Load().Debug(fmt.Sprintf(format, args...))
}

// RateLimitedf logs at most once per interval for the same key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
