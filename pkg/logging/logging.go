// Package logging builds the process logger and a rate-limited variant for
// per-packet events.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options controls logger construction.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // console or json
}

// New returns a logger writing to stderr.
func New(opts Options) zerolog.Logger {
	return NewWithWriter(opts, os.Stderr)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(opts Options, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	out := w
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Limited gates hot-path log events behind a token bucket. Events over the
// limit are counted and the count is attached to the next event let through.
type Limited struct {
	logger     zerolog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited wraps logger. A non-positive eventsPerSec disables the hot-path
// events entirely.
func NewLimited(logger zerolog.Logger, eventsPerSec float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(eventsPerSec)
	if eventsPerSec <= 0 {
		limit = 0
		burst = 0
	}
	return &Limited{
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Debug returns a debug event or nil when the level is off or the budget is
// spent. zerolog treats a nil event as a no-op.
func (l *Limited) Debug() *zerolog.Event {
	return l.event(zerolog.DebugLevel)
}

// Info is like Debug at info level.
func (l *Limited) Info() *zerolog.Event {
	return l.event(zerolog.InfoLevel)
}

// Warn is like Debug at warn level.
func (l *Limited) Warn() *zerolog.Event {
	return l.event(zerolog.WarnLevel)
}

// Suppressed returns how many events are waiting to be reported.
func (l *Limited) Suppressed() uint64 {
	return l.suppressed.Load()
}

func (l *Limited) event(level zerolog.Level) *zerolog.Event {
	if l == nil || l.logger.GetLevel() > level {
		return nil
	}
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return nil
	}
	e := l.logger.WithLevel(level)
	if n := l.suppressed.Swap(0); n > 0 {
		e = e.Uint64("suppressed", n)
	}
	return e
}
