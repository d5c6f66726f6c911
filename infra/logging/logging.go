// Package logging builds the process logger. Components receive a
// log.Logger and tag it with their name.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrUnknownLevel = errors.New("unknown log level")

type Config struct {
	Level  string
	Format string
}

func New(cfg Config) log.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

func NewWithWriter(cfg Config, w io.Writer) log.Logger {
	logger, _ := NewLeveled(cfg, w)
	return logger
}

// NewLeveled is NewWithWriter plus a handle for changing the level while
// the process runs.
func NewLeveled(cfg Config, w io.Writer) (log.Logger, *Leveler) {
	var logger log.Logger
	switch strings.ToLower(cfg.Format) {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	lv := &Leveler{next: logger}
	name, ok := normalize(cfg.Level)
	if !ok {
		name = "info"
	}
	lv.store(name)
	return log.With(lv, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), lv
}

// Leveler is a level filter whose threshold can be swapped atomically.
type Leveler struct {
	next   log.Logger
	name   atomic.Pointer[string]
	filter atomic.Pointer[log.Logger]
}

func (l *Leveler) Log(keyvals ...any) error {
	return (*l.filter.Load()).Log(keyvals...)
}

func (l *Leveler) Level() string { return *l.name.Load() }

// SetLevel switches to lvl: debug, info, warn, error or none.
func (l *Leveler) SetLevel(lvl string) error {
	name, ok := normalize(lvl)
	if !ok {
		return errors.Wrapf(ErrUnknownLevel, "%q", lvl)
	}
	l.store(name)
	return nil
}

func (l *Leveler) store(name string) {
	filter := level.NewFilter(l.next, allow(name))
	l.filter.Store(&filter)
	l.name.Store(&name)
}

func normalize(lvl string) (string, bool) {
	switch lvl = strings.ToLower(strings.TrimSpace(lvl)); lvl {
	case "debug", "info", "warn", "error", "none":
		return lvl, true
	case "warning":
		return "warn", true
	case "":
		return "info", true
	default:
		return "", false
	}
}

func allow(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	case "none":
		return level.AllowNone()
	default:
		return level.AllowInfo()
	}
}

// Component tags a logger the way every subsystem expects.
func Component(logger log.Logger, name string) log.Logger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return log.With(logger, "component", name)
}

func Nop() log.Logger { return log.NewNopLogger() }
