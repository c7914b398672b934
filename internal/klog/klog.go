// Package klog is a small leveled, structured logger in the shape of
// go-ethereum's log package (itself a fork of log15): a Logger carries a
// fixed context of key/value pairs, New() forks a child logger with more
// context, and each level method accepts a message plus variadic key/value
// pairs. Output is colorized on a terminal using fatih/color and
// mattn/go-colorable, matching the teacher's terminal handler. Caller
// frames are resolved with go-stack/stack when the handler's withCall flag
// is set; no exported function sets it.
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors log15's level ordering.
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERRO"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	default:
		return "TRCE"
	}
}

var levelColor = map[Level]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgWhite),
}

// Logger is the interface every engine component depends on, matching the
// `logger log.Logger` field pattern used by freezerTable in the teacher.
type Logger interface {
	New(ctx ...interface{}) Logger
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	h   *handler
}

type handler struct {
	mu       sync.Mutex
	out      io.Writer
	color    bool
	minLevel Level
	withCall bool
}

var root = &handler{
	out:      colorable.NewColorableStderr(),
	color:    isatty.IsTerminal(os.Stderr.Fd()),
	minLevel: LvlInfo,
}

// New creates a root-scoped logger with the given initial context,
// e.g. klog.New("database", path, "table", name).
func New(ctx ...interface{}) Logger {
	return &logger{ctx: ctx, h: root}
}

// SetLevel adjusts the process-wide minimum level emitted to the handler.
func SetLevel(lvl Level) { root.mu.Lock(); root.minLevel = lvl; root.mu.Unlock() }

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged, h: l.h}
}

func (l *logger) write(lvl Level, msg string, ctx []interface{}) {
	if lvl > l.h.minLevel {
		return
	}
	l.h.mu.Lock()
	defer l.h.mu.Unlock()

	var b strings.Builder
	ts := time.Now().Format("2006-01-02T15:04:05-0700")
	if l.h.color {
		levelColor[lvl].Fprintf(&b, "%-5s", lvl.String())
	} else {
		fmt.Fprintf(&b, "%-5s", lvl.String())
	}
	fmt.Fprintf(&b, "[%s] %s", ts, msg)

	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	if l.h.withCall {
		fmt.Fprintf(&b, " caller=%v", stack.Caller(2))
	}
	b.WriteByte('\n')
	io.WriteString(l.h.out, b.String())
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

// Crit logs at the highest severity. Components that reach a logically
// impossible state (§4.6 right-only linkage) log Crit before aborting; Crit
// itself never calls os.Exit so callers keep control of the abort path.
func (l *logger) Crit(msg string, ctx ...interface{}) { l.write(LvlCrit, msg, ctx) }
