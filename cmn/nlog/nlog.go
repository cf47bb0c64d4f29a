// Package nlog is this module's own leveled logger, named and shaped after
// aistore's cmn/nlog (nlog.Infoln, nlog.Errorln, nlog.Infof — see
// xact/xs/tcb.go and xact/xs/tcobjs.go). Like the teacher's own nlog, this
// is not a wrapper around a third-party logging library: aistore predates
// the current crop of structured loggers and rolled its own, so this
// package does the same rather than pretending otherwise.
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var (
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	level  Level     = LevelInfo
)

// SetOutput redirects all subsequent log lines; tests use this to capture
// output instead of polluting stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetLevel changes the minimum level that is emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func writeLine(l Level, s string) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	fmt.Fprintf(out, "%s %-7s %s\n", time.Now().Format("15:04:05.000"), tag(l), s)
}

func tag(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func Infoln(args ...interface{})            { writeLine(LevelInfo, fmt.Sprintln(args...)) }
func Infof(format string, args ...interface{}) { writeLine(LevelInfo, fmt.Sprintf(format, args...)) }
func Warningln(args ...interface{})         { writeLine(LevelWarning, fmt.Sprintln(args...)) }
func Warningf(format string, args ...interface{}) {
	writeLine(LevelWarning, fmt.Sprintf(format, args...))
}
func Errorln(args ...interface{})            { writeLine(LevelError, fmt.Sprintln(args...)) }
func Errorf(format string, args ...interface{}) { writeLine(LevelError, fmt.Sprintf(format, args...)) }
func Debugln(args ...interface{})            { writeLine(LevelDebug, fmt.Sprintln(args...)) }
func Debugf(format string, args ...interface{}) { writeLine(LevelDebug, fmt.Sprintf(format, args...)) }

// Fatalln logs and terminates the process. dptr.NewManager uses it for an
// unsupported pool type and the CLI for setup failures; the swap engine's
// own fatal conditions (double SetAddr, unlocked StopComputing,
// post-eviction allocator failure) panic through swap's fatal helper instead.
func Fatalln(args ...interface{}) {
	writeLine(LevelError, fmt.Sprintln(args...))
	os.Exit(1)
}
