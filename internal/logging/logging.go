// Package logging holds the process-wide leveled loggers.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kr/pretty"
)

const flags = log.Ldate | log.Ltime | log.Lshortfile

var (
	CriticalLogger = log.New(os.Stderr, "CRITICAL: ", flags)
	ErrorLogger    = log.New(os.Stderr, "ERROR: ", flags)
	WarningLogger  = log.New(os.Stderr, "WARNING: ", flags)
	InfoLogger     = log.New(os.Stdout, "INFO: ", flags)
	DebugLogger    = log.New(io.Discard, "DEBUG: ", flags)
)

var debugEnabled atomic.Bool

// Init sets the level: one of critical, error, warning, info, debug.
// Loggers below the level write to io.Discard.
func Init(level string, out, errOut io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	rank := map[string]int{"critical": 0, "error": 1, "warning": 2, "info": 3, "debug": 4}
	lvl, ok := rank[strings.ToLower(level)]
	if !ok {
		lvl = rank["info"]
	}

	pick := func(min int, w io.Writer) io.Writer {
		if lvl >= min {
			return w
		}
		return io.Discard
	}

	CriticalLogger.SetOutput(errOut)
	ErrorLogger.SetOutput(pick(1, errOut))
	WarningLogger.SetOutput(pick(2, errOut))
	InfoLogger.SetOutput(pick(3, out))
	DebugLogger.SetOutput(pick(4, out))
	debugEnabled.Store(lvl >= 4)
}

// Dump pretty-prints v on the debug logger. Formatting is skipped entirely
// when debug output is off.
func Dump(prefix string, v interface{}) {
	if !debugEnabled.Load() {
		return
	}
	DebugLogger.Output(2, prefix+" "+pretty.Sprint(v))
}
