// Package debuglog is the diagnostic logger shared by every component of the
// module. It discards everything until a caller opts in with SetOutput or
// SetLogger, so recording outcomes never produces output on its own.
package debuglog

import (
	"io"
	"log"
	"sync"
)

const prefix = "[ClientReport] "

var (
	logger  = log.New(io.Discard, prefix, log.LstdFlags)
	enabled bool
	mu      sync.RWMutex
)

// SetLogger replaces the current debug logger with a new one.
// Passing nil silences all output.
func SetLogger(l *log.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
	enabled = l != nil && l.Writer() != io.Discard
}

// SetOutput points the debug logger at w, keeping the prefix and flags.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = log.New(w, prefix, log.LstdFlags)
	} else {
		logger.SetOutput(w)
	}
	enabled = w != io.Discard
}

// Enabled reports whether debug output currently goes anywhere. Callers use it
// to skip building expensive messages.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Printf calls Printf on the underlying logger.
func Printf(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Printf(format, args...)
	}
}

func current() *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}
