// Package clog centralizes btclog.Logger construction so every package in
// this module can declare `var log = clog.NewSubsystem("xxx")` the way the
// teacher's subsystems register with a shared backend.
package clog

import (
	"os"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter fans every log line out to stdout and, once cmd/mixpeer has
// called InitLogRotator, to the rotated log file too -- a single
// io.Writer identity every subsystem's Logger is built against at
// package-init time, so wiring in rotation later never requires replacing
// an already-constructed Logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	mu.RLock()
	r := rotatorRef
	mu.RUnlock()
	if r != nil {
		r.Write(p)
	}
	return len(p), nil
}

var (
	mu         sync.RWMutex
	rotatorRef *rotator.Rotator

	// Backend is the shared logging backend every subsystem logger is
	// created from.
	Backend = btclog.NewBackend(logWriter{})

	subsystems = make(map[string]btclog.Logger)
)

// NewSubsystem returns a logger tagged with the given subsystem name,
// mirroring a btcsuite-style `UseLogger`-configurable package logger, and
// registers it so SetLevel can reach it later by tag.
func NewSubsystem(tag string) btclog.Logger {
	l := Backend.Logger(tag)
	mu.Lock()
	subsystems[tag] = l
	mu.Unlock()
	return l
}

// InitLogRotator starts writing every subsystem's log output to logFile,
// rotating at 10 MiB and keeping 3 old versions, in addition to stdout.
func InitLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return err
	}
	mu.Lock()
	rotatorRef = r
	mu.Unlock()
	return nil
}

// SetLevel sets every registered subsystem's logging level, accepting the
// same strings btclog.LevelFromString understands ("trace", "debug",
// "info", "warn", "error", "critical", "off").
func SetLevel(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		level = btclog.LevelInfo
	}
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range subsystems {
		l.SetLevel(level)
	}
	return nil
}
