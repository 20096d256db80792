// Package logutil configures the process-wide logger and lets the dashboard
// tap the log stream.
package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu  sync.Mutex
	outputTee io.Writer
)

// Configure sets the global log level and points output at stderr plus any
// registered tee.
func Configure(levelRaw string) error {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid log level %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	outputMu.Lock()
	applyOutputLocked()
	outputMu.Unlock()
	return nil
}

// SetOutputTee duplicates every log line into w in addition to stderr. Used
// by the dashboard live-log feed. Pass nil to detach.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked()
}

func applyOutputLocked() {
	if outputTee == nil {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, outputTee))
}
