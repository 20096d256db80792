// Package logstore keeps a bounded in-memory tail of log lines and fans new
// lines out to dashboard websocket subscribers.
package logstore

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

const defaultMaxLines = 2000

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type Store struct {
	mu       sync.RWMutex
	maxLines int
	entries  []Entry
	subs     map[chan Entry]struct{}
}

func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Store{
		maxLines: maxLines,
		subs:     map[chan Entry]struct{}{},
	}
}

func (s *Store) Add(level, message string) {
	message = strings.TrimSpace(stripANSI(message))
	if message == "" {
		return
	}
	e := Entry{
		Timestamp: time.Now().UTC(),
		Level:     normalizeLevel(level),
		Message:   message,
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxLines {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.maxLines:]...)
	}
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber, drop rather than block logging.
		}
	}
	s.mu.Unlock()
}

// Recent returns up to limit entries, newest last.
func (s *Store) Recent(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	return append([]Entry(nil), s.entries[len(s.entries)-limit:]...)
}

// Subscribe registers a live feed. The caller must call the returned cancel
// function when done.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

// Writer adapts the store into an io.Writer suitable for a logger tee. Each
// complete line becomes one entry.
func (s *Store) Writer() *Sink {
	return &Sink{store: s}
}

type Sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *Sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(stripANSI(string(w.buf[:idx])))
		w.buf = w.buf[idx+1:]
		if line == "" {
			continue
		}
		w.store.Add(extractLevel(line), line)
	}
	w.mu.Unlock()
	return len(p), nil
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "debu":
		return "debug"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "erro", "err":
		return "error"
	case "fatal", "fata":
		return "fatal"
	default:
		return "info"
	}
}

// extractLevel guesses the severity of a formatted log line. The logger
// prints an abbreviated upper-case level token after the timestamp.
func extractLevel(line string) string {
	for _, f := range strings.Fields(line) {
		switch strings.ToUpper(f) {
		case "DEBUG", "DEBU":
			return "debug"
		case "INFO":
			return "info"
		case "WARN", "WARNING":
			return "warn"
		case "ERROR", "ERRO":
			return "error"
		case "FATAL", "FATA":
			return "fatal"
		}
	}
	return "info"
}

func stripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
