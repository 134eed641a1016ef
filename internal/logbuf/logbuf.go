package logbuf

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RequestAttr is the attribute key that ties a log entry to a request.
const RequestAttr = "request"

// Entry is a single log entry captured from slog.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries in Query. Zero values match everything.
type Filter struct {
	Since     time.Time
	MinLevel  slog.Level
	Limit     int
	RequestID string
}

func (f Filter) match(e Entry) bool {
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if ParseLevel(e.Level) < f.MinLevel {
		return false
	}
	if f.RequestID != "" && fmt.Sprint(e.Attrs[RequestAttr]) != f.RequestID {
		return false
	}
	return true
}

// Buffer is a fixed-size ring of recent log entries, safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a ring buffer that holds up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry, overwriting the oldest once full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Query returns entries matching f, oldest first. With a limit, the newest
// matching entries are kept.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := []Entry{}
	start := 0
	if b.count == b.size {
		start = b.pos
	}
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if f.match(e) {
			result = append(result, e)
		}
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// ParseLevel converts a level name to slog.Level, case-insensitively.
// Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
