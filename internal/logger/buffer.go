package logger

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is the number of entries kept for /api/v1/logs.
const DefaultBufferSize = 10000

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Peer      string    `json:"peer,omitempty"`
	Error     string    `json:"error,omitempty"`
	Caller    string    `json:"caller,omitempty"`
}

// Filter selects entries from the buffer. Zero values match everything.
type Filter struct {
	Limit     int
	Level     string // minimum level
	Component string
	Since     time.Duration
}

// LogBuffer is a fixed-size ring of recent log entries.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer.
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(DefaultBufferSize)
	})
	return globalBuffer
}

// NewLogBuffer creates a buffer holding at most size entries.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add appends an entry, overwriting the oldest once full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns matching entries, newest first.
func (b *LogBuffer) Recent(now time.Time, f Filter) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	var cutoff time.Time
	if f.Since > 0 {
		cutoff = now.Add(-f.Since)
	}
	minLevel, hasLevel := levelRank[strings.ToUpper(f.Level)]

	result := make([]LogEntry, 0, limit)
	size := len(b.entries)
	for i := 0; i < b.count && len(result) < limit; i++ {
		e := b.entries[(b.writePos-1-i+size)%size]

		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		if hasLevel && levelRank[e.Level] < minLevel {
			continue
		}
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		result = append(result, e)
	}
	return result
}

var levelRank = map[string]int{
	"TRACE": -1,
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
	"FATAL": 4,
	"PANIC": 5,
}

// Count returns the number of entries held.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// BufferWriter receives zerolog's JSON lines and stores them in a LogBuffer.
type BufferWriter struct {
	buffer *LogBuffer
}

// NewBufferWriter creates a writer feeding buffer.
func NewBufferWriter(buffer *LogBuffer) *BufferWriter {
	return &BufferWriter{buffer: buffer}
}

// Write implements io.Writer. Lines that are not zerolog JSON are dropped.
func (w *BufferWriter) Write(p []byte) (int, error) {
	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}
	return len(p), nil
}

type rawEntry struct {
	Time      string `json:"time"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Peer      string `json:"peer"`
	Addr      string `json:"addr"`
	Error     string `json:"error"`
	Caller    string `json:"caller"`
}

func parseLogLine(p []byte) (LogEntry, bool) {
	var raw rawEntry
	if err := json.Unmarshal(p, &raw); err != nil {
		return LogEntry{}, false
	}
	if raw.Message == "" && raw.Level == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(raw.Level),
		Component: raw.Component,
		Message:   raw.Message,
		Peer:      raw.Peer,
		Error:     raw.Error,
		Caller:    raw.Caller,
	}
	if entry.Peer == "" {
		entry.Peer = raw.Addr
	}
	if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
