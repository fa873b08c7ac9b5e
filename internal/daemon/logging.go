package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogBufferSize is the default number of log entries to keep.
const LogBufferSize = 10000

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a thread-safe ring buffer for log entries, queryable
// through the management endpoint.
type LogBuffer struct {
	entries []LogEntry
	head    int
	count   int
	maxSize int
	mu      sync.RWMutex
}

// NewLogBuffer creates a buffer with the given capacity.
func NewLogBuffer(maxSize int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Add appends a log entry to the buffer.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// Count returns the number of entries in the buffer.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Query returns up to limit of the most recent entries at or above
// level (""/unknown means all levels), in chronological order.
func (b *LogBuffer) Query(level string, limit int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]LogEntry, 0, b.count)
	start := 0
	if b.count == b.maxSize {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		entry := b.entries[(start+i)%b.maxSize]
		if level != "" && !matchesLevel(entry.Level, level) {
			continue
		}
		matched = append(matched, entry)
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// matchesLevel returns true if entryLevel is at or above filterLevel.
// Unknown levels on either side never filter anything out.
func matchesLevel(entryLevel, filterLevel string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	entryVal, ok1 := levels[entryLevel]
	filterVal, ok2 := levels[filterLevel]
	if !ok1 || !ok2 {
		return true
	}
	return entryVal >= filterVal
}

// BufferedHandler is an slog.Handler that writes to both a LogBuffer
// and another handler.
type BufferedHandler struct {
	buffer *LogBuffer
	next   slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewBufferedHandler creates a handler that captures records to the
// buffer before passing them on.
func NewBufferedHandler(buffer *LogBuffer, next slog.Handler) *BufferedHandler {
	return &BufferedHandler{
		buffer: buffer,
		next:   next,
	}
}

func (h *BufferedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *BufferedHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any)
	for _, attr := range h.attrs {
		fields[h.fieldKey(attr.Key)] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		fields[h.fieldKey(attr.Key)] = attr.Value.Any()
		return true
	})

	h.buffer.Add(LogEntry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Fields:    fields,
	})
	return h.next.Handle(ctx, r)
}

func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  merged,
		group:  h.group,
	}
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		group:  name,
	}
}

func (h *BufferedHandler) fieldKey(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}
