package orchestrator

import (
	"sync"
	"time"
)

const (
	eventLogCapacity  = 1000
	eventDetailMaxLen = 500
)

// LogEntry is one orchestrator-internal event.
type LogEntry struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// eventLog is a bounded ring of orchestrator events. Writes never fail;
// when full, the oldest entry is dropped.
type eventLog struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	count   int
}

func newEventLog() *eventLog {
	return &eventLog{entries: make([]LogEntry, eventLogCapacity)}
}

func (l *eventLog) append(eventType string, details map[string]string) {
	for key, value := range details {
		if len(value) > eventDetailMaxLen {
			details[key] = value[:eventDetailMaxLen] + "... [truncated]"
		}
	}
	entry := LogEntry{Type: eventType, Timestamp: time.Now(), Details: details}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count < len(l.entries) {
		l.entries[(l.start+l.count)%len(l.entries)] = entry
		l.count++
		return
	}
	l.entries[l.start] = entry
	l.start = (l.start + 1) % len(l.entries)
}

// tail returns up to limit entries, most recent first.
func (l *eventLog) tail(limit int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]LogEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.start + l.count - 1 - i) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}
