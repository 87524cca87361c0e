package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultDebugHistory is the number of debug messages kept per session.
const DefaultDebugHistory = 50

// DebugEntry is one message of the debug surface.
type DebugEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// debugLog keeps the latest message and a bounded history.
type debugLog struct {
	mu      sync.Mutex
	entries []DebugEntry
	limit   int
}

func newDebugLog(limit int) *debugLog {
	if limit <= 0 {
		limit = DefaultDebugHistory
	}
	return &debugLog{limit: limit}
}

func (d *debugLog) add(msg string) DebugEntry {
	e := DebugEntry{Time: time.Now().UTC(), Message: msg}
	d.mu.Lock()
	d.entries = append(d.entries, e)
	if over := len(d.entries) - d.limit; over > 0 {
		d.entries = append([]DebugEntry(nil), d.entries[over:]...)
	}
	d.mu.Unlock()
	return e
}

func (d *debugLog) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) == 0 {
		return ""
	}
	return d.entries[len(d.entries)-1].Message
}

func (d *debugLog) history() []DebugEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DebugEntry(nil), d.entries...)
}

// resultMessage formats a scanner result as "<op> result: <json>".
func resultMessage(op string, v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%s result: %+v", op, v)
	}
	return fmt.Sprintf("%s result: %s", op, b)
}
