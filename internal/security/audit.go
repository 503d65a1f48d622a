package security

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/reeffs/reef/internal/logger"
)

// Ring capacity and the batch dropped when it overflows.
const (
	auditCapacity = 10000
	auditDropSize = 1000
)

// Entry is one audit record: who did what to which resource, and
// whether it was allowed.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip"`
	Username  string    `json:"username,omitempty"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Audit buffers entries in a bounded in-memory ring and appends each to
// an optional log file. Ring overflow drops the oldest thousand entries
// in one batch so steady-state appends stay O(1).
type Audit struct {
	mu      sync.Mutex
	entries []Entry
	file    *os.File
}

// NewAudit opens the append-only audit file at path; an empty path
// keeps the ring only. File open failure is reported and degrades to
// ring-only operation rather than refusing to start.
func NewAudit(path string) *Audit {
	a := &Audit{entries: make([]Entry, 0, 1024)}
	if path == "" {
		return a
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logger.Warn("audit log file unavailable, keeping ring only", "path", path, "error", err)
		return a
	}
	a.file = f
	return a
}

// Record appends an entry, stamping it if the caller did not.
func (a *Audit) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	a.mu.Lock()
	if len(a.entries) >= auditCapacity {
		a.entries = append(a.entries[:0], a.entries[auditDropSize:]...)
	}
	a.entries = append(a.entries, e)
	f := a.file
	a.mu.Unlock()

	if f != nil {
		if line, err := json.Marshal(e); err == nil {
			line = append(line, '\n')
			_, _ = f.Write(line)
		}
	}
}

// Recent returns up to n of the newest entries, newest last.
func (a *Audit) Recent(n int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]Entry, n)
	copy(out, a.entries[len(a.entries)-n:])
	return out
}

// Len reports the current ring occupancy.
func (a *Audit) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close releases the file sink.
func (a *Audit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
