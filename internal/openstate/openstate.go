// Package openstate tracks file-open intents for NFSv4 share
// reservations.
//
// Unlike the byte-range lock manager, entries here describe whole-file
// access declarations made at OPEN time: what the opener intends to do
// and what concurrent access it is willing to tolerate. The conflict
// rules run before an open is admitted, never during I/O.
package openstate

import (
	"sync"
	"time"
)

// AccessMode is the opener's declared intent.
type AccessMode int

const (
	AccessRead AccessMode = iota + 1
	AccessWrite
	AccessRW
	AccessAppend
)

// writeish reports whether the mode implies mutation.
func (a AccessMode) writeish() bool {
	return a == AccessWrite || a == AccessRW || a == AccessAppend
}

// ShareMode is what the opener permits others to do concurrently.
type ShareMode int

const (
	ShareExclusive ShareMode = iota + 1
	ShareRead
	ShareWrite
	ShareAll
)

// permitsWrite reports whether the mode tolerates concurrent writers.
func (s ShareMode) permitsWrite() bool {
	return s == ShareWrite || s == ShareAll
}

// Open is one admitted open.
type Open struct {
	ID        uint64
	File      string
	ClientID  string
	ProcessID int32
	Access    AccessMode
	Share     ShareMode
	OpenedAt  time.Time
	LastUsed  time.Time
}

// DefaultTTL bounds how long an idle open survives before the sweep in
// Open or Opens discards it. NFSv4 clients refresh opens implicitly through
// I/O carrying their stateids.
const DefaultTTL = time.Hour

// Tracker is the process-wide open-state table.
type Tracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	byID   map[uint64]*Open
	byFile map[string][]*Open
	nextID uint64
}

// New creates a tracker expiring idle opens after ttl (DefaultTTL when
// zero).
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:    ttl,
		byID:   make(map[uint64]*Open),
		byFile: make(map[string][]*Open),
	}
}

// Open admits a new open or reports a conflicting existing one.
//
// The decision walks the live opens on the same file:
//   - same client on the same file is always admitted (upgrade)
//   - an exclusive share on either side denies
//   - two writeish intents deny unless at least one side permits
//     concurrent writers
func (t *Tracker) Open(file, clientID string, processID int32, access AccessMode, share ShareMode) (uint64, *Open) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.expireLocked(file, now)

	for _, o := range t.byFile[file] {
		if o.ClientID == clientID {
			continue
		}
		if o.Share == ShareExclusive || share == ShareExclusive {
			conflict := *o
			return 0, &conflict
		}
		if o.Access.writeish() && access.writeish() &&
			!o.Share.permitsWrite() && !share.permitsWrite() {
			conflict := *o
			return 0, &conflict
		}
	}

	t.nextID++
	open := &Open{
		ID:        t.nextID,
		File:      file,
		ClientID:  clientID,
		ProcessID: processID,
		Access:    access,
		Share:     share,
		OpenedAt:  now,
		LastUsed:  now,
	}
	t.byID[open.ID] = open
	t.byFile[file] = append(t.byFile[file], open)
	return open.ID, nil
}

// Touch refreshes an open's idle timer. Called from READ/WRITE when the
// stateid references the open.
func (t *Tracker) Touch(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.byID[id]; ok {
		o.LastUsed = time.Now()
	}
}

// Get returns a copy of the open with the given id.
func (t *Tracker) Get(id uint64) (*Open, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Close removes an open after verifying the caller owns it. Closing an
// unknown id or someone else's open returns false with no change.
func (t *Tracker) Close(id uint64, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.byID[id]
	if !ok || o.ClientID != clientID {
		return false
	}
	t.removeLocked(o)
	return true
}

// CloseByClient sweeps every open owned by a client, on disconnect or
// lease expiry.
func (t *Tracker) CloseByClient(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for _, o := range t.byID {
		if o.ClientID == clientID {
			t.removeLocked(o)
			removed++
		}
	}
	return removed
}

// Opens returns copies of the live opens on file.
func (t *Tracker) Opens(file string) []*Open {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(file, time.Now())
	out := make([]*Open, 0, len(t.byFile[file]))
	for _, o := range t.byFile[file] {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

func (t *Tracker) expireLocked(file string, now time.Time) {
	list := t.byFile[file]
	kept := list[:0]
	for _, o := range list {
		if now.Sub(o.LastUsed) > t.ttl {
			delete(t.byID, o.ID)
			continue
		}
		kept = append(kept, o)
	}
	if len(kept) == 0 {
		delete(t.byFile, file)
		return
	}
	t.byFile[file] = kept
}

func (t *Tracker) removeLocked(target *Open) {
	delete(t.byID, target.ID)
	list := t.byFile[target.File]
	for i, o := range list {
		if o.ID == target.ID {
			t.byFile[target.File] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.byFile[target.File]) == 0 {
		delete(t.byFile, target.File)
	}
}
