// Package handle implements the file-handle table: the bidirectional
// mapping between opaque wire handles and canonical server-relative
// paths.
//
// A handle is minted from a monotonic identifier plus a per-entry
// generation. Eviction retires the identifier and remembers its
// generation, so a client replaying a handle for a removed object gets
// a definitive stale answer rather than a dangling resolution. Handles
// never embed paths: the table owns the only copy of the mapping.
package handle

import (
	"encoding/binary"
	"errors"
	"path"
	"strings"
	"sync"
)

// Wire sizes per protocol generation. NFSv2 handles are a fixed 32
// bytes; the core encoding below is shorter and zero-padded for v2.
const (
	coreSize = 20
	V2Size   = 32
	V3Max    = 64
	V4Max    = 128
)

// magic distinguishes handles minted by this server from garbage bytes.
const magic uint32 = 0x52454546 // "REEF"

var (
	// ErrStale marks a handle whose object was evicted or whose
	// generation no longer matches.
	ErrStale = errors.New("handle: stale file handle")

	// ErrBadHandle marks bytes that were never a handle from this server.
	ErrBadHandle = errors.New("handle: malformed file handle")

	// ErrEscape marks a path that resolves outside every export root.
	ErrEscape = errors.New("handle: path escapes export root")
)

type entry struct {
	path string
	gen  uint64
}

// Table is the process-wide handle registry. All operations take the
// single table lock; lookups are map reads and stay cheap under it.
type Table struct {
	mu      sync.Mutex
	roots   []string          // canonical export roots, e.g. "/export"
	byPath  map[string]uint64 // canonical path -> id
	entries map[uint64]entry
	retired map[uint64]uint64 // id -> generation at eviction
	nextID  uint64
	nextGen uint64
}

// NewTable creates a table bounded to the given export roots. Roots are
// canonical absolute server-relative paths ("/export", "/data/archive").
func NewTable(roots []string) *Table {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		clean = append(clean, path.Clean("/"+strings.TrimPrefix(r, "/")))
	}
	return &Table{
		roots:   clean,
		byPath:  make(map[string]uint64),
		entries: make(map[uint64]entry),
		retired: make(map[uint64]uint64),
	}
}

// Canonical normalizes p and verifies it is contained in some export
// root. The check is lexical: the input is cleaned first, so no `..`
// survives to the containment test.
func (t *Table) Canonical(p string) (string, error) {
	clean := path.Clean("/" + strings.TrimPrefix(p, "/"))
	for _, root := range t.roots {
		if clean == root || strings.HasPrefix(clean, root+"/") {
			return clean, nil
		}
	}
	return "", ErrEscape
}

// Child resolves one directory component. Names containing a slash and
// empty names are rejected before canonicalization; "." and ".." are
// not rejected there, but never leave the export subtree because the
// result is re-checked against the roots.
func (t *Table) Child(dir, name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return "", ErrEscape
	}
	return t.Canonical(path.Join(dir, name))
}

// Issue returns the handle for p, minting one if the path has not been
// seen. Issuing is idempotent by path: a second Issue for the same
// canonical path returns the identical handle bytes.
func (t *Table) Issue(p string) ([]byte, error) {
	canonical, err := t.Canonical(p)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byPath[canonical]; ok {
		return encode(id, t.entries[id].gen), nil
	}

	t.nextID++
	t.nextGen++
	id, gen := t.nextID, t.nextGen
	t.entries[id] = entry{path: canonical, gen: gen}
	t.byPath[canonical] = id
	return encode(id, gen), nil
}

// Resolve maps handle bytes back to the canonical path.
//
// A retired identifier, or a live identifier presented with a stale
// generation, returns ErrStale. Bytes that were never minted here
// return ErrBadHandle.
func (t *Table) Resolve(h []byte) (string, error) {
	id, gen, err := decode(h)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		// Retired or never issued: both are stale from the client's
		// point of view, and the magic check already filtered garbage.
		return "", ErrStale
	}
	if e.gen != gen {
		return "", ErrStale
	}
	return e.path, nil
}

// Evict removes the handle after a successful destructive operation
// (unlink, rmdir, rename-over). The identifier is retired so later
// resolutions of old copies report staleness; identifiers and
// generations are never reused.
func (t *Table) Evict(h []byte) {
	id, _, err := decode(h)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	delete(t.byPath, e.path)
	t.retired[id] = e.gen
}

// EvictPath evicts by path, for callers that removed an object they
// never held a handle to (rename-over of an existing target).
func (t *Table) EvictPath(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byPath[p]
	if !ok {
		return
	}
	e := t.entries[id]
	delete(t.entries, id)
	delete(t.byPath, p)
	t.retired[id] = e.gen
}

// Rename moves the mapping for a path subtree after a successful
// rename, keeping issued handles valid for the object under its new
// name.
func (t *Table) Rename(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p, id := range t.byPath {
		var newPath string
		switch {
		case p == from:
			newPath = to
		case strings.HasPrefix(p, from+"/"):
			newPath = to + strings.TrimPrefix(p, from)
		default:
			continue
		}
		e := t.entries[id]
		e.path = newPath
		t.entries[id] = e
		delete(t.byPath, p)
		t.byPath[newPath] = id
	}
}

// Len reports the number of live entries, for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func encode(id, gen uint64) []byte {
	h := make([]byte, coreSize)
	binary.BigEndian.PutUint32(h[0:4], magic)
	binary.BigEndian.PutUint64(h[4:12], id)
	binary.BigEndian.PutUint64(h[12:20], gen)
	return h
}

func decode(h []byte) (id, gen uint64, err error) {
	// NFSv2 handles arrive zero-padded to 32 bytes.
	if len(h) > coreSize {
		for _, b := range h[coreSize:] {
			if b != 0 {
				return 0, 0, ErrBadHandle
			}
		}
		h = h[:coreSize]
	}
	if len(h) != coreSize || binary.BigEndian.Uint32(h[0:4]) != magic {
		return 0, 0, ErrBadHandle
	}
	return binary.BigEndian.Uint64(h[4:12]), binary.BigEndian.Uint64(h[12:20]), nil
}

// PadV2 widens a handle to the fixed 32 bytes NFSv2 requires.
func PadV2(h []byte) []byte {
	if len(h) >= V2Size {
		return h[:V2Size]
	}
	out := make([]byte, V2Size)
	copy(out, h)
	return out
}
