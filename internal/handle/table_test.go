package handle

import (
	"bytes"
	"errors"
	"testing"
)

func newTestTable() *Table {
	return NewTable([]string{"/export", "/data/archive"})
}

func TestIssueResolveRoundTrip(t *testing.T) {
	tb := newTestTable()

	h, err := tb.Issue("/export/file1.txt")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	path, err := tb.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if path != "/export/file1.txt" {
		t.Errorf("path = %q", path)
	}
}

// Issue is idempotent by path: identical bytes for the same object.
func TestIssueIdempotent(t *testing.T) {
	tb := newTestTable()
	h1, _ := tb.Issue("/export/a")
	h2, _ := tb.Issue("/export/a")
	if !bytes.Equal(h1, h2) {
		t.Error("second Issue returned different handle bytes")
	}
	if tb.Len() != 1 {
		t.Errorf("entries = %d, want 1", tb.Len())
	}
}

// Paths escaping every export root are rejected and no handle exists.
func TestEscapeRejected(t *testing.T) {
	tb := newTestTable()
	escapes := []string{
		"/etc/passwd",
		"/export/../etc/passwd",
		"/exportextra/file",
		"/",
		"/data",
	}
	for _, p := range escapes {
		if _, err := tb.Issue(p); !errors.Is(err, ErrEscape) {
			t.Errorf("Issue(%q) = %v, want ErrEscape", p, err)
		}
	}
	if tb.Len() != 0 {
		t.Error("rejected paths must not create entries")
	}

	// Dot traversal that stays inside the root is fine after cleaning.
	if _, err := tb.Issue("/export/sub/../file"); err != nil {
		t.Errorf("in-root traversal rejected: %v", err)
	}
}

func TestChildValidation(t *testing.T) {
	tb := newTestTable()
	if _, err := tb.Child("/export", "name/with/slash"); err == nil {
		t.Error("slash in component accepted")
	}
	if _, err := tb.Child("/export", ""); err == nil {
		t.Error("empty component accepted")
	}
	if _, err := tb.Child("/export", ".."); !errors.Is(err, ErrEscape) {
		t.Error("dot-dot escaping the root accepted")
	}
	p, err := tb.Child("/export", "file")
	if err != nil || p != "/export/file" {
		t.Errorf("Child = %q, %v", p, err)
	}
}

// After eviction the same handle resolves to a stale error, always.
func TestEvictionStale(t *testing.T) {
	tb := newTestTable()
	h, _ := tb.Issue("/export/victim.txt")

	tb.Evict(h)

	if _, err := tb.Resolve(h); !errors.Is(err, ErrStale) {
		t.Fatalf("Resolve after evict = %v, want ErrStale", err)
	}
	// Repeatedly: the signal is stable.
	if _, err := tb.Resolve(h); !errors.Is(err, ErrStale) {
		t.Fatal("stale signal must persist")
	}

	// A new handle for the same path is a different identity.
	h2, _ := tb.Issue("/export/victim.txt")
	if bytes.Equal(h, h2) {
		t.Error("reissued handle must differ from the evicted one")
	}
	if _, err := tb.Resolve(h2); err != nil {
		t.Errorf("fresh handle must resolve: %v", err)
	}
}

func TestEvictPath(t *testing.T) {
	tb := newTestTable()
	h, _ := tb.Issue("/export/doomed")
	tb.EvictPath("/export/doomed")
	if _, err := tb.Resolve(h); !errors.Is(err, ErrStale) {
		t.Fatal("EvictPath must stale outstanding handles")
	}
}

func TestRenameKeepsHandles(t *testing.T) {
	tb := newTestTable()
	h, _ := tb.Issue("/export/old")
	child, _ := tb.Issue("/export/old/inner")

	tb.Rename("/export/old", "/export/new")

	p, err := tb.Resolve(h)
	if err != nil || p != "/export/new" {
		t.Errorf("renamed Resolve = %q, %v", p, err)
	}
	p, err = tb.Resolve(child)
	if err != nil || p != "/export/new/inner" {
		t.Errorf("subtree Resolve = %q, %v", p, err)
	}
}

func TestBadHandleBytes(t *testing.T) {
	tb := newTestTable()
	if _, err := tb.Resolve([]byte("garbage-bytes-here!!")); !errors.Is(err, ErrBadHandle) {
		t.Errorf("garbage = %v, want ErrBadHandle", err)
	}
	if _, err := tb.Resolve(nil); !errors.Is(err, ErrBadHandle) {
		t.Errorf("nil = %v, want ErrBadHandle", err)
	}
}

// NFSv2 padding survives the round trip.
func TestPadV2(t *testing.T) {
	tb := newTestTable()
	h, _ := tb.Issue("/export/a")
	padded := PadV2(h)
	if len(padded) != V2Size {
		t.Fatalf("padded length = %d, want %d", len(padded), V2Size)
	}
	p, err := tb.Resolve(padded)
	if err != nil || p != "/export/a" {
		t.Errorf("padded Resolve = %q, %v", p, err)
	}
}
