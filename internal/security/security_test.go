package security

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/vfs"
)

func sysCall(cred *SysCred) *rpc.Call {
	body, _ := EncodeSysCred(cred)
	return &rpc.Call{
		XID:  1,
		Cred: rpc.OpaqueAuth{Flavor: rpc.FlavorSys, Body: body},
	}
}

func newTestManager(cfg Config) *Manager {
	cfg.AllowSys = true
	return NewManager(cfg, NewAudit(""))
}

// encode/parse round trips both ways on well-formed credentials.
func TestSysCredRoundTrip(t *testing.T) {
	original := &SysCred{
		Stamp:   42,
		Machine: "client.example",
		UID:     1000,
		GID:     1000,
		GIDs:    []uint32{10, 20, 30},
	}
	body, err := EncodeSysCred(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := ParseSysCred(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if decoded.Stamp != original.Stamp || decoded.Machine != original.Machine ||
		decoded.UID != original.UID || decoded.GID != original.GID {
		t.Errorf("mismatch: %+v vs %+v", decoded, original)
	}
	reencoded, _ := EncodeSysCred(decoded)
	if !bytes.Equal(body, reencoded) {
		t.Error("re-encoding differs")
	}
}

// Exactly 16 auxiliary gids is accepted; 17 is rejected.
func TestSysCredGidLimit(t *testing.T) {
	sixteen := make([]uint32, 16)
	body, err := EncodeSysCred(&SysCred{Machine: "m", GIDs: sixteen})
	if err != nil {
		t.Fatalf("16 gids must encode: %v", err)
	}
	if _, err := ParseSysCred(body); err != nil {
		t.Fatalf("16 gids must parse: %v", err)
	}

	// Hand-build a 17-gid credential: the encoder refuses to make one.
	var buf bytes.Buffer
	buf.Write(body[:len(body)-16*4-4])
	buf.Write([]byte{0, 0, 0, 17})
	buf.Write(make([]byte, 17*4))
	if _, err := ParseSysCred(buf.Bytes()); err == nil {
		t.Fatal("17 gids must be rejected")
	}
}

func TestAuthenticateSys(t *testing.T) {
	m := newTestManager(Config{})
	ctx, stat := m.Authenticate(sysCall(&SysCred{UID: 1000, GID: 100, GIDs: []uint32{100}}), "10.0.0.1")
	if ctx == nil {
		t.Fatalf("authentication failed: stat=%d", stat)
	}
	if ctx.UID != 1000 || ctx.GID != 100 {
		t.Errorf("identity = %d/%d", ctx.UID, ctx.GID)
	}
	if ctx.Flavor != rpc.FlavorSys {
		t.Error("flavor not recorded")
	}
}

// The spec's root-squash scenario: uid 0 maps to the anonymous
// identity, and a probe that would pass for root now fails.
func TestRootSquash(t *testing.T) {
	m := newTestManager(Config{RootSquash: true, AnonUID: 65534, AnonGID: 65534})

	ctx, _ := m.Authenticate(sysCall(&SysCred{UID: 0, GID: 0}), "10.0.0.1")
	if ctx == nil {
		t.Fatal("authentication failed")
	}
	if ctx.UID != 65534 || ctx.GID != 65534 {
		t.Fatalf("squashed identity = %d/%d, want 65534/65534", ctx.UID, ctx.GID)
	}
	if len(ctx.GIDs) != 1 || ctx.GIDs[0] != 65534 {
		t.Fatalf("squashed gids = %v", ctx.GIDs)
	}

	// A root-owned mode-0600 file: writable by real root, not by the
	// squashed identity.
	attr := &vfs.Attr{UID: 0, GID: 0, Mode: 0o600}
	if m.Authorize(ctx, "/export/rootfile", attr, PermWrite) {
		t.Error("squashed root must not pass the owner check")
	}
}

func TestAllSquash(t *testing.T) {
	m := newTestManager(Config{AllSquash: true, AnonUID: 99, AnonGID: 99})
	ctx, _ := m.Authenticate(sysCall(&SysCred{UID: 1000, GID: 1000}), "10.0.0.1")
	if ctx == nil || ctx.UID != 99 {
		t.Fatalf("all_squash identity = %+v", ctx)
	}
}

func TestFlavorDisabled(t *testing.T) {
	m := NewManager(Config{AllowSys: false}, NewAudit(""))
	ctx, stat := m.Authenticate(sysCall(&SysCred{UID: 1}), "10.0.0.1")
	if ctx != nil {
		t.Fatal("disabled flavor authenticated")
	}
	if stat != rpc.AuthTooWeak {
		t.Errorf("stat = %d, want AUTH_TOOWEAK", stat)
	}
}

func TestAnonymousAccess(t *testing.T) {
	call := &rpc.Call{Cred: rpc.OpaqueAuth{Flavor: rpc.FlavorNone}}

	m := NewManager(Config{AllowNone: true, AnonymousAccess: true, AnonUID: 65534, AnonGID: 65534}, NewAudit(""))
	ctx, _ := m.Authenticate(call, "10.0.0.1")
	if ctx == nil || ctx.UID != 65534 {
		t.Fatalf("anonymous context = %+v", ctx)
	}

	m = NewManager(Config{AllowNone: true, AnonymousAccess: false}, NewAudit(""))
	if ctx, _ := m.Authenticate(call, "10.0.0.1"); ctx != nil {
		t.Fatal("AUTH_NONE without anonymous_access must fail")
	}
}

func TestParseErrorAudited(t *testing.T) {
	m := newTestManager(Config{})
	call := &rpc.Call{Cred: rpc.OpaqueAuth{Flavor: rpc.FlavorSys, Body: []byte{1, 2}}}
	ctx, stat := m.Authenticate(call, "10.0.0.9")
	if ctx != nil || stat != rpc.AuthBadCred {
		t.Fatalf("ctx=%v stat=%d", ctx, stat)
	}

	entries := m.Audit().Recent(1)
	if len(entries) != 1 || entries[0].Success || entries[0].Details != ReasonParseError {
		t.Fatalf("audit entry = %+v", entries)
	}
}

func TestCheckPath(t *testing.T) {
	m := newTestManager(Config{})
	denied := []string{"/etc/passwd", "/proc/1/mem", "/sys/kernel", "/export/../etc", "a/../../b"}
	for _, p := range denied {
		if m.CheckPath(p) {
			t.Errorf("CheckPath(%q) = true, want false", p)
		}
	}
	if !m.CheckPath("/export/data") {
		t.Error("plain export path rejected")
	}
}

func TestPosixFallback(t *testing.T) {
	m := newTestManager(Config{})
	owner := &Context{UID: 1000, GID: 100}
	group := &Context{UID: 2000, GID: 100}
	other := &Context{UID: 3000, GID: 300}
	attr := &vfs.Attr{UID: 1000, GID: 100, Mode: 0o640}

	if !m.Authorize(owner, "/p", attr, PermRead|PermWrite) {
		t.Error("owner rw denied")
	}
	if !m.Authorize(group, "/p", attr, PermRead) {
		t.Error("group read denied")
	}
	if m.Authorize(group, "/p", attr, PermWrite) {
		t.Error("group write allowed")
	}
	if m.Authorize(other, "/p", attr, PermRead) {
		t.Error("other read allowed")
	}
}

// ACL: ordered walk, first match decides, no match denies.
func TestACLEvaluation(t *testing.T) {
	acl := ACL{
		{Type: ACLUser, ID: 1000, Perms: PermRead},
		{Type: ACLGroup, ID: 500, Perms: PermRead | PermWrite},
		{Type: ACLOther, Perms: 0},
	}

	alice := &Context{UID: 1000, GID: 500}
	bob := &Context{UID: 2000, GID: 500, GIDs: []uint32{500}}
	eve := &Context{UID: 3000, GID: 999}

	// Alice hits the USER entry first: read only, despite her group.
	if !acl.Evaluate(alice, PermRead) {
		t.Error("alice read denied")
	}
	if acl.Evaluate(alice, PermWrite) {
		t.Error("alice write allowed; first match must decide")
	}
	if !acl.Evaluate(bob, PermWrite) {
		t.Error("bob group write denied")
	}
	if acl.Evaluate(eve, PermRead) {
		t.Error("eve allowed by OTHER entry with no bits")
	}

	// No matching entry at all: denied.
	short := ACL{{Type: ACLUser, ID: 1, Perms: PermRead}}
	if short.Evaluate(eve, PermRead) {
		t.Error("unmatched identity must be denied")
	}
}

func TestACLOverridesPosix(t *testing.T) {
	m := newTestManager(Config{})
	attr := &vfs.Attr{UID: 1000, GID: 100, Mode: 0o777}
	ctx := &Context{UID: 1000, GID: 100}

	m.SetACL("/export/guarded", ACL{{Type: ACLOther, Perms: 0}})
	if m.Authorize(ctx, "/export/guarded", attr, PermRead) {
		t.Error("ACL must override the permissive mode")
	}
	m.SetACL("/export/guarded", nil)
	if !m.Authorize(ctx, "/export/guarded", attr, PermRead) {
		t.Error("removing the ACL must restore the mode check")
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(Config{SessionTimeout: time.Hour})
	ctx := &Context{UID: 1, Username: "alice", AuthTime: time.Now()}

	id := m.CreateSession(ctx)
	if len(id) != 32 {
		t.Fatalf("session id %q is not 32 hex chars", id)
	}

	got, ok := m.ValidateSession(id)
	if !ok || got.Username != "alice" {
		t.Fatalf("validate = %+v, %v", got, ok)
	}

	// Destroy twice: safe and idempotent.
	m.DestroySession(id)
	m.DestroySession(id)
	if _, ok := m.ValidateSession(id); ok {
		t.Fatal("destroyed session validated")
	}
}

func TestSessionExpiry(t *testing.T) {
	m := newTestManager(Config{SessionTimeout: time.Millisecond})
	id := m.CreateSession(&Context{AuthTime: time.Now().Add(-time.Second)})
	if _, ok := m.ValidateSession(id); ok {
		t.Fatal("expired session validated")
	}
}

func TestAuditRingOverflow(t *testing.T) {
	a := NewAudit("")
	for i := 0; i < auditCapacity+5; i++ {
		a.Record(Entry{Operation: "op"})
	}
	// Overflow drops the oldest batch in one step.
	want := auditCapacity - auditDropSize + 5
	if got := a.Len(); got != want {
		t.Fatalf("ring length = %d, want %d", got, want)
	}
}

func TestAuditFileSink(t *testing.T) {
	path := t.TempDir() + "/audit.log"
	a := NewAudit(path)
	a.Record(Entry{ClientIP: "10.0.0.1", Operation: "mount", Resource: "/export", Success: true})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(data, []byte(`"operation":"mount"`)) {
		t.Errorf("audit line missing fields: %s", data)
	}
}
