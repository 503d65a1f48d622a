// Package security is the authentication and authorization manager.
//
// Every RPC call passes through Authenticate before dispatch: the
// credential is parsed according to its flavor, policy (enabled
// flavors, squashing) is applied, and the result is a SecurityContext
// that handlers treat as the caller's identity for the lifetime of the
// request. Authorization (path checks, ACL walks, POSIX mode fallback)
// and the audit trail live here as well, behind the same manager.
package security

import (
	"strings"
	"sync"
	"time"

	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/vfs"
)

// NobodyID is the conventional anonymous uid/gid.
const NobodyID = 65534

// Context is the identity derived from one successful authentication.
// It is created per call; promoting it into a session is the GSS
// path's business.
type Context struct {
	UID         uint32
	GID         uint32
	GIDs        []uint32
	Username    string
	MachineName string
	ClientIP    string
	Flavor      uint32
	SessionID   string
	AuthTime    time.Time
}

// MemberOf reports whether gid matches the context's primary or any
// auxiliary group.
func (c *Context) MemberOf(gid uint32) bool {
	if c.GID == gid {
		return true
	}
	for _, g := range c.GIDs {
		if g == gid {
			return true
		}
	}
	return false
}

// Failure reasons. Each produces a distinct audit event so operators
// can tell a parse failure from a policy rejection.
const (
	ReasonParseError    = "PARSE_ERROR"
	ReasonFlavorOff     = "FLAVOR_DISABLED"
	ReasonCredRejected  = "CREDENTIAL_REJECTED"
	ReasonReplay        = "REPLAY_DETECTED"
	ReasonTimestampSkew = "TIMESTAMP_SKEW"
)

// Config is the policy slice of the server configuration the manager
// consults.
type Config struct {
	// Flavors enabled for incoming calls. AUTH_NONE is additionally
	// gated by AnonymousAccess.
	AllowNone bool
	AllowSys  bool
	AllowDH   bool
	AllowGSS  bool

	// AnonymousAccess permits AUTH_NONE calls, mapped to the anonymous
	// identity.
	AnonymousAccess bool

	// Squash policy. AllSquash wins over RootSquash.
	RootSquash bool
	AllSquash  bool
	AnonUID    uint32
	AnonGID    uint32

	// SessionTimeout bounds GSS session lifetime.
	SessionTimeout time.Duration
}

// Manager owns the four independent locks the concurrency model calls
// for: sessions, ACLs, the audit buffer, and counters. None nest.
type Manager struct {
	cfg Config

	dh  DHProvider
	gss GSSProvider

	sessions *sessionTable

	aclMu sync.Mutex
	acls  map[string]ACL // canonical path -> ACL

	audit *Audit

	statMu   sync.Mutex
	authOK   uint64
	authFail uint64
}

// NewManager builds a manager from policy. Providers for the
// cryptographic flavors are attached separately with SetDHProvider and
// SetGSSProvider; without one, the corresponding flavor is rejected.
func NewManager(cfg Config, audit *Audit) *Manager {
	if cfg.AnonUID == 0 {
		cfg.AnonUID = NobodyID
	}
	if cfg.AnonGID == 0 {
		cfg.AnonGID = NobodyID
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = time.Hour
	}
	if audit == nil {
		audit = NewAudit("")
	}
	return &Manager{
		cfg:      cfg,
		sessions: newSessionTable(cfg.SessionTimeout),
		acls:     make(map[string]ACL),
		audit:    audit,
	}
}

// SetDHProvider attaches the AUTH_DH crypto provider.
func (m *Manager) SetDHProvider(p DHProvider) { m.dh = p }

// SetGSSProvider attaches the RPCSEC_GSS provider.
func (m *Manager) SetGSSProvider(p GSSProvider) { m.gss = p }

// Audit exposes the audit sink for handlers recording authorization
// decisions.
func (m *Manager) Audit() *Audit { return m.audit }

// Authenticate derives a security context from the call's credential.
//
// On failure it returns a nil context with the RFC 5531 auth status the
// dispatcher must place in the AUTH_ERROR rejection, and always emits
// exactly one audit entry.
func (m *Manager) Authenticate(call *rpc.Call, clientIP string) (*Context, uint32) {
	ctx, authStat, reason := m.authenticate(call, clientIP)

	m.statMu.Lock()
	if ctx != nil {
		m.authOK++
	} else {
		m.authFail++
	}
	m.statMu.Unlock()

	if ctx != nil {
		m.audit.Record(Entry{
			ClientIP:  clientIP,
			Username:  ctx.Username,
			Operation: "authenticate",
			Success:   true,
		})
		return ctx, rpc.AuthOK
	}

	m.audit.Record(Entry{
		ClientIP:  clientIP,
		Operation: "authenticate",
		Success:   false,
		Details:   reason,
	})
	return nil, authStat
}

func (m *Manager) authenticate(call *rpc.Call, clientIP string) (*Context, uint32, string) {
	switch call.Cred.Flavor {
	case rpc.FlavorNone:
		if !m.cfg.AllowNone || !m.cfg.AnonymousAccess {
			return nil, rpc.AuthTooWeak, ReasonFlavorOff
		}
		return &Context{
			UID:      m.cfg.AnonUID,
			GID:      m.cfg.AnonGID,
			GIDs:     []uint32{m.cfg.AnonGID},
			Username: "anonymous",
			ClientIP: clientIP,
			Flavor:   rpc.FlavorNone,
			AuthTime: time.Now(),
		}, rpc.AuthOK, ""

	case rpc.FlavorSys:
		if !m.cfg.AllowSys {
			return nil, rpc.AuthTooWeak, ReasonFlavorOff
		}
		cred, err := ParseSysCred(call.Cred.Body)
		if err != nil {
			return nil, rpc.AuthBadCred, ReasonParseError
		}
		ctx := m.contextFromSys(cred, clientIP)
		return ctx, rpc.AuthOK, ""

	case rpc.FlavorDH:
		if !m.cfg.AllowDH {
			return nil, rpc.AuthTooWeak, ReasonFlavorOff
		}
		return m.authenticateDH(call, clientIP)

	case rpc.FlavorGSS:
		if !m.cfg.AllowGSS {
			return nil, rpc.AuthTooWeak, ReasonFlavorOff
		}
		return m.authenticateGSS(call, clientIP)
	}

	return nil, rpc.AuthRejectedCred, ReasonCredRejected
}

// contextFromSys applies the squash policy to an AUTH_SYS identity.
func (m *Manager) contextFromSys(cred *SysCred, clientIP string) *Context {
	uid, gid, gids := cred.UID, cred.GID, cred.GIDs

	squash := m.cfg.AllSquash || (m.cfg.RootSquash && cred.UID == 0)
	if squash {
		uid = m.cfg.AnonUID
		gid = m.cfg.AnonGID
		gids = []uint32{m.cfg.AnonGID}
	}

	return &Context{
		UID:         uid,
		GID:         gid,
		GIDs:        gids,
		Username:    cred.Machine, // advisory only, no security meaning
		MachineName: cred.Machine,
		ClientIP:    clientIP,
		Flavor:      rpc.FlavorSys,
		AuthTime:    time.Now(),
	}
}

// deniedPrefixes is the fixed denylist of host system paths that no
// export may expose, applied to raw client-supplied paths.
var deniedPrefixes = []string{"/etc", "/proc", "/sys", "/dev", "/boot", "/root"}

// CheckPath validates a raw client-supplied path: no dot traversal and
// none of the denied system prefixes. Export containment is the handle
// table's job; this guards the paths that arrive before a handle
// exists (MNT).
func (m *Manager) CheckPath(p string) bool {
	if strings.Contains(p, "..") {
		return false
	}
	for _, prefix := range deniedPrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return false
		}
	}
	return true
}

// SetACL attaches an ACL to a canonical path. A nil list removes it.
func (m *Manager) SetACL(path string, acl ACL) {
	m.aclMu.Lock()
	defer m.aclMu.Unlock()
	if acl == nil {
		delete(m.acls, path)
		return
	}
	m.acls[path] = acl
}

// Authorize decides whether ctx may perform the requested access on the
// object at path with the given attributes.
//
// If an ACL is set for the object the ordered walk decides; otherwise
// the classic POSIX owner/group/other mode check applies. Every denial
// produces an audit entry.
func (m *Manager) Authorize(ctx *Context, path string, attr *vfs.Attr, want Perm) bool {
	m.aclMu.Lock()
	acl, hasACL := m.acls[path]
	m.aclMu.Unlock()

	var granted bool
	if hasACL {
		granted = acl.Evaluate(ctx, want)
	} else {
		granted = posixAllows(ctx, attr, want)
	}

	if !granted {
		m.audit.Record(Entry{
			ClientIP:  ctx.ClientIP,
			Username:  ctx.Username,
			Operation: "authorize",
			Resource:  path,
			Success:   false,
			Details:   want.String(),
		})
	}
	return granted
}

// posixAllows is the mode-bit fallback: owner, then group, then other.
// uid 0 passes everything, matching kernel behavior after squashing has
// already been applied upstream.
func posixAllows(ctx *Context, attr *vfs.Attr, want Perm) bool {
	if ctx.UID == 0 {
		return true
	}

	var shift uint
	switch {
	case ctx.UID == attr.UID:
		shift = 6
	case ctx.MemberOf(attr.GID):
		shift = 3
	default:
		shift = 0
	}
	bits := Perm(attr.Mode>>shift) & permMask
	return bits&want == want
}

// Stats reports the authentication counters.
func (m *Manager) Stats() (ok, failed uint64) {
	m.statMu.Lock()
	defer m.statMu.Unlock()
	return m.authOK, m.authFail
}
