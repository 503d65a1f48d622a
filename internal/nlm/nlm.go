// Package nlm implements the Network Lock Manager protocol (program
// 100021, version 4): the sideband carrying byte-range locks for
// NFSv2/v3 clients.
//
// Only the synchronous procedures are served, and LOCK never blocks:
// a conflicting request is answered with DENIED so the client can
// retry. Only TEST reports the holder's range; the LOCK reply carries
// the status alone. The lock state itself lives in the shared
// lock manager, the same table the NFSv4 LOCK operations use.
package nlm

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/lockmgr"
	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/xdr"
)

// Version is the NLM protocol version with 64-bit offsets.
const Version uint32 = 4

// Procedures (Open Group NLM specification). The async _MSG/_RES pairs
// and the DOS-share procedures are not served.
const (
	ProcNull    uint32 = 0
	ProcTest    uint32 = 1
	ProcLock    uint32 = 2
	ProcCancel  uint32 = 3
	ProcUnlock  uint32 = 4
	ProcFreeAll uint32 = 23
)

// NLM status codes.
const (
	nlmGranted       uint32 = 0
	nlmDenied        uint32 = 1
	nlmDeniedNoLocks uint32 = 2
	nlmBlocked       uint32 = 3
	nlmDeniedGrace   uint32 = 4
)

// nlm4Lock is the wire lock description shared by every request,
// decoded with the tag-driven codec.
type nlm4Lock struct {
	CallerName string `xdr:"limit=1024"`
	FH         []byte `xdr:"limit=64"`
	OH         []byte `xdr:"limit=1024"`
	Svid       int32
	Offset     uint64
	Length     uint64
}

type testArgs struct {
	Cookie    []byte `xdr:"limit=1024"`
	Exclusive bool
	Lock      nlm4Lock
}

type lockArgs struct {
	Cookie    []byte `xdr:"limit=1024"`
	Block     bool
	Exclusive bool
	Lock      nlm4Lock
	Reclaim   bool
	State     int32
}

type cancelArgs struct {
	Cookie    []byte `xdr:"limit=1024"`
	Block     bool
	Exclusive bool
	Lock      nlm4Lock
}

type unlockArgs struct {
	Cookie []byte `xdr:"limit=1024"`
	Lock   nlm4Lock
}

type freeAllArgs struct {
	Name  string `xdr:"limit=1024"`
	State int32
}

// Handler serves NLM against the shared lock manager.
type Handler struct {
	Handles *handle.Table
	Locks   *lockmgr.Manager

	// GracePeriod rejects fresh locks for a window after startup so
	// clients can reclaim. Zero disables the grace window.
	GracePeriod time.Duration

	startOnce sync.Once
	started   time.Time
}

// inGrace reports whether the reclaim window is still open.
func (h *Handler) inGrace() bool {
	h.startOnce.Do(func() { h.started = time.Now() })
	return h.GracePeriod > 0 && time.Since(h.started) < h.GracePeriod
}

// owner converts the NLM (caller, oh, svid) triple into the lock
// manager's owner identity.
func owner(l *nlm4Lock, clientAddr string) lockmgr.Owner {
	return lockmgr.Owner{
		ClientID:   fmt.Sprintf("%s:%x", l.CallerName, l.OH),
		ProcessID:  l.Svid,
		ClientAddr: clientAddr,
	}
}

// Dispatch routes one NLM call.
func (h *Handler) Dispatch(ctx *security.Context, call *rpc.Call) ([]byte, uint32) {
	if call.Version != Version {
		return nil, rpc.AcceptProgMismatch
	}

	switch call.Procedure {
	case ProcNull:
		return nil, rpc.AcceptSuccess
	case ProcTest:
		return h.test(ctx, call.Args)
	case ProcLock:
		return h.lock(ctx, call.Args)
	case ProcCancel:
		return h.cancel(ctx, call.Args)
	case ProcUnlock:
		return h.unlock(ctx, call.Args)
	case ProcFreeAll:
		return h.freeAll(call.Args)
	}
	return nil, rpc.AcceptProcUnavail
}

// res encodes the common nlm4_res: cookie plus status.
func res(cookie []byte, stat uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutOpaque(&buf, cookie)
	_ = xdr.PutUint32(&buf, stat)
	return buf.Bytes()
}

// resolveFile maps the request's filehandle onto the lock manager's
// file key. A stale handle still yields a usable key so unlocks for
// removed files succeed.
func (h *Handler) resolveFile(fh []byte) string {
	if p, err := h.Handles.Resolve(fh); err == nil {
		return p
	}
	return fmt.Sprintf("fh:%x", fh)
}

// test implements NLM_TEST: a non-blocking conflict probe reporting the
// holder when the lock would be denied.
func (h *Handler) test(ctx *security.Context, args []byte) ([]byte, uint32) {
	var req testArgs
	if _, err := xdr2.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	typ := lockmgr.Shared
	if req.Exclusive {
		typ = lockmgr.Exclusive
	}
	file := h.resolveFile(req.Lock.FH)
	conflict := h.Locks.Test(file, typ, req.Lock.Offset, req.Lock.Length, owner(&req.Lock, ctx.ClientIP))

	var buf bytes.Buffer
	_ = xdr.PutOpaque(&buf, req.Cookie)
	if conflict == nil {
		_ = xdr.PutUint32(&buf, nlmGranted)
	} else {
		_ = xdr.PutUint32(&buf, nlmDenied)
		// nlm4_holder: exclusive, svid, oh, l_offset, l_len.
		_ = xdr.PutBool(&buf, conflict.Type == lockmgr.Exclusive)
		_ = xdr.PutInt32(&buf, conflict.Owner.ProcessID)
		_ = xdr.PutOpaque(&buf, []byte(conflict.Owner.ClientID))
		_ = xdr.PutUint64(&buf, conflict.Offset)
		_ = xdr.PutUint64(&buf, conflict.Length)
	}
	logger.Debug("NLM TEST", "file", file, "client", ctx.ClientIP, "conflict", conflict != nil)
	return buf.Bytes(), rpc.AcceptSuccess
}

// lock implements NLM_LOCK. Blocking requests are answered like
// non-blocking ones: this server queues nothing, so block=true degrades
// to an immediate DENIED the client is expected to retry.
func (h *Handler) lock(ctx *security.Context, args []byte) ([]byte, uint32) {
	var req lockArgs
	if _, err := xdr2.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	if h.inGrace() && !req.Reclaim {
		return res(req.Cookie, nlmDeniedGrace), rpc.AcceptSuccess
	}

	typ := lockmgr.Shared
	if req.Exclusive {
		typ = lockmgr.Exclusive
	}
	file := h.resolveFile(req.Lock.FH)
	id, conflict := h.Locks.Acquire(file, typ, req.Lock.Offset, req.Lock.Length, owner(&req.Lock, ctx.ClientIP))

	stat := nlmGranted
	if conflict != nil {
		stat = nlmDenied
	}
	logger.Debug("NLM LOCK",
		"file", file, "client", ctx.ClientIP,
		"exclusive", req.Exclusive, "offset", req.Lock.Offset,
		"length", req.Lock.Length, "granted", conflict == nil, "id", id)
	return res(req.Cookie, stat), rpc.AcceptSuccess
}

// cancel implements NLM_CANCEL. With no blocked-request queue there is
// nothing to cancel; a cancel for a granted lock releases it, matching
// clients that cancel-then-unlock.
func (h *Handler) cancel(ctx *security.Context, args []byte) ([]byte, uint32) {
	var req cancelArgs
	if _, err := xdr2.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	file := h.resolveFile(req.Lock.FH)
	h.Locks.ReleaseRange(file, req.Lock.Offset, req.Lock.Length, owner(&req.Lock, ctx.ClientIP))
	return res(req.Cookie, nlmGranted), rpc.AcceptSuccess
}

// unlock implements NLM_UNLOCK: release every overlapping lock of this
// owner. Unlocking a range that holds no lock still succeeds.
func (h *Handler) unlock(ctx *security.Context, args []byte) ([]byte, uint32) {
	var req unlockArgs
	if _, err := xdr2.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	file := h.resolveFile(req.Lock.FH)
	released := h.Locks.ReleaseRange(file, req.Lock.Offset, req.Lock.Length, owner(&req.Lock, ctx.ClientIP))
	logger.Debug("NLM UNLOCK", "file", file, "client", ctx.ClientIP, "released", released)
	return res(req.Cookie, nlmGranted), rpc.AcceptSuccess
}

// freeAll implements NLM_FREE_ALL: the client host rebooted, drop every
// lock any of its processes held.
func (h *Handler) freeAll(args []byte) ([]byte, uint32) {
	var req freeAllArgs
	if _, err := xdr2.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	// Owner client ids embed the caller name; sweep every matching one.
	released := 0
	prefix := req.Name + ":"
	for _, l := range h.allLocks() {
		if len(l.Owner.ClientID) >= len(prefix) && l.Owner.ClientID[:len(prefix)] == prefix {
			released += h.Locks.ReleaseByOwner(l.Owner)
		}
	}
	logger.Info("NLM FREE_ALL", "host", req.Name, "released", released)
	return nil, rpc.AcceptSuccess
}

// allLocks snapshots every live lock. The lock manager indexes by file,
// so FREE_ALL walks the per-file lists.
func (h *Handler) allLocks() []*lockmgr.Lock {
	return h.Locks.All()
}
