// Package mountd implements the MOUNT protocol (program 100005,
// RFC 1813 Appendix I): the path-to-roothandle bootstrap clients run
// before any NFS traffic, plus the mount bookkeeping DUMP reports.
package mountd

import (
	"bytes"
	"strings"
	"sync"
	"time"

	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/xdr"
)

// Procedures (RFC 1813 Appendix I).
const (
	ProcNull     uint32 = 0
	ProcMnt      uint32 = 1
	ProcDump     uint32 = 2
	ProcUmnt     uint32 = 3
	ProcUmntAll  uint32 = 4
	ProcExport   uint32 = 5
)

// Mount protocol status codes.
const (
	mntOK          uint32 = 0
	mntErrPerm     uint32 = 1
	mntErrNoEnt    uint32 = 2
	mntErrAcces    uint32 = 13
	mntErrNotDir   uint32 = 20
	mntErrInval    uint32 = 22
	mntErrServerFault uint32 = 10006
)

// mntArgs is the single argument of MNT/UMNT: the export path. Decoded
// with the tag-driven codec since it is a plain struct.
type mntArgs struct {
	DirPath string `xdr:"limit=1024"`
}

// mountEntry records one active mount for DUMP.
type mountEntry struct {
	Client string
	Path   string
	Since  time.Time
}

// Handler serves the mount procedures and tracks active mounts.
type Handler struct {
	Exports *exports.Registry
	Handles *handle.Table
	Sec     *security.Manager

	mu     sync.Mutex
	mounts []mountEntry
}

// Dispatch routes one mount call. Versions 1 and 3 share every
// procedure this server implements; MNT replies use the v3 handle
// shape, so version 3 is required for MNT itself.
func (h *Handler) Dispatch(ctx *security.Context, call *rpc.Call) ([]byte, uint32) {
	if call.Version != 1 && call.Version != 3 {
		return nil, rpc.AcceptProgMismatch
	}

	switch call.Procedure {
	case ProcNull:
		return nil, rpc.AcceptSuccess
	case ProcMnt:
		if call.Version != 3 {
			return nil, rpc.AcceptProgMismatch
		}
		return h.mnt(ctx, call.Args)
	case ProcDump:
		return h.dump(), rpc.AcceptSuccess
	case ProcUmnt:
		return h.umnt(ctx, call.Args)
	case ProcUmntAll:
		h.removeClient(ctx.ClientIP)
		return nil, rpc.AcceptSuccess
	case ProcExport:
		return h.export(), rpc.AcceptSuccess
	}
	return nil, rpc.AcceptProcUnavail
}

func mntError(st uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	return buf.Bytes()
}

// mnt resolves an export path to its root handle.
func (h *Handler) mnt(ctx *security.Context, args []byte) ([]byte, uint32) {
	var req mntArgs
	if _, err := xdr2.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	if !h.Sec.CheckPath(req.DirPath) {
		h.Sec.Audit().Record(security.Entry{
			ClientIP:  ctx.ClientIP,
			Username:  ctx.Username,
			Operation: "mount",
			Resource:  req.DirPath,
			Success:   false,
			Details:   "path denied",
		})
		return mntError(mntErrAcces), rpc.AcceptSuccess
	}

	export, ok := h.Exports.ByName(req.DirPath)
	if !ok {
		logger.Debug("MNT unknown export", "path", req.DirPath, "client", ctx.ClientIP)
		return mntError(mntErrNoEnt), rpc.AcceptSuccess
	}
	if !export.AllowsClient(ctx.ClientIP) {
		return mntError(mntErrAcces), rpc.AcceptSuccess
	}

	fh, err := h.Handles.Issue(export.Name)
	if err != nil {
		return mntError(mntErrServerFault), rpc.AcceptSuccess
	}

	h.mu.Lock()
	h.mounts = append(h.mounts, mountEntry{
		Client: ctx.ClientIP,
		Path:   export.Name,
		Since:  time.Now(),
	})
	h.mu.Unlock()

	h.Sec.Audit().Record(security.Entry{
		ClientIP:  ctx.ClientIP,
		Username:  ctx.Username,
		Operation: "mount",
		Resource:  export.Name,
		Success:   true,
	})
	logger.Info("MNT", "export", export.Name, "client", ctx.ClientIP)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, mntOK)
	_ = xdr.PutOpaque(&buf, fh)
	_ = xdr.PutUint32(&buf, 2) // auth flavors
	_ = xdr.PutUint32(&buf, rpc.FlavorSys)
	_ = xdr.PutUint32(&buf, rpc.FlavorNone)
	return buf.Bytes(), rpc.AcceptSuccess
}

// umnt removes one mount record. The protocol has no failure mode: the
// reply is void either way.
func (h *Handler) umnt(ctx *security.Context, args []byte) ([]byte, uint32) {
	var req mntArgs
	if _, err := xdr2.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	h.mu.Lock()
	kept := h.mounts[:0]
	for _, m := range h.mounts {
		if m.Client == ctx.ClientIP && m.Path == strings.TrimSuffix(req.DirPath, "/") {
			continue
		}
		kept = append(kept, m)
	}
	h.mounts = kept
	h.mu.Unlock()

	logger.Debug("UMNT", "path", req.DirPath, "client", ctx.ClientIP)
	return nil, rpc.AcceptSuccess
}

func (h *Handler) removeClient(client string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.mounts[:0]
	for _, m := range h.mounts {
		if m.Client != client {
			kept = append(kept, m)
		}
	}
	h.mounts = kept
}

// dump encodes the active mount list as the mountlist linked list.
func (h *Handler) dump() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf bytes.Buffer
	for _, m := range h.mounts {
		_ = xdr.PutBool(&buf, true)
		_ = xdr.PutString(&buf, m.Client)
		_ = xdr.PutString(&buf, m.Path)
	}
	_ = xdr.PutBool(&buf, false)
	return buf.Bytes()
}

// export encodes the export list with each export's client pattern as
// its single group entry.
func (h *Handler) export() []byte {
	var buf bytes.Buffer
	for _, e := range h.Exports.All() {
		_ = xdr.PutBool(&buf, true)
		_ = xdr.PutString(&buf, e.Name)
		if e.ClientPattern != "" {
			_ = xdr.PutBool(&buf, true)
			_ = xdr.PutString(&buf, e.ClientPattern)
		}
		_ = xdr.PutBool(&buf, false) // end of groups
	}
	_ = xdr.PutBool(&buf, false)
	return buf.Bytes()
}

// Mounts returns a snapshot of the active mount table for the admin
// surface.
func (h *Handler) Mounts() []struct{ Client, Path string } {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]struct{ Client, Path string }, 0, len(h.mounts))
	for _, m := range h.mounts {
		out = append(out, struct{ Client, Path string }{m.Client, m.Path})
	}
	return out
}
