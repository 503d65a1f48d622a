// Package v3 implements the NFS version 3 procedures (RFC 1813).
//
// Each procedure is a pure function of (security context, arguments):
// decode the XDR arguments, resolve any handle through the table,
// apply access checks, call into the export's VFS, and encode the
// result. VFS failures translate through the status table and are part
// of the procedure result, never RPC-layer errors.
package v3

import (
	"bytes"

	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/logger"
	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// Version is the protocol version this package serves.
const Version uint32 = 3

// Procedure numbers (RFC 1813 Section 3).
const (
	ProcNull        uint32 = 0
	ProcGetattr     uint32 = 1
	ProcSetattr     uint32 = 2
	ProcLookup      uint32 = 3
	ProcAccess      uint32 = 4
	ProcReadlink    uint32 = 5
	ProcRead        uint32 = 6
	ProcWrite       uint32 = 7
	ProcCreate      uint32 = 8
	ProcMkdir       uint32 = 9
	ProcSymlink     uint32 = 10
	ProcMknod       uint32 = 11
	ProcRemove      uint32 = 12
	ProcRmdir       uint32 = 13
	ProcRename      uint32 = 14
	ProcLink        uint32 = 15
	ProcReaddir     uint32 = 16
	ProcReaddirplus uint32 = 17
	ProcFsstat      uint32 = 18
	ProcFsinfo      uint32 = 19
	ProcPathconf    uint32 = 20
	ProcCommit      uint32 = 21
)

const maxName = 255

// Handler carries the collaborators every v3 procedure needs. All
// fields are set once at startup; the struct itself is stateless and
// safe for concurrent calls.
type Handler struct {
	Exports *exports.Registry
	Handles *handle.Table
	Cache   *handle.AttrCache
	Sec     *security.Manager

	// ReadMax/WriteMax cap the transfer size per call, advertised by
	// FSINFO.
	ReadMax  uint32
	WriteMax uint32

	// WriteVerf changes across server restarts so clients detect lost
	// unstable writes (RFC 1813 Section 3.3.7).
	WriteVerf uint64
}

type procFunc func(*Handler, *security.Context, []byte) ([]byte, uint32)

// procs is the static dispatch table; routing is a slice index, never
// reflection.
var procs = [...]procFunc{
	ProcNull:        (*Handler).null,
	ProcGetattr:     (*Handler).getattr,
	ProcSetattr:     (*Handler).setattr,
	ProcLookup:      (*Handler).lookup,
	ProcAccess:      (*Handler).access,
	ProcReadlink:    (*Handler).readlink,
	ProcRead:        (*Handler).read,
	ProcWrite:       (*Handler).write,
	ProcCreate:      (*Handler).create,
	ProcMkdir:       (*Handler).mkdir,
	ProcSymlink:     (*Handler).symlink,
	ProcMknod:       (*Handler).mknod,
	ProcRemove:      (*Handler).remove,
	ProcRmdir:       (*Handler).rmdir,
	ProcRename:      (*Handler).rename,
	ProcLink:        (*Handler).link,
	ProcReaddir:     (*Handler).readdir,
	ProcReaddirplus: (*Handler).readdirplus,
	ProcFsstat:      (*Handler).fsstat,
	ProcFsinfo:      (*Handler).fsinfo,
	ProcPathconf:    (*Handler).pathconf,
	ProcCommit:      (*Handler).commit,
}

// Dispatch routes one NFSv3 call. A nil result with a non-success
// accept state tells the dispatcher to build the corresponding RPC
// error reply.
func (h *Handler) Dispatch(ctx *security.Context, proc uint32, args []byte) ([]byte, uint32) {
	if int(proc) >= len(procs) || procs[proc] == nil {
		return nil, rpc.AcceptProcUnavail
	}
	return procs[proc](h, ctx, args)
}

func (h *Handler) null(*security.Context, []byte) ([]byte, uint32) {
	return nil, rpc.AcceptSuccess
}

// ============================================================================
// Shared helpers
// ============================================================================

// resolved bundles what most procedures need after a handle argument
// has been looked up.
type resolved struct {
	export *exports.Export
	// path is the canonical server-relative path.
	path string
	// rel is the path relative to the export root.
	rel string
}

// resolveHandle turns handle bytes into a resolved path, or a status.
func (h *Handler) resolveHandle(fh []byte) (*resolved, uint32) {
	p, err := h.Handles.Resolve(fh)
	if err != nil {
		return nil, status.FromError(err)
	}
	ex, rel, err := h.Exports.Resolve(p)
	if err != nil {
		// A handle that decodes to a path under no export is an
		// internal invariant violation; stale, never SYSTEM_ERR.
		return nil, status.ErrStale
	}
	return &resolved{export: ex, path: p, rel: rel}, status.OK
}

// stat reads attributes through the cache.
func (h *Handler) stat(res *resolved) (*vfs.Attr, error) {
	if attr, ok := h.Cache.Get(res.path); ok {
		return attr, nil
	}
	attr, err := res.export.FS.Stat(res.rel)
	if err != nil {
		return nil, err
	}
	h.Cache.Put(res.path, attr)
	return attr, nil
}

// child resolves one name in a directory, returning the child's
// resolved form.
func (h *Handler) child(dir *resolved, name string) (*resolved, uint32) {
	if name == "" || len(name) > maxName {
		return nil, status.ErrNameLong
	}
	p, err := h.Handles.Child(dir.path, name)
	if err != nil {
		return nil, status.ErrAcces
	}
	ex, rel, err := h.Exports.Resolve(p)
	if err != nil {
		return nil, status.ErrAcces
	}
	return &resolved{export: ex, path: p, rel: rel}, status.OK
}

// invalidate drops cached attributes for a path and its parent.
func (h *Handler) invalidate(res *resolved) {
	h.Cache.Invalidate(res.path)
	if i := lastSlash(res.path); i > 0 {
		h.Cache.Invalidate(res.path[:i])
	}
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

// errorReply encodes "status alone", used by procedures whose failure
// arm carries no attribute body.
func errorReply(st uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	return buf.Bytes()
}

// errorWithPostOp encodes a failure arm carrying an absent
// post_op_attr, the common v3 shape.
func errorWithPostOp(st uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	_ = xdr.PutBool(&buf, false)
	return buf.Bytes()
}

// errorWithWcc encodes a failure arm carrying empty wcc_data.
func errorWithWcc(st uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	_ = xdr.PutBool(&buf, false) // before: absent
	_ = xdr.PutBool(&buf, false) // after: absent
	return buf.Bytes()
}

// requireWritable enforces the export's read-only option up front.
func requireWritable(res *resolved) uint32 {
	if res.export.ReadOnly {
		return status.ErrROFS
	}
	return status.OK
}

// logProc logs one completed procedure at debug level.
func logProc(name string, ctx *security.Context, st uint32, kv ...any) {
	fields := append([]any{"status", st, "client", ctx.ClientIP, "uid", ctx.UID}, kv...)
	logger.Debug("NFSv3 "+name, fields...)
}
