// Package v2 implements the NFS version 2 procedures (RFC 1094).
//
// The v2 wire format is narrower than v3 in every dimension: fixed
// 32-byte handles, 32-bit sizes and offsets, microsecond timestamps,
// and no weak cache consistency data. The handlers share the handle
// table, security manager, and VFS with the v3 suite; only the
// encoding differs.
package v2

import (
	"bytes"
	"sort"
	"time"

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
const Version uint32 = 2

// Procedure numbers (RFC 1094 Section 2.2).
const (
	ProcNull       uint32 = 0
	ProcGetattr    uint32 = 1
	ProcSetattr    uint32 = 2
	ProcRoot       uint32 = 3
	ProcLookup     uint32 = 4
	ProcReadlink   uint32 = 5
	ProcRead       uint32 = 6
	ProcWritecache uint32 = 7
	ProcWrite      uint32 = 8
	ProcCreate     uint32 = 9
	ProcRemove     uint32 = 10
	ProcRename     uint32 = 11
	ProcLink       uint32 = 12
	ProcSymlink    uint32 = 13
	ProcMkdir      uint32 = 14
	ProcRmdir      uint32 = 15
	ProcReaddir    uint32 = 16
	ProcStatfs     uint32 = 17
)

const (
	maxName = 255
	maxPath = 1024
	// MaxData is the v2 transfer cap (RFC 1094: 8192 bytes).
	MaxData = 8192
)

// Handler serves the v2 procedures.
type Handler struct {
	Exports *exports.Registry
	Handles *handle.Table
	Cache   *handle.AttrCache
	Sec     *security.Manager
}

// Dispatch routes one NFSv2 call.
func (h *Handler) Dispatch(ctx *security.Context, proc uint32, args []byte) ([]byte, uint32) {
	switch proc {
	case ProcNull:
		return nil, rpc.AcceptSuccess
	case ProcGetattr:
		return h.getattr(ctx, args)
	case ProcSetattr:
		return h.setattr(ctx, args)
	case ProcRoot, ProcWritecache:
		// Obsolete in RFC 1094; accepted and ignored.
		return nil, rpc.AcceptSuccess
	case ProcLookup:
		return h.lookup(ctx, args)
	case ProcReadlink:
		return h.readlink(ctx, args)
	case ProcRead:
		return h.read(ctx, args)
	case ProcWrite:
		return h.write(ctx, args)
	case ProcCreate:
		return h.create(ctx, args)
	case ProcRemove:
		return h.remove(ctx, args)
	case ProcRename:
		return h.rename(ctx, args)
	case ProcLink:
		return h.link(ctx, args)
	case ProcSymlink:
		return h.symlink(ctx, args)
	case ProcMkdir:
		return h.mkdir(ctx, args)
	case ProcRmdir:
		return h.rmdir(ctx, args)
	case ProcReaddir:
		return h.readdir(ctx, args)
	case ProcStatfs:
		return h.statfs(ctx, args)
	}
	return nil, rpc.AcceptProcUnavail
}

// ============================================================================
// Wire helpers
// ============================================================================

func readHandle2(r *bytes.Reader) ([]byte, error) {
	return xdr.FixedOpaque(r, handle.V2Size)
}

func putTimeval(buf *bytes.Buffer, t time.Time) {
	_ = xdr.PutUint32(buf, uint32(t.Unix()))
	_ = xdr.PutUint32(buf, uint32(t.Nanosecond()/1000))
}

// putFattr2 encodes the v2 fattr.
func putFattr2(buf *bytes.Buffer, a *vfs.Attr) {
	ftype := uint32(a.Type)
	if a.Type > vfs.TypeSymlink {
		ftype = 0 // NFNON: sockets and pipes have no v2 type
	}
	_ = xdr.PutUint32(buf, ftype)
	_ = xdr.PutUint32(buf, a.Mode|typeModeBits(a.Type))
	_ = xdr.PutUint32(buf, a.Nlink)
	_ = xdr.PutUint32(buf, a.UID)
	_ = xdr.PutUint32(buf, a.GID)
	_ = xdr.PutUint32(buf, uint32(a.Size))
	_ = xdr.PutUint32(buf, 4096) // blocksize
	_ = xdr.PutUint32(buf, uint32(a.Rdev))
	_ = xdr.PutUint32(buf, uint32(a.Used/512))
	_ = xdr.PutUint32(buf, uint32(a.FSID))
	_ = xdr.PutUint32(buf, uint32(a.FileID))
	putTimeval(buf, a.Atime)
	putTimeval(buf, a.Mtime)
	putTimeval(buf, a.Ctime)
}

// typeModeBits folds the file type into the v2 mode word the way the
// protocol expects (the S_IF* bits ride along with the permissions).
func typeModeBits(t vfs.FileType) uint32 {
	switch t {
	case vfs.TypeDirectory:
		return 0o040000
	case vfs.TypeCharDev:
		return 0o020000
	case vfs.TypeBlockDev:
		return 0o060000
	case vfs.TypeSymlink:
		return 0o120000
	case vfs.TypeSocket:
		return 0o140000
	case vfs.TypeFIFO:
		return 0o010000
	default:
		return 0o100000
	}
}

// readSattr2 decodes the v2 sattr; 0xFFFFFFFF means "do not set".
func readSattr2(r *bytes.Reader) (*vfs.SetAttr, error) {
	const unset = 0xFFFFFFFF
	sa := &vfs.SetAttr{}

	words := make([]uint32, 8)
	for i := range words {
		v, err := xdr.Uint32(r)
		if err != nil {
			return nil, err
		}
		words[i] = v
	}

	if words[0] != unset {
		v := words[0] & 0o7777
		sa.Mode = &v
	}
	if words[1] != unset {
		sa.UID = &words[1]
	}
	if words[2] != unset {
		sa.GID = &words[2]
	}
	if words[3] != unset {
		v := uint64(words[3])
		sa.Size = &v
	}
	if words[4] != unset {
		t := time.Unix(int64(words[4]), int64(words[5])*1000)
		sa.Atime = &t
	}
	if words[6] != unset {
		t := time.Unix(int64(words[6]), int64(words[7])*1000)
		sa.Mtime = &t
	}
	return sa, nil
}

type resolved struct {
	export *exports.Export
	path   string
	rel    string
}

func (h *Handler) resolveHandle(fh []byte) (*resolved, uint32) {
	p, err := h.Handles.Resolve(fh)
	if err != nil {
		return nil, status.FromError(err)
	}
	ex, rel, err := h.Exports.Resolve(p)
	if err != nil {
		return nil, status.ErrStale
	}
	return &resolved{export: ex, path: p, rel: rel}, status.OK
}

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

func errReply(st uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	return buf.Bytes()
}

// attrReply encodes the common attrstat success: status then fattr.
func attrReply(a *vfs.Attr) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putFattr2(&buf, a)
	return buf.Bytes()
}

// diropReply encodes a diropres success: status, handle, fattr.
func (h *Handler) diropReply(res *resolved, a *vfs.Attr) ([]byte, uint32) {
	fh, err := h.Handles.Issue(res.path)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	_ = xdr.PutFixedOpaque(&buf, handle.PadV2(fh))
	putFattr2(&buf, a)
	return buf.Bytes(), rpc.AcceptSuccess
}

// dirop reads the (dir handle, name) argument pair.
func (h *Handler) dirop(r *bytes.Reader) (*resolved, *resolved, string, uint32, bool) {
	fh, err := readHandle2(r)
	if err != nil {
		return nil, nil, "", 0, false
	}
	name, err := xdr.String(r, maxName)
	if err != nil {
		return nil, nil, "", 0, false
	}

	dir, st := h.resolveHandle(fh)
	if st != status.OK {
		return nil, nil, name, st, true
	}
	p, err := h.Handles.Child(dir.path, name)
	if err != nil {
		return dir, nil, name, status.ErrAcces, true
	}
	ex, rel, err := h.Exports.Resolve(p)
	if err != nil {
		return dir, nil, name, status.ErrAcces, true
	}
	return dir, &resolved{export: ex, path: p, rel: rel}, name, status.OK, true
}

func logProc(name string, ctx *security.Context, st uint32) {
	logger.Debug("NFSv2 "+name, "status", st, "client", ctx.ClientIP, "uid", ctx.UID)
}

// ============================================================================
// Procedures
// ============================================================================

func (h *Handler) getattr(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	res, st := h.resolveHandle(fh)
	if st != status.OK {
		logProc("GETATTR", ctx, st)
		return errReply(st), rpc.AcceptSuccess
	}
	attr, err := h.stat(res)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	logProc("GETATTR", ctx, status.OK)
	return attrReply(attr), rpc.AcceptSuccess
}

func (h *Handler) setattr(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	sa, err := readSattr2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	if res.export.ReadOnly {
		return errReply(status.ErrROFS), rpc.AcceptSuccess
	}
	before, err := h.stat(res)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, res.path, before, security.PermWrite) && ctx.UID != before.UID {
		return errReply(status.ErrAcces), rpc.AcceptSuccess
	}

	attr, err := res.export.FS.SetAttr(res.rel, sa)
	h.Cache.Invalidate(res.path)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	logProc("SETATTR", ctx, status.OK)
	return attrReply(attr), rpc.AcceptSuccess
}

func (h *Handler) lookup(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, _, st, ok := h.dirop(r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	dirAttr, err := h.stat(dir)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, dir.path, dirAttr, security.PermExec) {
		return errReply(status.ErrAcces), rpc.AcceptSuccess
	}
	attr, err := h.stat(obj)
	if err != nil {
		logProc("LOOKUP", ctx, status.FromError(err))
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	logProc("LOOKUP", ctx, status.OK)
	return h.diropReply(obj, attr)
}

func (h *Handler) readlink(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	target, err := res.export.FS.Readlink(res.rel)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	_ = xdr.PutString(&buf, target)
	logProc("READLINK", ctx, status.OK)
	return buf.Bytes(), rpc.AcceptSuccess
}

func (h *Handler) read(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	offset, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	count, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	if _, err := xdr.Uint32(r); err != nil { // totalcount, unused
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	attr, err := h.stat(res)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if attr.Type == vfs.TypeDirectory {
		return errReply(status.ErrIsDir), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, res.path, attr, security.PermRead) {
		return errReply(status.ErrAcces), rpc.AcceptSuccess
	}

	if count > MaxData {
		count = MaxData
	}
	data := make([]byte, count)
	n, _, err := res.export.FS.Read(res.rel, uint64(offset), data)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	fresh, _ := res.export.FS.Stat(res.rel)
	if fresh == nil {
		fresh = attr
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putFattr2(&buf, fresh)
	_ = xdr.PutOpaque(&buf, data[:n])
	logProc("READ", ctx, status.OK)
	return buf.Bytes(), rpc.AcceptSuccess
}

func (h *Handler) write(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	if _, err := xdr.Uint32(r); err != nil { // beginoffset, unused
		return nil, rpc.AcceptGarbageArgs
	}
	offset, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	if _, err := xdr.Uint32(r); err != nil { // totalcount, unused
		return nil, rpc.AcceptGarbageArgs
	}
	data, err := xdr.Opaque(r, MaxData)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	if res.export.ReadOnly {
		return errReply(status.ErrROFS), rpc.AcceptSuccess
	}
	attr, err := h.stat(res)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, res.path, attr, security.PermWrite) {
		return errReply(status.ErrAcces), rpc.AcceptSuccess
	}

	// NFSv2 writes are always stable before the reply.
	if _, err := res.export.FS.Write(res.rel, uint64(offset), data, vfs.FileSync); err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	h.Cache.Invalidate(res.path)

	fresh, err := res.export.FS.Stat(res.rel)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	logProc("WRITE", ctx, status.OK)
	return attrReply(fresh), rpc.AcceptSuccess
}

func (h *Handler) create(ctx *security.Context, args []byte) ([]byte, uint32) {
	return h.makeNode(ctx, args, "CREATE", func(obj *resolved, sa *vfs.SetAttr) error {
		mode := uint32(0o644)
		if sa.Mode != nil {
			mode = *sa.Mode
		}
		_, err := obj.export.FS.Create(obj.rel, mode, false, 0)
		return err
	})
}

func (h *Handler) mkdir(ctx *security.Context, args []byte) ([]byte, uint32) {
	return h.makeNode(ctx, args, "MKDIR", func(obj *resolved, sa *vfs.SetAttr) error {
		mode := uint32(0o755)
		if sa.Mode != nil {
			mode = *sa.Mode
		}
		_, err := obj.export.FS.Mkdir(obj.rel, mode)
		return err
	})
}

// makeNode is the shared CREATE/MKDIR body: diropargs then sattr.
func (h *Handler) makeNode(ctx *security.Context, args []byte, opName string, build func(*resolved, *vfs.SetAttr) error) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, _, st, ok := h.dirop(r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	sa, err := readSattr2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	if dir.export.ReadOnly {
		return errReply(status.ErrROFS), rpc.AcceptSuccess
	}
	dirAttr, err := h.stat(dir)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, dir.path, dirAttr, security.PermWrite|security.PermExec) {
		return errReply(status.ErrAcces), rpc.AcceptSuccess
	}

	if err := build(obj, sa); err != nil {
		logProc(opName, ctx, status.FromError(err))
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	h.Cache.Invalidate(dir.path)
	_ = obj.export.FS.Chown(obj.rel, ctx.UID, ctx.GID)

	attr, err := obj.export.FS.Stat(obj.rel)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	logProc(opName, ctx, status.OK)
	return h.diropReply(obj, attr)
}

func (h *Handler) remove(ctx *security.Context, args []byte) ([]byte, uint32) {
	return h.unlink(ctx, args, "REMOVE", func(obj *resolved) error {
		return obj.export.FS.Remove(obj.rel)
	})
}

func (h *Handler) rmdir(ctx *security.Context, args []byte) ([]byte, uint32) {
	return h.unlink(ctx, args, "RMDIR", func(obj *resolved) error {
		return obj.export.FS.Rmdir(obj.rel)
	})
}

func (h *Handler) unlink(ctx *security.Context, args []byte, opName string, op func(*resolved) error) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, _, st, ok := h.dirop(r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	if dir.export.ReadOnly {
		return errReply(status.ErrROFS), rpc.AcceptSuccess
	}
	dirAttr, err := h.stat(dir)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, dir.path, dirAttr, security.PermWrite|security.PermExec) {
		return errReply(status.ErrAcces), rpc.AcceptSuccess
	}

	if err := op(obj); err != nil {
		logProc(opName, ctx, status.FromError(err))
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	h.Handles.EvictPath(obj.path)
	h.Cache.Invalidate(obj.path)
	h.Cache.Invalidate(dir.path)
	logProc(opName, ctx, status.OK)
	return errReply(status.OK), rpc.AcceptSuccess
}

func (h *Handler) rename(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	_, from, _, st, ok := h.dirop(r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	toDir, to, _, st, ok := h.dirop(r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	if from.export != to.export {
		return errReply(status.ErrXDev), rpc.AcceptSuccess
	}
	if toDir.export.ReadOnly {
		return errReply(status.ErrROFS), rpc.AcceptSuccess
	}

	replaced := false
	if _, err := to.export.FS.Stat(to.rel); err == nil {
		replaced = true
	}
	if err := from.export.FS.Rename(from.rel, to.rel); err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if replaced {
		h.Handles.EvictPath(to.path)
	}
	h.Handles.Rename(from.path, to.path)
	h.Cache.Invalidate(from.path)
	h.Cache.Invalidate(to.path)
	logProc("RENAME", ctx, status.OK)
	return errReply(status.OK), rpc.AcceptSuccess
}

func (h *Handler) link(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	file, st := h.resolveHandle(fh)
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	_, obj, _, st, ok := h.dirop(r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	if file.export != obj.export {
		return errReply(status.ErrXDev), rpc.AcceptSuccess
	}
	if obj.export.ReadOnly {
		return errReply(status.ErrROFS), rpc.AcceptSuccess
	}

	if err := file.export.FS.Link(file.rel, obj.rel); err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	h.Cache.Invalidate(file.path)
	logProc("LINK", ctx, status.OK)
	return errReply(status.OK), rpc.AcceptSuccess
}

func (h *Handler) symlink(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, _, st, ok := h.dirop(r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	target, err := xdr.String(r, maxPath)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	if _, err := readSattr2(r); err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	if dir.export.ReadOnly {
		return errReply(status.ErrROFS), rpc.AcceptSuccess
	}

	if _, err := obj.export.FS.Symlink(obj.rel, target); err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	h.Cache.Invalidate(dir.path)
	logProc("SYMLINK", ctx, status.OK)
	return errReply(status.OK), rpc.AcceptSuccess
}

func (h *Handler) readdir(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	cookieBytes, err := xdr.FixedOpaque(r, 4)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	count, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	cookie := uint32(cookieBytes[0])<<24 | uint32(cookieBytes[1])<<16 |
		uint32(cookieBytes[2])<<8 | uint32(cookieBytes[3])

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	attr, err := h.stat(res)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	if attr.Type != vfs.TypeDirectory {
		return errReply(status.ErrNotDir), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, res.path, attr, security.PermRead) {
		return errReply(status.ErrAcces), rpc.AcceptSuccess
	}

	entries, err := res.export.FS.ReadDir(res.rel)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	if cookie > uint32(len(entries)) {
		return errReply(status.ErrBadCookie), rpc.AcceptSuccess
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)

	budget := int(count)
	eof := true
	for i := int(cookie); i < len(entries); i++ {
		e := entries[i]
		entrySize := 4 + 4 + 4 + xdr.Pad(len(e.Name)) + 4
		if budget-entrySize < 0 {
			eof = false
			break
		}
		budget -= entrySize

		_ = xdr.PutBool(&buf, true)
		_ = xdr.PutUint32(&buf, uint32(e.FileID))
		_ = xdr.PutString(&buf, e.Name)
		_ = xdr.PutUint32(&buf, uint32(i+1))
	}
	_ = xdr.PutBool(&buf, false)
	_ = xdr.PutBool(&buf, eof)
	logProc("READDIR", ctx, status.OK)
	return buf.Bytes(), rpc.AcceptSuccess
}

func (h *Handler) statfs(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle2(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errReply(st), rpc.AcceptSuccess
	}
	fsstat, err := res.export.FS.StatFS(res.rel)
	if err != nil {
		return errReply(status.FromError(err)), rpc.AcceptSuccess
	}

	const bsize = 4096
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	_ = xdr.PutUint32(&buf, MaxData) // tsize
	_ = xdr.PutUint32(&buf, bsize)
	_ = xdr.PutUint32(&buf, uint32(fsstat.TotalBytes/bsize))
	_ = xdr.PutUint32(&buf, uint32(fsstat.FreeBytes/bsize))
	_ = xdr.PutUint32(&buf, uint32(fsstat.AvailBytes/bsize))
	logProc("STATFS", ctx, status.OK)
	return buf.Bytes(), rpc.AcceptSuccess
}
