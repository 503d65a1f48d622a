package v3

import (
	"bytes"
	"encoding/binary"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// CREATE modes (RFC 1813 Section 3.3.8).
const (
	createUnchecked uint32 = 0
	createGuarded   uint32 = 1
	createExclusive uint32 = 2
)

// dirOpSetup resolves a (dir handle, name) argument pair and performs
// the checks shared by every directory-mutating procedure.
func (h *Handler) dirOpSetup(ctx *security.Context, r *bytes.Reader) (*resolved, *resolved, string, uint32, bool) {
	fh, err := readHandle(r)
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
	if st := requireWritable(dir); st != status.OK {
		return dir, nil, name, st, true
	}

	dirAttr, err := h.stat(dir)
	if err != nil {
		return dir, nil, name, status.FromError(err), true
	}
	if dirAttr.Type != vfs.TypeDirectory {
		return dir, nil, name, status.ErrNotDir, true
	}
	if !h.Sec.Authorize(ctx, dir.path, dirAttr, security.PermWrite|security.PermExec) {
		return dir, nil, name, status.ErrAcces, true
	}

	obj, st := h.child(dir, name)
	if st != status.OK {
		return dir, nil, name, st, true
	}
	return dir, obj, name, status.OK, true
}

// createResult encodes the shared success shape of CREATE/MKDIR/SYMLINK:
// optional handle, optional attributes, directory wcc.
func (h *Handler) createResult(dir, obj *resolved, before *vfs.Attr) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)

	if fh, err := h.Handles.Issue(obj.path); err == nil {
		putHandle(&buf, fh)
	} else {
		_ = xdr.PutBool(&buf, false)
	}
	attr, err := obj.export.FS.Stat(obj.rel)
	if err == nil {
		putPostOp(&buf, attr)
	} else {
		_ = xdr.PutBool(&buf, false)
	}

	after, _ := dir.export.FS.Stat(dir.rel)
	putWcc(&buf, before, after)
	return buf.Bytes()
}

// create implements CREATE (procedure 8) with UNCHECKED, GUARDED and
// EXCLUSIVE semantics.
func (h *Handler) create(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, name, st, ok := h.dirOpSetup(ctx, r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errorWithWcc(st), rpc.AcceptSuccess
	}

	mode, err := xdr.Uint32(r)
	if err != nil || mode > createExclusive {
		return nil, rpc.AcceptGarbageArgs
	}

	var perm uint32 = 0o644
	var verf uint64
	switch mode {
	case createUnchecked, createGuarded:
		sa, err := readSattr3(r)
		if err != nil {
			return nil, rpc.AcceptGarbageArgs
		}
		if sa.Mode != nil {
			perm = *sa.Mode
		}
	case createExclusive:
		var vbuf [8]byte
		if _, err := r.Read(vbuf[:]); err != nil {
			return nil, rpc.AcceptGarbageArgs
		}
		verf = binary.BigEndian.Uint64(vbuf[:])
	}

	before, _ := dir.export.FS.Stat(dir.rel)
	excl := mode != createUnchecked
	_, err = obj.export.FS.Create(obj.rel, perm, excl, verf)
	h.invalidate(obj)
	if err != nil {
		st = status.FromError(err)
		logProc("CREATE", ctx, st, "dir", dir.path, "name", name)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, before, nil)
		return buf.Bytes(), rpc.AcceptSuccess
	}
	_ = obj.export.FS.Chown(obj.rel, ctx.UID, ctx.GID)

	logProc("CREATE", ctx, status.OK, "dir", dir.path, "name", name)
	return h.createResult(dir, obj, before), rpc.AcceptSuccess
}

// mkdir implements MKDIR (procedure 9).
func (h *Handler) mkdir(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, name, st, ok := h.dirOpSetup(ctx, r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errorWithWcc(st), rpc.AcceptSuccess
	}
	sa, err := readSattr3(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	perm := uint32(0o755)
	if sa.Mode != nil {
		perm = *sa.Mode
	}

	before, _ := dir.export.FS.Stat(dir.rel)
	if _, err := obj.export.FS.Mkdir(obj.rel, perm); err != nil {
		st = status.FromError(err)
		logProc("MKDIR", ctx, st, "dir", dir.path, "name", name)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, before, nil)
		return buf.Bytes(), rpc.AcceptSuccess
	}
	h.invalidate(obj)
	_ = obj.export.FS.Chown(obj.rel, ctx.UID, ctx.GID)

	logProc("MKDIR", ctx, status.OK, "dir", dir.path, "name", name)
	return h.createResult(dir, obj, before), rpc.AcceptSuccess
}

// symlink implements SYMLINK (procedure 10).
func (h *Handler) symlink(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, name, st, ok := h.dirOpSetup(ctx, r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errorWithWcc(st), rpc.AcceptSuccess
	}
	if _, err := readSattr3(r); err != nil { // symlink attributes, advisory
		return nil, rpc.AcceptGarbageArgs
	}
	target, err := xdr.String(r, 1024)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	before, _ := dir.export.FS.Stat(dir.rel)
	if _, err := obj.export.FS.Symlink(obj.rel, target); err != nil {
		st = status.FromError(err)
		logProc("SYMLINK", ctx, st, "dir", dir.path, "name", name)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, before, nil)
		return buf.Bytes(), rpc.AcceptSuccess
	}
	h.invalidate(obj)

	logProc("SYMLINK", ctx, status.OK, "dir", dir.path, "name", name, "target", target)
	return h.createResult(dir, obj, before), rpc.AcceptSuccess
}

// mknod implements MKNOD (procedure 11). Device and special nodes are
// not served from exported trees; the procedure exists so clients get a
// proper NOTSUPP rather than PROC_UNAVAIL.
func (h *Handler) mknod(ctx *security.Context, args []byte) ([]byte, uint32) {
	logProc("MKNOD", ctx, status.ErrNotSupp)
	return errorWithWcc(status.ErrNotSupp), rpc.AcceptSuccess
}

// remove implements REMOVE (procedure 12).
func (h *Handler) remove(ctx *security.Context, args []byte) ([]byte, uint32) {
	return h.removeCommon(ctx, args, "REMOVE", func(res *resolved) error {
		return res.export.FS.Remove(res.rel)
	})
}

// rmdir implements RMDIR (procedure 13).
func (h *Handler) rmdir(ctx *security.Context, args []byte) ([]byte, uint32) {
	return h.removeCommon(ctx, args, "RMDIR", func(res *resolved) error {
		return res.export.FS.Rmdir(res.rel)
	})
}

// removeCommon is the shared body of REMOVE and RMDIR: on success the
// object's handle must be evicted so later use of it reports staleness.
func (h *Handler) removeCommon(ctx *security.Context, args []byte, opName string, op func(*resolved) error) ([]byte, uint32) {
	r := bytes.NewReader(args)
	dir, obj, name, st, ok := h.dirOpSetup(ctx, r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errorWithWcc(st), rpc.AcceptSuccess
	}

	before, _ := dir.export.FS.Stat(dir.rel)
	if err := op(obj); err != nil {
		st = status.FromError(err)
		logProc(opName, ctx, st, "dir", dir.path, "name", name)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, before, nil)
		return buf.Bytes(), rpc.AcceptSuccess
	}

	h.Handles.EvictPath(obj.path)
	h.invalidate(obj)
	after, _ := dir.export.FS.Stat(dir.rel)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putWcc(&buf, before, after)
	logProc(opName, ctx, status.OK, "dir", dir.path, "name", name)
	return buf.Bytes(), rpc.AcceptSuccess
}

// rename implements RENAME (procedure 14). A rename that replaces an
// existing target evicts the target's handle; the moved object keeps
// its handle under the new name.
func (h *Handler) rename(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fromDir, fromObj, fromName, st, ok := h.dirOpSetup(ctx, r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return renameError(st), rpc.AcceptSuccess
	}
	toDir, toObj, toName, st, ok := h.dirOpSetup(ctx, r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return renameError(st), rpc.AcceptSuccess
	}
	if fromDir.export != toDir.export {
		return renameError(status.ErrXDev), rpc.AcceptSuccess
	}

	fromBefore, _ := fromDir.export.FS.Stat(fromDir.rel)
	toBefore, _ := toDir.export.FS.Stat(toDir.rel)

	// Replacing an existing target removes that object.
	replaced := false
	if _, err := toObj.export.FS.Stat(toObj.rel); err == nil {
		replaced = true
	}

	if err := fromDir.export.FS.Rename(fromObj.rel, toObj.rel); err != nil {
		st = status.FromError(err)
		logProc("RENAME", ctx, st, "from", fromObj.path, "to", toObj.path)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, fromBefore, nil)
		putWcc(&buf, toBefore, nil)
		return buf.Bytes(), rpc.AcceptSuccess
	}

	if replaced {
		h.Handles.EvictPath(toObj.path)
	}
	h.Handles.Rename(fromObj.path, toObj.path)
	h.invalidate(fromObj)
	h.invalidate(toObj)

	fromAfter, _ := fromDir.export.FS.Stat(fromDir.rel)
	toAfter, _ := toDir.export.FS.Stat(toDir.rel)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putWcc(&buf, fromBefore, fromAfter)
	putWcc(&buf, toBefore, toAfter)
	logProc("RENAME", ctx, status.OK, "from", fromName, "to", toName)
	return buf.Bytes(), rpc.AcceptSuccess
}

func renameError(st uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	for range 2 { // fromdir_wcc, todir_wcc
		_ = xdr.PutBool(&buf, false)
		_ = xdr.PutBool(&buf, false)
	}
	return buf.Bytes()
}

// link implements LINK (procedure 15).
func (h *Handler) link(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fileFH, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	file, st := h.resolveHandle(fileFH)
	if st != status.OK {
		return linkError(st), rpc.AcceptSuccess
	}
	dir, obj, name, st, ok := h.dirOpSetup(ctx, r)
	if !ok {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return linkError(st), rpc.AcceptSuccess
	}
	if file.export != dir.export {
		return linkError(status.ErrXDev), rpc.AcceptSuccess
	}

	before, _ := dir.export.FS.Stat(dir.rel)
	if err := file.export.FS.Link(file.rel, obj.rel); err != nil {
		st = status.FromError(err)
		logProc("LINK", ctx, st, "file", file.path, "name", name)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		_ = xdr.PutBool(&buf, false) // file_attributes absent
		putWcc(&buf, before, nil)
		return buf.Bytes(), rpc.AcceptSuccess
	}
	h.invalidate(file)
	h.invalidate(obj)

	attr, _ := file.export.FS.Stat(file.rel)
	after, _ := dir.export.FS.Stat(dir.rel)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	putWcc(&buf, before, after)
	logProc("LINK", ctx, status.OK, "file", file.path, "name", name)
	return buf.Bytes(), rpc.AcceptSuccess
}

func linkError(st uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	_ = xdr.PutBool(&buf, false) // file_attributes
	_ = xdr.PutBool(&buf, false) // linkdir wcc before
	_ = xdr.PutBool(&buf, false) // linkdir wcc after
	return buf.Bytes()
}
