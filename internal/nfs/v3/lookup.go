package v3

import (
	"bytes"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// getattr implements GETATTR (procedure 1).
func (h *Handler) getattr(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		logProc("GETATTR", ctx, st)
		return errorReply(st), rpc.AcceptSuccess
	}

	attr, err := h.stat(res)
	if err != nil {
		st = status.FromError(err)
		logProc("GETATTR", ctx, st, "path", res.path)
		return errorReply(st), rpc.AcceptSuccess
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putFattr3(&buf, attr)
	logProc("GETATTR", ctx, status.OK, "path", res.path)
	return buf.Bytes(), rpc.AcceptSuccess
}

// setattr implements SETATTR (procedure 2), including the optional
// ctime guard.
func (h *Handler) setattr(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	sa, err := readSattr3(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	guard, err := xdr.Bool(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	var guardTime int64
	if guard {
		t, err := readTime3(r)
		if err != nil {
			return nil, rpc.AcceptGarbageArgs
		}
		guardTime = t.Unix()
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithWcc(st), rpc.AcceptSuccess
	}
	if st := requireWritable(res); st != status.OK {
		return errorWithWcc(st), rpc.AcceptSuccess
	}

	before, err := res.export.FS.Stat(res.rel)
	if err != nil {
		return errorWithWcc(status.FromError(err)), rpc.AcceptSuccess
	}
	if guard && before.Ctime.Unix() != guardTime {
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, status.ErrNotSync)
		putWcc(&buf, before, before)
		return buf.Bytes(), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, res.path, before, security.PermWrite) && ctx.UID != before.UID {
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, status.ErrAcces)
		putWcc(&buf, before, before)
		return buf.Bytes(), rpc.AcceptSuccess
	}

	after, err := res.export.FS.SetAttr(res.rel, sa)
	h.invalidate(res)
	if err != nil {
		st = status.FromError(err)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, before, nil)
		logProc("SETATTR", ctx, st, "path", res.path)
		return buf.Bytes(), rpc.AcceptSuccess
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putWcc(&buf, before, after)
	logProc("SETATTR", ctx, status.OK, "path", res.path)
	return buf.Bytes(), rpc.AcceptSuccess
}

// lookup implements LOOKUP (procedure 3).
func (h *Handler) lookup(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	name, err := xdr.String(r, maxName)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	dir, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}
	dirAttr, err := h.stat(dir)
	if err != nil {
		return errorWithPostOp(status.FromError(err)), rpc.AcceptSuccess
	}
	if dirAttr.Type != vfs.TypeDirectory {
		return errorWithPostOp(status.ErrNotDir), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, dir.path, dirAttr, security.PermExec) {
		return errorWithPostOp(status.ErrAcces), rpc.AcceptSuccess
	}

	obj, st := h.child(dir, name)
	if st != status.OK {
		return lookupError(st, dirAttr), rpc.AcceptSuccess
	}
	objAttr, err := h.stat(obj)
	if err != nil {
		return lookupError(status.FromError(err), dirAttr), rpc.AcceptSuccess
	}

	objFH, err := h.Handles.Issue(obj.path)
	if err != nil {
		return lookupError(status.FromError(err), dirAttr), rpc.AcceptSuccess
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	_ = xdr.PutOpaque(&buf, objFH)
	putPostOp(&buf, objAttr) // object attributes
	putPostOp(&buf, dirAttr) // directory attributes
	logProc("LOOKUP", ctx, status.OK, "dir", dir.path, "name", name)
	return buf.Bytes(), rpc.AcceptSuccess
}

// lookupError builds the LOOKUP failure arm, which carries only the
// directory's post-op attributes.
func lookupError(st uint32, dirAttr *vfs.Attr) []byte {
	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, st)
	putPostOp(&buf, dirAttr)
	return buf.Bytes()
}

// ACCESS bit definitions (RFC 1813 Section 3.3.4).
const (
	accessRead    uint32 = 0x01
	accessLookup  uint32 = 0x02
	accessModify  uint32 = 0x04
	accessExtend  uint32 = 0x08
	accessDelete  uint32 = 0x10
	accessExecute uint32 = 0x20
)

// access implements ACCESS (procedure 4): report which of the requested
// access kinds this identity would be granted.
func (h *Handler) access(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	want, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}
	attr, err := h.stat(res)
	if err != nil {
		return errorWithPostOp(status.FromError(err)), rpc.AcceptSuccess
	}

	var granted uint32
	if h.Sec.Authorize(ctx, res.path, attr, security.PermRead) {
		granted |= accessRead
	}
	if h.Sec.Authorize(ctx, res.path, attr, security.PermExec) {
		granted |= accessLookup | accessExecute
	}
	if !res.export.ReadOnly && h.Sec.Authorize(ctx, res.path, attr, security.PermWrite) {
		granted |= accessModify | accessExtend | accessDelete
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutUint32(&buf, granted&want)
	logProc("ACCESS", ctx, status.OK, "path", res.path, "granted", granted&want)
	return buf.Bytes(), rpc.AcceptSuccess
}

// readlink implements READLINK (procedure 5).
func (h *Handler) readlink(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}

	target, err := res.export.FS.Readlink(res.rel)
	if err != nil {
		return errorWithPostOp(status.FromError(err)), rpc.AcceptSuccess
	}
	attr, _ := h.stat(res)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutString(&buf, target)
	logProc("READLINK", ctx, status.OK, "path", res.path)
	return buf.Bytes(), rpc.AcceptSuccess
}
