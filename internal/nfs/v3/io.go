package v3

import (
	"bytes"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// Stability levels on the wire (RFC 1813 Section 3.3.7).
const (
	unstable uint32 = 0
	dataSync uint32 = 1
	fileSync uint32 = 2
)

// read implements READ (procedure 6).
func (h *Handler) read(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	offset, err := xdr.Uint64(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	count, err := xdr.Uint32(r)
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
	if attr.Type == vfs.TypeDirectory {
		return errorWithPostOp(status.ErrIsDir), rpc.AcceptSuccess
	}
	if !h.Sec.Authorize(ctx, res.path, attr, security.PermRead) {
		return errorWithPostOp(status.ErrAcces), rpc.AcceptSuccess
	}

	if count > h.ReadMax {
		count = h.ReadMax
	}
	data := make([]byte, count)
	n, eof, err := res.export.FS.Read(res.rel, offset, data)
	if err != nil {
		return errorWithPostOp(status.FromError(err)), rpc.AcceptSuccess
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutUint32(&buf, uint32(n))
	_ = xdr.PutBool(&buf, eof)
	_ = xdr.PutOpaque(&buf, data[:n])
	logProc("READ", ctx, status.OK, "path", res.path, "offset", offset, "count", n, "eof", eof)
	return buf.Bytes(), rpc.AcceptSuccess
}

// write implements WRITE (procedure 7). DATA_SYNC and FILE_SYNC are
// durable before the reply; UNSTABLE may buffer until COMMIT. The
// write verifier lets clients detect a restart that lost buffered
// unstable data.
func (h *Handler) write(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	offset, err := xdr.Uint64(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	if _, err = xdr.Uint32(r); err != nil { // count, implied by data
		return nil, rpc.AcceptGarbageArgs
	}
	stable, err := xdr.Uint32(r)
	if err != nil || stable > fileSync {
		return nil, rpc.AcceptGarbageArgs
	}
	data, err := xdr.Opaque(r, int(h.WriteMax))
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
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
	if !h.Sec.Authorize(ctx, res.path, before, security.PermWrite) {
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, status.ErrAcces)
		putWcc(&buf, before, before)
		return buf.Bytes(), rpc.AcceptSuccess
	}

	how := vfs.Unstable
	switch stable {
	case dataSync:
		how = vfs.DataSync
	case fileSync:
		how = vfs.FileSync
	}

	n, err := res.export.FS.Write(res.rel, offset, data, how)
	h.invalidate(res)
	if err != nil {
		st = status.FromError(err)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, before, nil)
		logProc("WRITE", ctx, st, "path", res.path)
		return buf.Bytes(), rpc.AcceptSuccess
	}
	after, _ := res.export.FS.Stat(res.rel)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putWcc(&buf, before, after)
	_ = xdr.PutUint32(&buf, uint32(n))
	_ = xdr.PutUint32(&buf, stable)
	_ = xdr.PutUint64(&buf, h.WriteVerf)
	logProc("WRITE", ctx, status.OK, "path", res.path, "offset", offset, "count", n, "stable", stable)
	return buf.Bytes(), rpc.AcceptSuccess
}

// commit implements COMMIT (procedure 21): flush previously unstable
// writes and return the verifier the client compares against.
func (h *Handler) commit(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}
	if _, err = xdr.Uint64(r); err != nil { // offset, advisory
		return nil, rpc.AcceptGarbageArgs
	}
	if _, err = xdr.Uint32(r); err != nil { // count, advisory
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithWcc(st), rpc.AcceptSuccess
	}

	before, _ := res.export.FS.Stat(res.rel)
	if err := res.export.FS.Commit(res.rel); err != nil {
		st = status.FromError(err)
		var buf bytes.Buffer
		_ = xdr.PutUint32(&buf, st)
		putWcc(&buf, before, nil)
		return buf.Bytes(), rpc.AcceptSuccess
	}
	after, _ := res.export.FS.Stat(res.rel)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putWcc(&buf, before, after)
	_ = xdr.PutUint64(&buf, h.WriteVerf)
	logProc("COMMIT", ctx, status.OK, "path", res.path)
	return buf.Bytes(), rpc.AcceptSuccess
}
