package v3

import (
	"bytes"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/xdr"
)

// fsstat implements FSSTAT (procedure 18).
func (h *Handler) fsstat(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}
	attr, _ := h.stat(res)

	fsstat, err := res.export.FS.StatFS(res.rel)
	if err != nil {
		return errorWithPostOp(status.FromError(err)), rpc.AcceptSuccess
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutUint64(&buf, fsstat.TotalBytes)
	_ = xdr.PutUint64(&buf, fsstat.FreeBytes)
	_ = xdr.PutUint64(&buf, fsstat.AvailBytes)
	_ = xdr.PutUint64(&buf, fsstat.TotalFiles)
	_ = xdr.PutUint64(&buf, fsstat.FreeFiles)
	_ = xdr.PutUint64(&buf, fsstat.AvailFiles)
	_ = xdr.PutUint32(&buf, 0) // invarsec
	logProc("FSSTAT", ctx, status.OK, "path", res.path)
	return buf.Bytes(), rpc.AcceptSuccess
}

// FSINFO property bits (RFC 1813 Section 3.3.19).
const (
	fsfLink     uint32 = 0x1
	fsfSymlink  uint32 = 0x2
	fsfHomog    uint32 = 0x8
	fsfCansettm uint32 = 0x10
)

// fsinfo implements FSINFO (procedure 19), advertising transfer limits
// and static filesystem properties.
func (h *Handler) fsinfo(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}
	attr, _ := h.stat(res)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutUint32(&buf, h.ReadMax)    // rtmax
	_ = xdr.PutUint32(&buf, h.ReadMax)    // rtpref
	_ = xdr.PutUint32(&buf, 4096)         // rtmult
	_ = xdr.PutUint32(&buf, h.WriteMax)   // wtmax
	_ = xdr.PutUint32(&buf, h.WriteMax)   // wtpref
	_ = xdr.PutUint32(&buf, 4096)         // wtmult
	_ = xdr.PutUint32(&buf, h.ReadMax)    // dtpref
	_ = xdr.PutUint64(&buf, 1<<63)        // maxfilesize
	_ = xdr.PutUint32(&buf, 0)            // time_delta seconds
	_ = xdr.PutUint32(&buf, 1)            // time_delta nseconds
	_ = xdr.PutUint32(&buf, fsfLink|fsfSymlink|fsfHomog|fsfCansettm)
	logProc("FSINFO", ctx, status.OK, "path", res.path)
	return buf.Bytes(), rpc.AcceptSuccess
}

// pathconf implements PATHCONF (procedure 20).
func (h *Handler) pathconf(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	fh, err := readHandle(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}
	attr, _ := h.stat(res)

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutUint32(&buf, 0)       // linkmax: unknown, clients assume large
	_ = xdr.PutUint32(&buf, maxName) // name_max
	_ = xdr.PutBool(&buf, true)      // no_trunc
	_ = xdr.PutBool(&buf, true)      // chown_restricted
	_ = xdr.PutBool(&buf, false)     // case_insensitive
	_ = xdr.PutBool(&buf, true)      // case_preserving
	logProc("PATHCONF", ctx, status.OK, "path", res.path)
	return buf.Bytes(), rpc.AcceptSuccess
}
