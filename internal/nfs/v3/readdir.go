package v3

import (
	"bytes"
	"sort"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// Directory pagination. Entries are listed in sorted order and the
// cookie is the 1-based position of the last entry returned, so a
// cookie from a prior reply resumes strictly after that entry. The
// cookie verifier is derived from the directory's mtime: a mutation
// between calls changes it and the client restarts the listing.

func dirVerifier(attr *vfs.Attr) uint64 {
	if attr == nil {
		return 0
	}
	return uint64(attr.Mtime.UnixNano())
}

// readdirSetup decodes the shared argument prefix and resolves the
// directory. decodeOK is false only for undecodable arguments, which
// the callers turn into GARBAGE_ARGS.
func (h *Handler) readdirSetup(ctx *security.Context, r *bytes.Reader) (*resolved, *vfs.Attr, []vfs.DirEntry, uint64, uint64, uint32, bool) {
	fh, err := readHandle(r)
	if err != nil {
		return nil, nil, nil, 0, 0, 0, false
	}
	cookie, err := xdr.Uint64(r)
	if err != nil {
		return nil, nil, nil, 0, 0, 0, false
	}
	verf, err := xdr.Uint64(r)
	if err != nil {
		return nil, nil, nil, 0, 0, 0, false
	}

	res, st := h.resolveHandle(fh)
	if st != status.OK {
		return nil, nil, nil, 0, 0, st, true
	}
	attr, err := h.stat(res)
	if err != nil {
		return nil, nil, nil, 0, 0, status.FromError(err), true
	}
	if attr.Type != vfs.TypeDirectory {
		return nil, nil, nil, 0, 0, status.ErrNotDir, true
	}
	if !h.Sec.Authorize(ctx, res.path, attr, security.PermRead) {
		return nil, nil, nil, 0, 0, status.ErrAcces, true
	}

	entries, err := res.export.FS.ReadDir(res.rel)
	if err != nil {
		return nil, nil, nil, 0, 0, status.FromError(err), true
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	// A resumed listing must present the verifier from the first call;
	// a mutated directory invalidates outstanding cookies.
	if cookie != 0 && verf != dirVerifier(attr) {
		return nil, nil, nil, 0, 0, status.ErrBadCookie, true
	}
	if cookie > uint64(len(entries)) {
		return nil, nil, nil, 0, 0, status.ErrBadCookie, true
	}

	return res, attr, entries, cookie, dirVerifier(attr), status.OK, true
}

// readdir implements READDIR (procedure 16).
func (h *Handler) readdir(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	res, attr, entries, cookie, verf, st, decodeOK := h.readdirSetup(ctx, r)
	if !decodeOK {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}
	count, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutUint64(&buf, verf)

	// Each encoded entry costs roughly the fixed fields plus the padded
	// name; stop before exceeding the client's count.
	budget := int(count)
	eof := true
	for i := int(cookie); i < len(entries); i++ {
		e := entries[i]
		entrySize := 4 + 8 + 8 + 4 + xdr.Pad(len(e.Name))
		if budget-entrySize < 0 {
			eof = false
			break
		}
		budget -= entrySize

		_ = xdr.PutBool(&buf, true)
		_ = xdr.PutUint64(&buf, e.FileID)
		_ = xdr.PutString(&buf, e.Name)
		_ = xdr.PutUint64(&buf, uint64(i+1)) // cookie: resume after me
	}
	_ = xdr.PutBool(&buf, false)
	_ = xdr.PutBool(&buf, eof)

	logProc("READDIR", ctx, status.OK, "dir", res.path, "cookie", cookie, "eof", eof)
	return buf.Bytes(), rpc.AcceptSuccess
}

// readdirplus implements READDIRPLUS (procedure 17): the listing plus
// per-entry attributes and handles.
func (h *Handler) readdirplus(ctx *security.Context, args []byte) ([]byte, uint32) {
	r := bytes.NewReader(args)
	res, attr, entries, cookie, verf, st, decodeOK := h.readdirSetup(ctx, r)
	if !decodeOK {
		return nil, rpc.AcceptGarbageArgs
	}
	if st != status.OK {
		return errorWithPostOp(st), rpc.AcceptSuccess
	}
	if _, err := xdr.Uint32(r); err != nil { // dircount, subsumed by maxcount
		return nil, rpc.AcceptGarbageArgs
	}
	maxcount, err := xdr.Uint32(r)
	if err != nil {
		return nil, rpc.AcceptGarbageArgs
	}

	var buf bytes.Buffer
	_ = xdr.PutUint32(&buf, status.OK)
	putPostOp(&buf, attr)
	_ = xdr.PutUint64(&buf, verf)

	budget := int(maxcount)
	eof := true
	for i := int(cookie); i < len(entries); i++ {
		e := entries[i]
		// Fixed fields, padded name, fattr3 (84 bytes), and the
		// handle option (bool + length + 20-byte handle).
		entrySize := 4 + 8 + 8 + 4 + xdr.Pad(len(e.Name)) + 4 + 84 + 28
		if budget-entrySize < 0 {
			eof = false
			break
		}
		budget -= entrySize

		_ = xdr.PutBool(&buf, true)
		_ = xdr.PutUint64(&buf, e.FileID)
		_ = xdr.PutString(&buf, e.Name)
		_ = xdr.PutUint64(&buf, uint64(i+1))

		child, st := h.child(res, e.Name)
		if st != status.OK {
			_ = xdr.PutBool(&buf, false) // name_attributes
			_ = xdr.PutBool(&buf, false) // name_handle
			continue
		}
		childAttr, err := h.stat(child)
		if err != nil {
			putPostOp(&buf, nil)
		} else {
			putPostOp(&buf, childAttr)
		}
		if fh, err := h.Handles.Issue(child.path); err == nil {
			putHandle(&buf, fh)
		} else {
			_ = xdr.PutBool(&buf, false)
		}
	}
	_ = xdr.PutBool(&buf, false)
	_ = xdr.PutBool(&buf, eof)

	logProc("READDIRPLUS", ctx, status.OK, "dir", res.path, "cookie", cookie, "eof", eof)
	return buf.Bytes(), rpc.AcceptSuccess
}
