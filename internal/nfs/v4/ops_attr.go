package v4

import (
	"bytes"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/xdr"
)

// opGetattr returns the requested attributes of the current object.
func (h *Handler) opGetattr(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	requested, err := readBitmap(r)
	if err != nil {
		return ErrBadXDR
	}

	res, s := h.current(st)
	if s != OK {
		return s
	}
	attr, err := h.stat(res)
	if err != nil {
		return mapError(err)
	}

	h.encodeAttrs(buf, requested, attr, st.cur)
	return OK
}

// opSetattr applies the requested attribute changes and reports the
// bits actually set.
func (h *Handler) opSetattr(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	// stateid4: consumed but unused; size changes via special stateids
	// are permitted.
	if _, err := xdr.FixedOpaque(r, 16); err != nil {
		return ErrBadXDR
	}
	sa, applied, s := decodeSetAttrs(r)
	if s != OK {
		// The failure arm still carries the (empty) attrsset bitmap.
		putBitmap(buf, nil)
		return s
	}

	res, s := h.current(st)
	if s != OK {
		putBitmap(buf, nil)
		return s
	}
	if res.export.ReadOnly {
		putBitmap(buf, nil)
		return status.ErrROFS
	}
	attr, err := h.stat(res)
	if err != nil {
		putBitmap(buf, nil)
		return mapError(err)
	}
	if !h.Sec.Authorize(st.ctx, res.path, attr, security.PermWrite) && st.ctx.UID != attr.UID {
		putBitmap(buf, nil)
		return status.ErrAcces
	}

	if _, err := res.export.FS.SetAttr(res.rel, sa); err != nil {
		putBitmap(buf, nil)
		return mapError(err)
	}
	h.invalidate(res)

	putBitmap(buf, applied)
	return OK
}

// compareAttrs reports whether the presented fattr4 matches the
// object's current values for the attributes it mentions. Only the
// attributes this server can compare are accepted.
func (h *Handler) compareAttrs(st *compoundState, r *bytes.Reader) (bool, uint32) {
	requested, err := readBitmap(r)
	if err != nil {
		return false, ErrBadXDR
	}
	vals, err := xdr.Opaque(r, 0)
	if err != nil {
		return false, ErrBadXDR
	}

	res, s := h.current(st)
	if s != OK {
		return false, s
	}
	attr, err := h.stat(res)
	if err != nil {
		return false, mapError(err)
	}

	// Re-encode our own values for the same bitmap and compare the
	// packed bytes; any unsupported requested bit fails the operation.
	for bit := 0; bit < 64; bit++ {
		if bitSet(requested, bit) && !bitSet(supportedMask[:], bit) {
			return false, ErrAttrNotSupp
		}
	}
	var mine bytes.Buffer
	h.encodeAttrs(&mine, requested, attr, st.cur)

	// encodeAttrs wrote bitmap + opaque; strip to the value bytes.
	mr := bytes.NewReader(mine.Bytes())
	if _, err := readBitmap(mr); err != nil {
		return false, ErrServerFault
	}
	myVals, err := xdr.Opaque(mr, 0)
	if err != nil {
		return false, ErrServerFault
	}

	return bytes.Equal(myVals, vals), OK
}

// opVerify succeeds only when the presented attributes match.
func (h *Handler) opVerify(st *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	same, s := h.compareAttrs(st, r)
	if s != OK {
		return s
	}
	if !same {
		return ErrNotSame
	}
	return OK
}

// opNverify succeeds only when the presented attributes differ.
func (h *Handler) opNverify(st *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	same, s := h.compareAttrs(st, r)
	if s != OK {
		return s
	}
	if same {
		return ErrSame
	}
	return OK
}

// ACCESS bits (RFC 7530 Section 16.1).
const (
	access4Read    uint32 = 0x01
	access4Lookup  uint32 = 0x02
	access4Modify  uint32 = 0x04
	access4Extend  uint32 = 0x08
	access4Delete  uint32 = 0x10
	access4Execute uint32 = 0x20
)

// opAccess reports the access kinds the caller would be granted.
func (h *Handler) opAccess(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	want, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}

	res, s := h.current(st)
	if s != OK {
		return s
	}
	attr, err := h.stat(res)
	if err != nil {
		return mapError(err)
	}

	var supported uint32 = access4Read | access4Lookup | access4Modify |
		access4Extend | access4Delete | access4Execute
	var granted uint32
	if h.Sec.Authorize(st.ctx, res.path, attr, security.PermRead) {
		granted |= access4Read
	}
	if h.Sec.Authorize(st.ctx, res.path, attr, security.PermExec) {
		granted |= access4Lookup | access4Execute
	}
	if !res.export.ReadOnly && h.Sec.Authorize(st.ctx, res.path, attr, security.PermWrite) {
		granted |= access4Modify | access4Extend | access4Delete
	}

	_ = xdr.PutUint32(buf, supported&want)
	_ = xdr.PutUint32(buf, granted&want)
	return OK
}

// opReadlink returns the symlink target of the current object.
func (h *Handler) opReadlink(st *compoundState, _ *bytes.Reader, buf *bytes.Buffer) uint32 {
	res, s := h.current(st)
	if s != OK {
		return s
	}
	target, err := res.export.FS.Readlink(res.rel)
	if err != nil {
		return mapError(err)
	}
	_ = xdr.PutString(buf, target)
	return OK
}
