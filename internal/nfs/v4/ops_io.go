package v4

import (
	"bytes"
	"encoding/binary"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/openstate"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// Stateids. The seqid word is followed by 12 opaque bytes; this server
// packs the open-state id into the first 8. The all-zero and all-one
// special stateids perform anonymous I/O (RFC 7530 Section 9.1.4.3).

type stateid struct {
	seq   uint32
	other [12]byte
}

func readStateid(r *bytes.Reader) (stateid, error) {
	var sid stateid
	seq, err := xdr.Uint32(r)
	if err != nil {
		return sid, err
	}
	other, err := xdr.FixedOpaque(r, 12)
	if err != nil {
		return sid, err
	}
	sid.seq = seq
	copy(sid.other[:], other)
	return sid, nil
}

func putStateid(buf *bytes.Buffer, sid stateid) {
	_ = xdr.PutUint32(buf, sid.seq)
	_ = xdr.PutFixedOpaque(buf, sid.other[:])
}

func (s stateid) special() bool {
	allZero, allOne := s.seq == 0, s.seq == 0xFFFFFFFF
	for _, b := range s.other {
		if b != 0 {
			allZero = false
		}
		if b != 0xFF {
			allOne = false
		}
	}
	return allZero || allOne
}

func (s stateid) openID() uint64 {
	return binary.BigEndian.Uint64(s.other[:8])
}

func stateidFor(openID uint64) stateid {
	var sid stateid
	sid.seq = 1
	binary.BigEndian.PutUint64(sid.other[:8], openID)
	return sid
}

// checkStateid admits special stateids and verifies owned ones against
// the open-state tracker.
func (h *Handler) checkStateid(sid stateid, clientID string) uint32 {
	if sid.special() {
		return OK
	}
	open, ok := h.Opens.Get(sid.openID())
	if !ok {
		return ErrBadStateid
	}
	if open.ClientID != clientID {
		return ErrBadStateid
	}
	h.Opens.Touch(open.ID)
	return OK
}

// opRead returns up to count bytes from the current file.
func (h *Handler) opRead(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	sid, err := readStateid(r)
	if err != nil {
		return ErrBadXDR
	}
	offset, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	count, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}

	res, s := h.current(st)
	if s != OK {
		return s
	}
	if s := h.checkStateid(sid, st.ctx.ClientIP); s != OK {
		return s
	}
	attr, err := h.stat(res)
	if err != nil {
		return mapError(err)
	}
	if attr.Type == vfs.TypeDirectory {
		return status.ErrIsDir
	}
	if !h.Sec.Authorize(st.ctx, res.path, attr, security.PermRead) {
		return status.ErrAcces
	}

	if count > h.ReadMax {
		count = h.ReadMax
	}
	data := make([]byte, count)
	n, eof, err := res.export.FS.Read(res.rel, offset, data)
	if err != nil {
		return mapError(err)
	}

	_ = xdr.PutBool(buf, eof)
	_ = xdr.PutOpaque(buf, data[:n])
	return OK
}

// opWrite writes data at the given offset with the requested stability.
func (h *Handler) opWrite(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	sid, err := readStateid(r)
	if err != nil {
		return ErrBadXDR
	}
	offset, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	stable, err := xdr.Uint32(r)
	if err != nil || stable > 2 {
		return ErrBadXDR
	}
	data, err := xdr.Opaque(r, int(h.WriteMax))
	if err != nil {
		return ErrBadXDR
	}

	res, s := h.current(st)
	if s != OK {
		return s
	}
	if s := h.checkStateid(sid, st.ctx.ClientIP); s != OK {
		return s
	}
	if res.export.ReadOnly {
		return status.ErrROFS
	}
	attr, err := h.stat(res)
	if err != nil {
		return mapError(err)
	}
	if !h.Sec.Authorize(st.ctx, res.path, attr, security.PermWrite) {
		return status.ErrAcces
	}

	how := vfs.Unstable
	switch stable {
	case 1:
		how = vfs.DataSync
	case 2:
		how = vfs.FileSync
	}
	n, err := res.export.FS.Write(res.rel, offset, data, how)
	if err != nil {
		return mapError(err)
	}
	h.invalidate(res)

	_ = xdr.PutUint32(buf, uint32(n))
	_ = xdr.PutUint32(buf, stable)
	_ = xdr.PutUint64(buf, h.WriteVerf)
	return OK
}

// opCommit flushes unstable writes on the current file.
func (h *Handler) opCommit(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	if _, err := xdr.Uint64(r); err != nil { // offset, advisory
		return ErrBadXDR
	}
	if _, err := xdr.Uint32(r); err != nil { // count, advisory
		return ErrBadXDR
	}

	res, s := h.current(st)
	if s != OK {
		return s
	}
	if err := res.export.FS.Commit(res.rel); err != nil {
		return mapError(err)
	}
	_ = xdr.PutUint64(buf, h.WriteVerf)
	return OK
}

// OPEN claim and create discriminants (RFC 7530 Section 16.16).
const (
	claimNull     uint32 = 0
	openNoCreate  uint32 = 0
	openCreate    uint32 = 1
	createUnchckd uint32 = 0
	createGuarded uint32 = 1
	createExclsve uint32 = 2
)

// Share access/deny bits.
const (
	shareAccessRead  uint32 = 1
	shareAccessWrite uint32 = 2
	shareAccessBoth  uint32 = 3
	shareDenyNone    uint32 = 0
	shareDenyRead    uint32 = 1
	shareDenyWrite   uint32 = 2
	shareDenyBoth    uint32 = 3
)

// shareModes maps the wire access/deny pair onto the tracker's model.
func shareModes(access, deny uint32) (openstate.AccessMode, openstate.ShareMode) {
	var am openstate.AccessMode
	switch access & shareAccessBoth {
	case shareAccessRead:
		am = openstate.AccessRead
	case shareAccessWrite:
		am = openstate.AccessWrite
	default:
		am = openstate.AccessRW
	}

	var sm openstate.ShareMode
	switch deny & shareDenyBoth {
	case shareDenyBoth:
		sm = openstate.ShareExclusive
	case shareDenyWrite:
		sm = openstate.ShareRead
	case shareDenyRead:
		sm = openstate.ShareWrite
	default:
		sm = openstate.ShareAll
	}
	return am, sm
}

// opOpen admits an open with its share reservation, creating the file
// when the claim asks for it. Delegations are never granted.
func (h *Handler) opOpen(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	if _, err := xdr.Uint32(r); err != nil { // seqid
		return ErrBadXDR
	}
	shareAccess, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}
	shareDeny, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}
	if _, err := xdr.Uint64(r); err != nil { // open_owner clientid
		return ErrBadXDR
	}
	owner, err := xdr.Opaque(r, 1024)
	if err != nil {
		return ErrBadXDR
	}

	how, err := xdr.Uint32(r)
	if err != nil || how > openCreate {
		return ErrBadXDR
	}
	var createAttrs *vfs.SetAttr
	var exclusive bool
	var verf uint64
	if how == openCreate {
		mode, err := xdr.Uint32(r)
		if err != nil || mode > createExclsve {
			return ErrBadXDR
		}
		switch mode {
		case createUnchckd, createGuarded:
			sa, _, s := decodeSetAttrs(r)
			if s != OK {
				return s
			}
			createAttrs = sa
			exclusive = mode == createGuarded
		case createExclsve:
			vb, err := xdr.FixedOpaque(r, 8)
			if err != nil {
				return ErrBadXDR
			}
			verf = binary.BigEndian.Uint64(vb)
			exclusive = true
		}
	}

	claim, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}
	if claim != claimNull {
		return ErrNotSupp
	}
	name, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	if s := validName(name); s != OK {
		return s
	}

	dir, s := h.current(st)
	if s != OK {
		return s
	}
	dirAttr, err := h.stat(dir)
	if err != nil {
		return mapError(err)
	}
	if dirAttr.Type != vfs.TypeDirectory {
		return status.ErrNotDir
	}
	if !h.Sec.Authorize(st.ctx, dir.path, dirAttr, security.PermExec) {
		return status.ErrAcces
	}

	childPath, err := h.Handles.Child(dir.path, name)
	if err != nil {
		return status.ErrAcces
	}
	ex, rel, err := h.Exports.Resolve(childPath)
	if err != nil {
		return status.ErrAcces
	}

	created := false
	if how == openCreate {
		if ex.ReadOnly {
			return status.ErrROFS
		}
		perm := uint32(0o644)
		if createAttrs != nil && createAttrs.Mode != nil {
			perm = *createAttrs.Mode
		}
		if _, err := ex.FS.Create(rel, perm, exclusive, verf); err != nil {
			return mapError(err)
		}
		_ = ex.FS.Chown(rel, st.ctx.UID, st.ctx.GID)
		created = true
		h.Cache.Invalidate(dir.path)
	}

	attr, err := ex.FS.Stat(rel)
	if err != nil {
		return mapError(err)
	}
	want := security.PermRead
	if shareAccess&shareAccessWrite != 0 {
		want = security.PermWrite
	}
	if !created && !h.Sec.Authorize(st.ctx, childPath, attr, want) {
		return status.ErrAcces
	}
	if shareAccess&shareAccessWrite != 0 && ex.ReadOnly {
		return status.ErrROFS
	}

	am, sm := shareModes(shareAccess, shareDeny)
	openID, conflict := h.Opens.Open(childPath, st.ctx.ClientIP, int32(st.ctx.UID), am, sm)
	if conflict != nil {
		return ErrShareDenied
	}
	_ = owner

	fh, err := h.Handles.Issue(childPath)
	if err != nil {
		return mapError(err)
	}
	st.cur = fh

	putStateid(buf, stateidFor(openID))
	// change_info4: atomic, before, after.
	_ = xdr.PutBool(buf, false)
	_ = xdr.PutUint64(buf, uint64(dirAttr.Mtime.UnixNano()))
	_ = xdr.PutUint64(buf, uint64(dirAttr.Mtime.UnixNano())+1)
	// rflags: result is confirmed as granted.
	_ = xdr.PutUint32(buf, 0)
	// attrset bitmap: which create attributes took effect.
	putBitmap(buf, nil)
	// delegation: none, by policy.
	_ = xdr.PutUint32(buf, 0) // OPEN_DELEGATE_NONE
	return OK
}

// opOpenConfirm acknowledges an open. This server grants opens fully at
// OPEN time, so confirmation just bumps the seqid.
func (h *Handler) opOpenConfirm(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	sid, err := readStateid(r)
	if err != nil {
		return ErrBadXDR
	}
	if _, err := xdr.Uint32(r); err != nil { // seqid
		return ErrBadXDR
	}
	if _, s := h.current(st); s != OK {
		return s
	}
	if s := h.checkStateid(sid, st.ctx.ClientIP); s != OK {
		return s
	}
	sid.seq++
	putStateid(buf, sid)
	return OK
}

// opClose releases the open state referenced by the stateid.
func (h *Handler) opClose(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	if _, err := xdr.Uint32(r); err != nil { // seqid
		return ErrBadXDR
	}
	sid, err := readStateid(r)
	if err != nil {
		return ErrBadXDR
	}
	if _, s := h.current(st); s != OK {
		return s
	}

	if !sid.special() {
		if !h.Opens.Close(sid.openID(), st.ctx.ClientIP) {
			return ErrBadStateid
		}
	}
	sid.seq++
	putStateid(buf, sid)
	return OK
}

// opDelegreturn and opDelegpurge are accepted as no-ops: this server
// never grants delegations, so there is nothing to return or purge.
func (h *Handler) opDelegreturn(st *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	if _, err := readStateid(r); err != nil {
		return ErrBadXDR
	}
	if _, s := h.current(st); s != OK {
		return s
	}
	return OK
}

func (h *Handler) opDelegpurge(_ *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	if _, err := xdr.Uint64(r); err != nil { // clientid
		return ErrBadXDR
	}
	return OK
}
