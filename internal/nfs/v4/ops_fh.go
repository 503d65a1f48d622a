package v4

import (
	"bytes"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// Filehandle manipulation operations: the small state machine the rest
// of the compound rides on.

// opPutfh sets the current filehandle from the argument.
func (h *Handler) opPutfh(st *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	fh, err := xdr.Opaque(r, 128)
	if err != nil {
		return ErrBadXDR
	}
	if _, err := h.Handles.Resolve(fh); err != nil {
		return mapError(err)
	}
	st.cur = fh
	return OK
}

// opPutrootfh sets the current filehandle to the root of the exported
// namespace. With a single export that is the export root itself; with
// several, the first configured export is the conventional entry point.
func (h *Handler) opPutrootfh(st *compoundState, _ *bytes.Reader, _ *bytes.Buffer) uint32 {
	all := h.Exports.All()
	if len(all) == 0 {
		return ErrServerFault
	}
	fh, err := h.Handles.Issue(all[0].Name)
	if err != nil {
		return mapError(err)
	}
	st.cur = fh
	return OK
}

// opGetfh returns the current filehandle.
func (h *Handler) opGetfh(st *compoundState, _ *bytes.Reader, buf *bytes.Buffer) uint32 {
	if st.cur == nil {
		return ErrNoFilehandle
	}
	_ = xdr.PutOpaque(buf, st.cur)
	return OK
}

// opSavefh copies the current filehandle to the saved slot.
func (h *Handler) opSavefh(st *compoundState, _ *bytes.Reader, _ *bytes.Buffer) uint32 {
	if st.cur == nil {
		return ErrNoFilehandle
	}
	st.saved = append([]byte(nil), st.cur...)
	return OK
}

// opRestorefh restores the saved filehandle into the current slot.
func (h *Handler) opRestorefh(st *compoundState, _ *bytes.Reader, _ *bytes.Buffer) uint32 {
	if st.saved == nil {
		return ErrRestoreFH
	}
	st.cur = append([]byte(nil), st.saved...)
	return OK
}

// opLookup resolves one component under the current filehandle and
// makes the result current.
func (h *Handler) opLookup(st *compoundState, r *bytes.Reader, _ *bytes.Buffer) uint32 {
	name, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	if s := validName(name); s != OK {
		return s
	}

	res, s := h.current(st)
	if s != OK {
		return s
	}
	attr, err := h.stat(res)
	if err != nil {
		return mapError(err)
	}
	if attr.Type != vfs.TypeDirectory {
		return status.ErrNotDir
	}
	if !h.Sec.Authorize(st.ctx, res.path, attr, security.PermExec) {
		return status.ErrAcces
	}

	childPath, err := h.Handles.Child(res.path, name)
	if err != nil {
		return status.ErrAcces
	}
	ex, rel, err := h.Exports.Resolve(childPath)
	if err != nil {
		return status.ErrAcces
	}
	if _, err := ex.FS.Stat(rel); err != nil {
		return mapError(err)
	}

	fh, err := h.Handles.Issue(childPath)
	if err != nil {
		return mapError(err)
	}
	st.cur = fh
	return OK
}

// opLookupp moves the current filehandle to the parent directory,
// stopping at the export root.
func (h *Handler) opLookupp(st *compoundState, _ *bytes.Reader, _ *bytes.Buffer) uint32 {
	res, s := h.current(st)
	if s != OK {
		return s
	}
	if res.path == res.export.Name {
		return status.ErrNoEnt
	}
	i := bytes.LastIndexByte([]byte(res.path), '/')
	if i <= 0 {
		return status.ErrNoEnt
	}
	parent := res.path[:i]
	fh, err := h.Handles.Issue(parent)
	if err != nil {
		return mapError(err)
	}
	st.cur = fh
	return OK
}

// opSecinfo reports the auth flavors acceptable for a name. This server
// answers with AUTH_SYS and AUTH_NONE; Kerberos triples would extend
// the same list.
func (h *Handler) opSecinfo(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	name, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	if s := validName(name); s != OK {
		return s
	}
	if _, s := h.current(st); s != OK {
		return s
	}

	// SECINFO consumes the current filehandle (RFC 7530 Section 16.31).
	st.cur = nil

	_ = xdr.PutUint32(buf, 2) // two flavors
	_ = xdr.PutUint32(buf, 1) // AUTH_SYS
	_ = xdr.PutUint32(buf, 0) // AUTH_NONE
	return OK
}
