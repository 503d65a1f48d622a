package v4

import (
	"bytes"
	"sort"

	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// v4 object types for CREATE (nfs_ftype4).
const (
	nf4Dir uint32 = 2
	nf4Lnk uint32 = 5
)

// changeInfo encodes change_info4 from the directory's before/after
// mtimes.
func changeInfo(buf *bytes.Buffer, before, after *vfs.Attr) {
	_ = xdr.PutBool(buf, true)
	if before != nil {
		_ = xdr.PutUint64(buf, uint64(before.Mtime.UnixNano()))
	} else {
		_ = xdr.PutUint64(buf, 0)
	}
	if after != nil {
		_ = xdr.PutUint64(buf, uint64(after.Mtime.UnixNano()))
	} else {
		_ = xdr.PutUint64(buf, 0)
	}
}

// dirMutationSetup resolves the current directory and checks write
// access for operations that add or remove names.
func (h *Handler) dirMutationSetup(st *compoundState) (*resolved, *vfs.Attr, uint32) {
	dir, s := h.current(st)
	if s != OK {
		return nil, nil, s
	}
	if dir.export.ReadOnly {
		return nil, nil, status.ErrROFS
	}
	attr, err := h.stat(dir)
	if err != nil {
		return nil, nil, mapError(err)
	}
	if attr.Type != vfs.TypeDirectory {
		return nil, nil, status.ErrNotDir
	}
	if !h.Sec.Authorize(st.ctx, dir.path, attr, security.PermWrite|security.PermExec) {
		return nil, nil, status.ErrAcces
	}
	return dir, attr, OK
}

// opCreate makes a non-regular object (directory or symlink here;
// regular files arrive via OPEN). The new object becomes current.
func (h *Handler) opCreate(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	objType, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}
	var linkTarget string
	switch objType {
	case nf4Lnk:
		if linkTarget, err = xdr.String(r, 1024); err != nil {
			return ErrBadXDR
		}
	case nf4Dir:
	default:
		// Device and socket nodes are not served from exports.
		return ErrBadType
	}
	name, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	if s := validName(name); s != OK {
		return s
	}
	sa, applied, s := decodeSetAttrs(r)
	if s != OK {
		return s
	}

	dir, dirAttr, s := h.dirMutationSetup(st)
	if s != OK {
		return s
	}
	childPath, err := h.Handles.Child(dir.path, name)
	if err != nil {
		return status.ErrAcces
	}
	ex, rel, err := h.Exports.Resolve(childPath)
	if err != nil {
		return status.ErrAcces
	}

	switch objType {
	case nf4Dir:
		perm := uint32(0o755)
		if sa.Mode != nil {
			perm = *sa.Mode
		}
		if _, err := ex.FS.Mkdir(rel, perm); err != nil {
			return mapError(err)
		}
	case nf4Lnk:
		if _, err := ex.FS.Symlink(rel, linkTarget); err != nil {
			return mapError(err)
		}
	}
	_ = ex.FS.Chown(rel, st.ctx.UID, st.ctx.GID)
	h.Cache.Invalidate(dir.path)

	after, _ := dir.export.FS.Stat(dir.rel)
	fh, err := h.Handles.Issue(childPath)
	if err != nil {
		return mapError(err)
	}
	st.cur = fh

	changeInfo(buf, dirAttr, after)
	putBitmap(buf, applied)
	return OK
}

// opRemove unlinks a name in the current directory and evicts its
// handle so outstanding copies go stale.
func (h *Handler) opRemove(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	name, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	if s := validName(name); s != OK {
		return s
	}

	dir, dirAttr, s := h.dirMutationSetup(st)
	if s != OK {
		return s
	}
	childPath, err := h.Handles.Child(dir.path, name)
	if err != nil {
		return status.ErrAcces
	}
	ex, rel, err := h.Exports.Resolve(childPath)
	if err != nil {
		return status.ErrAcces
	}

	attr, err := ex.FS.Stat(rel)
	if err != nil {
		return mapError(err)
	}
	if attr.Type == vfs.TypeDirectory {
		err = ex.FS.Rmdir(rel)
	} else {
		err = ex.FS.Remove(rel)
	}
	if err != nil {
		return mapError(err)
	}

	h.Handles.EvictPath(childPath)
	h.Cache.Invalidate(childPath)
	h.Cache.Invalidate(dir.path)

	after, _ := dir.export.FS.Stat(dir.rel)
	changeInfo(buf, dirAttr, after)
	return OK
}

// opRename moves saved-dir/oldname to current-dir/newname.
func (h *Handler) opRename(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	oldName, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	newName, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	if s := validName(oldName); s != OK {
		return s
	}
	if s := validName(newName); s != OK {
		return s
	}

	if st.saved == nil {
		return ErrNoFilehandle
	}
	savedPath, err := h.Handles.Resolve(st.saved)
	if err != nil {
		return mapError(err)
	}
	srcEx, srcRel, err := h.Exports.Resolve(savedPath)
	if err != nil {
		return status.ErrStale
	}
	srcDir := &resolved{export: srcEx, path: savedPath, rel: srcRel}

	dstDir, dstAttr, s := h.dirMutationSetup(st)
	if s != OK {
		return s
	}
	if srcEx != dstDir.export {
		return status.ErrXDev
	}
	srcAttr, err := h.stat(srcDir)
	if err != nil {
		return mapError(err)
	}

	fromPath, err := h.Handles.Child(srcDir.path, oldName)
	if err != nil {
		return status.ErrAcces
	}
	toPath, err := h.Handles.Child(dstDir.path, newName)
	if err != nil {
		return status.ErrAcces
	}
	_, fromRel, err := h.Exports.Resolve(fromPath)
	if err != nil {
		return status.ErrAcces
	}
	_, toRel, err := h.Exports.Resolve(toPath)
	if err != nil {
		return status.ErrAcces
	}

	replaced := false
	if _, err := dstDir.export.FS.Stat(toRel); err == nil {
		replaced = true
	}
	if err := srcEx.FS.Rename(fromRel, toRel); err != nil {
		return mapError(err)
	}

	if replaced {
		h.Handles.EvictPath(toPath)
	}
	h.Handles.Rename(fromPath, toPath)
	h.Cache.Invalidate(fromPath)
	h.Cache.Invalidate(toPath)
	h.Cache.Invalidate(srcDir.path)
	h.Cache.Invalidate(dstDir.path)

	srcAfter, _ := srcEx.FS.Stat(srcDir.rel)
	dstAfter, _ := dstDir.export.FS.Stat(dstDir.rel)
	changeInfo(buf, srcAttr, srcAfter)
	changeInfo(buf, dstAttr, dstAfter)
	return OK
}

// opLink creates current-dir/newname as a hard link to the saved
// object.
func (h *Handler) opLink(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	name, err := xdr.String(r, 255)
	if err != nil {
		return ErrBadXDR
	}
	if s := validName(name); s != OK {
		return s
	}

	if st.saved == nil {
		return ErrNoFilehandle
	}
	srcPath, err := h.Handles.Resolve(st.saved)
	if err != nil {
		return mapError(err)
	}
	srcEx, srcRel, err := h.Exports.Resolve(srcPath)
	if err != nil {
		return status.ErrStale
	}

	dir, dirAttr, s := h.dirMutationSetup(st)
	if s != OK {
		return s
	}
	if srcEx != dir.export {
		return status.ErrXDev
	}

	linkPath, err := h.Handles.Child(dir.path, name)
	if err != nil {
		return status.ErrAcces
	}
	_, linkRel, err := h.Exports.Resolve(linkPath)
	if err != nil {
		return status.ErrAcces
	}

	if err := srcEx.FS.Link(srcRel, linkRel); err != nil {
		return mapError(err)
	}
	h.Cache.Invalidate(srcPath)
	h.Cache.Invalidate(dir.path)

	after, _ := dir.export.FS.Stat(dir.rel)
	changeInfo(buf, dirAttr, after)
	return OK
}

// opReaddir lists the current directory with per-entry attributes.
func (h *Handler) opReaddir(st *compoundState, r *bytes.Reader, buf *bytes.Buffer) uint32 {
	cookie, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	verf, err := xdr.Uint64(r)
	if err != nil {
		return ErrBadXDR
	}
	if _, err := xdr.Uint32(r); err != nil { // dircount
		return ErrBadXDR
	}
	maxcount, err := xdr.Uint32(r)
	if err != nil {
		return ErrBadXDR
	}
	attrReq, err := readBitmap(r)
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
	if attr.Type != vfs.TypeDirectory {
		return status.ErrNotDir
	}
	if !h.Sec.Authorize(st.ctx, res.path, attr, security.PermRead) {
		return status.ErrAcces
	}

	entries, err := res.export.FS.ReadDir(res.rel)
	if err != nil {
		return mapError(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	dirVerf := uint64(attr.Mtime.UnixNano())
	if cookie != 0 && verf != dirVerf {
		return ErrBadCookie
	}
	if cookie > uint64(len(entries)) {
		return ErrBadCookie
	}

	_ = xdr.PutUint64(buf, dirVerf)

	budget := int(maxcount)
	eof := true
	for i := int(cookie); i < len(entries); i++ {
		e := entries[i]

		var entry bytes.Buffer
		_ = xdr.PutUint64(&entry, uint64(i+1)) // cookie
		_ = xdr.PutString(&entry, e.Name)

		childPath, err := h.Handles.Child(res.path, e.Name)
		if err == nil {
			if ex, rel, err := h.Exports.Resolve(childPath); err == nil {
				if childAttr, err := ex.FS.Stat(rel); err == nil {
					fh, _ := h.Handles.Issue(childPath)
					h.encodeAttrs(&entry, attrReq, childAttr, fh)
				} else {
					h.encodeAttrs(&entry, nil, nil, nil)
				}
			}
		}

		cost := 4 + entry.Len()
		if budget-cost < 0 {
			eof = false
			break
		}
		budget -= cost

		_ = xdr.PutBool(buf, true)
		buf.Write(entry.Bytes())
	}
	_ = xdr.PutBool(buf, false)
	_ = xdr.PutBool(buf, eof)
	return OK
}
