package v3

import (
	"bytes"
	"io"
	"time"

	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// fattr3, pre_op_attr, post_op_attr, wcc_data, and sattr3 wire forms
// (RFC 1813 Section 2.6). The vfs.FileType ordinals were chosen to
// coincide with ftype3, so the type field is a direct cast.

func putTime3(buf *bytes.Buffer, t time.Time) {
	_ = xdr.PutUint32(buf, uint32(t.Unix()))
	_ = xdr.PutUint32(buf, uint32(t.Nanosecond()))
}

func readTime3(r io.Reader) (time.Time, error) {
	sec, err := xdr.Uint32(r)
	if err != nil {
		return time.Time{}, err
	}
	nsec, err := xdr.Uint32(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(sec), int64(nsec)), nil
}

// putFattr3 encodes the full attribute set.
func putFattr3(buf *bytes.Buffer, a *vfs.Attr) {
	_ = xdr.PutUint32(buf, uint32(a.Type))
	_ = xdr.PutUint32(buf, a.Mode)
	_ = xdr.PutUint32(buf, a.Nlink)
	_ = xdr.PutUint32(buf, a.UID)
	_ = xdr.PutUint32(buf, a.GID)
	_ = xdr.PutUint64(buf, a.Size)
	_ = xdr.PutUint64(buf, a.Used)
	_ = xdr.PutUint32(buf, uint32(a.Rdev>>32)) // specdata1
	_ = xdr.PutUint32(buf, uint32(a.Rdev))     // specdata2
	_ = xdr.PutUint64(buf, a.FSID)
	_ = xdr.PutUint64(buf, a.FileID)
	putTime3(buf, a.Atime)
	putTime3(buf, a.Mtime)
	putTime3(buf, a.Ctime)
}

// putPostOp encodes post_op_attr: a boolean and, when true, fattr3.
func putPostOp(buf *bytes.Buffer, a *vfs.Attr) {
	if a == nil {
		_ = xdr.PutBool(buf, false)
		return
	}
	_ = xdr.PutBool(buf, true)
	putFattr3(buf, a)
}

// putPreOp encodes pre_op_attr from attributes captured before the
// operation: size, mtime, ctime.
func putPreOp(buf *bytes.Buffer, a *vfs.Attr) {
	if a == nil {
		_ = xdr.PutBool(buf, false)
		return
	}
	_ = xdr.PutBool(buf, true)
	_ = xdr.PutUint64(buf, a.Size)
	putTime3(buf, a.Mtime)
	putTime3(buf, a.Ctime)
}

// putWcc encodes wcc_data from the before/after snapshots.
func putWcc(buf *bytes.Buffer, before, after *vfs.Attr) {
	putPreOp(buf, before)
	putPostOp(buf, after)
}

// Set-time discriminants for sattr3.
const (
	dontChange    uint32 = 0
	setServerTime uint32 = 1
	setClientTime uint32 = 2
)

// readSattr3 decodes the sattr3 union stack into a vfs.SetAttr.
func readSattr3(r io.Reader) (*vfs.SetAttr, error) {
	sa := &vfs.SetAttr{}

	set, err := xdr.Bool(r)
	if err != nil {
		return nil, err
	}
	if set {
		v, err := xdr.Uint32(r)
		if err != nil {
			return nil, err
		}
		sa.Mode = &v
	}

	if set, err = xdr.Bool(r); err != nil {
		return nil, err
	} else if set {
		v, err := xdr.Uint32(r)
		if err != nil {
			return nil, err
		}
		sa.UID = &v
	}

	if set, err = xdr.Bool(r); err != nil {
		return nil, err
	} else if set {
		v, err := xdr.Uint32(r)
		if err != nil {
			return nil, err
		}
		sa.GID = &v
	}

	if set, err = xdr.Bool(r); err != nil {
		return nil, err
	} else if set {
		v, err := xdr.Uint64(r)
		if err != nil {
			return nil, err
		}
		sa.Size = &v
	}

	how, err := xdr.Uint32(r)
	if err != nil {
		return nil, err
	}
	switch how {
	case setServerTime:
		sa.AtimeNow = true
	case setClientTime:
		t, err := readTime3(r)
		if err != nil {
			return nil, err
		}
		sa.Atime = &t
	}

	if how, err = xdr.Uint32(r); err != nil {
		return nil, err
	}
	switch how {
	case setServerTime:
		sa.MtimeNow = true
	case setClientTime:
		t, err := readTime3(r)
		if err != nil {
			return nil, err
		}
		sa.Mtime = &t
	}

	return sa, nil
}

// readHandle reads an nfs_fh3: variable opaque up to the v3 limit.
func readHandle(r io.Reader) ([]byte, error) {
	return xdr.Opaque(r, 64)
}

// putHandle writes a post_op_fh3 with the handle present.
func putHandle(buf *bytes.Buffer, fh []byte) {
	_ = xdr.PutBool(buf, true)
	_ = xdr.PutOpaque(buf, fh)
}
