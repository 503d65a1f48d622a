package v4

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// Attribute numbers (RFC 7530 Section 5).
const (
	attrSupported    = 0
	attrType         = 1
	attrFHExpire     = 2
	attrChange       = 3
	attrSize         = 4
	attrLinkSupport  = 5
	attrSymlinkSupp  = 6
	attrNamedAttr    = 7
	attrFSID         = 8
	attrUniqueHandle = 9
	attrLeaseTime    = 10
	attrRdattrError  = 11
	attrFilehandle   = 19
	attrFileid       = 20
	attrMaxread      = 30
	attrMaxwrite     = 31
	attrMode         = 33
	attrNumlinks     = 35
	attrOwner        = 36
	attrOwnerGroup   = 37
	attrSpaceUsed    = 45
	attrTimeAccess   = 47
	attrTimeAccSet   = 48
	attrTimeMeta     = 52
	attrTimeModify   = 53
	attrTimeModSet   = 54
)

// supportedMask is the attribute set this server implements, as a
// two-word bitmap.
var supportedMask = [2]uint32{
	1<<attrSupported | 1<<attrType | 1<<attrFHExpire | 1<<attrChange |
		1<<attrSize | 1<<attrLinkSupport | 1<<attrSymlinkSupp |
		1<<attrNamedAttr | 1<<attrFSID | 1<<attrUniqueHandle |
		1<<attrLeaseTime | 1<<attrRdattrError | 1<<attrFilehandle |
		1<<attrFileid | 1<<attrMaxread | 1<<attrMaxwrite,
	1<<(attrMode-32) | 1<<(attrNumlinks-32) | 1<<(attrOwner-32) |
		1<<(attrOwnerGroup-32) | 1<<(attrSpaceUsed-32) |
		1<<(attrTimeAccess-32) | 1<<(attrTimeMeta-32) |
		1<<(attrTimeModify-32),
}

// readBitmap decodes a bitmap4.
func readBitmap(r *bytes.Reader) ([]uint32, error) {
	n, err := xdr.Uint32(r)
	if err != nil {
		return nil, err
	}
	if n > 8 {
		return nil, fmt.Errorf("v4: bitmap too wide: %d", n)
	}
	words := make([]uint32, n)
	for i := range words {
		if words[i], err = xdr.Uint32(r); err != nil {
			return nil, err
		}
	}
	return words, nil
}

func putBitmap(buf *bytes.Buffer, words []uint32) {
	_ = xdr.PutUint32(buf, uint32(len(words)))
	for _, w := range words {
		_ = xdr.PutUint32(buf, w)
	}
}

func bitSet(words []uint32, bit int) bool {
	idx := bit / 32
	return idx < len(words) && words[idx]&(1<<(bit%32)) != 0
}

func setBit(words []uint32, bit int) []uint32 {
	for bit/32 >= len(words) {
		words = append(words, 0)
	}
	words[bit/32] |= 1 << (bit % 32)
	return words
}

func putTime4(buf *bytes.Buffer, sec int64, nsec int) {
	_ = xdr.PutInt64(buf, sec)
	_ = xdr.PutUint32(buf, uint32(nsec))
}

// encodeAttrs builds the fattr4 for the requested bitmap intersected
// with the supported set: the reply bitmap plus the packed values in
// ascending attribute order.
func (h *Handler) encodeAttrs(buf *bytes.Buffer, requested []uint32, attr *vfs.Attr, fh []byte) {
	var replied []uint32
	var vals bytes.Buffer

	emit := func(bit int, write func(*bytes.Buffer)) {
		if !bitSet(requested, bit) {
			return
		}
		if bit < 64 && !bitSet(supportedMask[:], bit) {
			return
		}
		replied = setBit(replied, bit)
		write(&vals)
	}

	emit(attrSupported, func(b *bytes.Buffer) { putBitmap(b, supportedMask[:]) })
	emit(attrType, func(b *bytes.Buffer) { _ = xdr.PutUint32(b, uint32(attr.Type)) })
	emit(attrFHExpire, func(b *bytes.Buffer) { _ = xdr.PutUint32(b, 0) }) // FH4_PERSISTENT
	emit(attrChange, func(b *bytes.Buffer) { _ = xdr.PutUint64(b, uint64(attr.Mtime.UnixNano())) })
	emit(attrSize, func(b *bytes.Buffer) { _ = xdr.PutUint64(b, attr.Size) })
	emit(attrLinkSupport, func(b *bytes.Buffer) { _ = xdr.PutBool(b, true) })
	emit(attrSymlinkSupp, func(b *bytes.Buffer) { _ = xdr.PutBool(b, true) })
	emit(attrNamedAttr, func(b *bytes.Buffer) { _ = xdr.PutBool(b, false) })
	emit(attrFSID, func(b *bytes.Buffer) {
		_ = xdr.PutUint64(b, attr.FSID)
		_ = xdr.PutUint64(b, 0)
	})
	emit(attrUniqueHandle, func(b *bytes.Buffer) { _ = xdr.PutBool(b, true) })
	emit(attrLeaseTime, func(b *bytes.Buffer) { _ = xdr.PutUint32(b, h.LeaseTime) })
	emit(attrRdattrError, func(b *bytes.Buffer) { _ = xdr.PutUint32(b, OK) })
	emit(attrFilehandle, func(b *bytes.Buffer) { _ = xdr.PutOpaque(b, fh) })
	emit(attrFileid, func(b *bytes.Buffer) { _ = xdr.PutUint64(b, attr.FileID) })
	emit(attrMaxread, func(b *bytes.Buffer) { _ = xdr.PutUint64(b, uint64(h.ReadMax)) })
	emit(attrMaxwrite, func(b *bytes.Buffer) { _ = xdr.PutUint64(b, uint64(h.WriteMax)) })
	emit(attrMode, func(b *bytes.Buffer) { _ = xdr.PutUint32(b, attr.Mode&0o7777) })
	emit(attrNumlinks, func(b *bytes.Buffer) { _ = xdr.PutUint32(b, attr.Nlink) })
	emit(attrOwner, func(b *bytes.Buffer) { _ = xdr.PutString(b, ownerString(attr.UID)) })
	emit(attrOwnerGroup, func(b *bytes.Buffer) { _ = xdr.PutString(b, ownerString(attr.GID)) })
	emit(attrSpaceUsed, func(b *bytes.Buffer) { _ = xdr.PutUint64(b, attr.Used) })
	emit(attrTimeAccess, func(b *bytes.Buffer) { putTime4(b, attr.Atime.Unix(), attr.Atime.Nanosecond()) })
	emit(attrTimeMeta, func(b *bytes.Buffer) { putTime4(b, attr.Ctime.Unix(), attr.Ctime.Nanosecond()) })
	emit(attrTimeModify, func(b *bytes.Buffer) { putTime4(b, attr.Mtime.Unix(), attr.Mtime.Nanosecond()) })

	putBitmap(buf, replied)
	_ = xdr.PutOpaque(buf, vals.Bytes())
}

// ownerString renders identities as the bare numeric id, with no
// @domain part, a form clients accept when no name service is shared.
func ownerString(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// parseOwner accepts "1000", "1000@domain", and rejects names it cannot
// map without a directory service.
func parseOwner(s string) (uint32, uint32) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, ErrBadName
	}
	return uint32(v), OK
}

// decodeSetAttrs parses a fattr4 into a vfs.SetAttr, returning the bits
// actually applied. Unsupported writable attributes fail with
// ATTRNOTSUPP per the spec rather than being silently dropped.
func decodeSetAttrs(r *bytes.Reader) (*vfs.SetAttr, []uint32, uint32) {
	requested, err := readBitmap(r)
	if err != nil {
		return nil, nil, ErrBadXDR
	}
	vals, err := xdr.Opaque(r, 0)
	if err != nil {
		return nil, nil, ErrBadXDR
	}
	vr := bytes.NewReader(vals)

	sa := &vfs.SetAttr{}
	var applied []uint32

	// Values are packed in ascending attribute order.
	for bit := 0; bit < 64; bit++ {
		if !bitSet(requested, bit) {
			continue
		}
		switch bit {
		case attrSize:
			v, err := xdr.Uint64(vr)
			if err != nil {
				return nil, nil, ErrBadXDR
			}
			sa.Size = &v
			applied = setBit(applied, bit)
		case attrMode:
			v, err := xdr.Uint32(vr)
			if err != nil {
				return nil, nil, ErrBadXDR
			}
			v &= 0o7777
			sa.Mode = &v
			applied = setBit(applied, bit)
		case attrOwner:
			s, err := xdr.String(vr, 255)
			if err != nil {
				return nil, nil, ErrBadXDR
			}
			uid, st := parseOwner(s)
			if st != OK {
				return nil, nil, st
			}
			sa.UID = &uid
			applied = setBit(applied, bit)
		case attrOwnerGroup:
			s, err := xdr.String(vr, 255)
			if err != nil {
				return nil, nil, ErrBadXDR
			}
			gid, st := parseOwner(s)
			if st != OK {
				return nil, nil, st
			}
			sa.GID = &gid
			applied = setBit(applied, bit)
		case attrTimeAccSet:
			how, err := xdr.Uint32(vr)
			if err != nil {
				return nil, nil, ErrBadXDR
			}
			if how == 0 { // SET_TO_SERVER_TIME4
				sa.AtimeNow = true
			} else {
				sec, err := xdr.Int64(vr)
				if err != nil {
					return nil, nil, ErrBadXDR
				}
				nsec, err := xdr.Uint32(vr)
				if err != nil {
					return nil, nil, ErrBadXDR
				}
				t := timeFromParts(sec, nsec)
				sa.Atime = &t
			}
			applied = setBit(applied, bit)
		case attrTimeModSet:
			how, err := xdr.Uint32(vr)
			if err != nil {
				return nil, nil, ErrBadXDR
			}
			if how == 0 {
				sa.MtimeNow = true
			} else {
				sec, err := xdr.Int64(vr)
				if err != nil {
					return nil, nil, ErrBadXDR
				}
				nsec, err := xdr.Uint32(vr)
				if err != nil {
					return nil, nil, ErrBadXDR
				}
				t := timeFromParts(sec, nsec)
				sa.Mtime = &t
			}
			applied = setBit(applied, bit)
		default:
			// A writable attribute this server does not implement.
			return nil, nil, ErrAttrNotSupp
		}
	}

	return sa, applied, OK
}

func timeFromParts(sec int64, nsec uint32) (t time.Time) {
	return time.Unix(sec, int64(nsec))
}
