// Package status defines the NFSv2/v3 status codes and the single
// mapping table from VFS errors into them (RFC 1094 Section 2.3.1,
// RFC 1813 Section 2.6).
//
// NFSv4 reuses the same numeric space for the POSIX-derived codes but
// extends it; the v4 package carries its own constants and delegates
// the shared mapping here.
package status

import (
	"errors"

	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/vfs"
)

// Status codes shared by NFSv2 and NFSv3.
const (
	OK          uint32 = 0
	ErrPerm     uint32 = 1
	ErrNoEnt    uint32 = 2
	ErrIO       uint32 = 5
	ErrNXIO     uint32 = 6
	ErrAcces    uint32 = 13
	ErrExist    uint32 = 17
	ErrXDev     uint32 = 18
	ErrNoDev    uint32 = 19
	ErrNotDir   uint32 = 20
	ErrIsDir    uint32 = 21
	ErrInval    uint32 = 22
	ErrFBig     uint32 = 27
	ErrNoSpc    uint32 = 28
	ErrROFS     uint32 = 30
	ErrMLink    uint32 = 31
	ErrNameLong uint32 = 63
	ErrNotEmpty uint32 = 66
	ErrDquot    uint32 = 69
	ErrStale    uint32 = 70
	ErrRemote   uint32 = 71

	// NFSv3 additions.
	ErrBadHandle   uint32 = 10001
	ErrNotSync     uint32 = 10002
	ErrBadCookie   uint32 = 10003
	ErrNotSupp     uint32 = 10004
	ErrTooSmall    uint32 = 10005
	ErrServerFault uint32 = 10006
	ErrBadType     uint32 = 10007
	ErrJukebox     uint32 = 10008
)

// FromError folds a VFS or handle error into the protocol status. Any
// unrecognized error becomes ErrIO, per the mapping policy: VFS errors
// never propagate as RPC-layer failures, and internal invariant
// violations surface as staleness, not SYSTEM_ERR.
func FromError(err error) uint32 {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, vfs.ErrNotExist):
		return ErrNoEnt
	case errors.Is(err, vfs.ErrPerm):
		return ErrAcces
	case errors.Is(err, vfs.ErrExist):
		return ErrExist
	case errors.Is(err, vfs.ErrNotDir):
		return ErrNotDir
	case errors.Is(err, vfs.ErrIsDir):
		return ErrIsDir
	case errors.Is(err, vfs.ErrInval):
		return ErrInval
	case errors.Is(err, vfs.ErrFBig):
		return ErrFBig
	case errors.Is(err, vfs.ErrNoSpace):
		return ErrNoSpc
	case errors.Is(err, vfs.ErrROFS):
		return ErrROFS
	case errors.Is(err, vfs.ErrNameTooLong):
		return ErrNameLong
	case errors.Is(err, vfs.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, vfs.ErrDquot):
		return ErrDquot
	case errors.Is(err, vfs.ErrXDev):
		return ErrXDev
	case errors.Is(err, vfs.ErrNotSupp):
		return ErrNotSupp
	case errors.Is(err, handle.ErrStale), errors.Is(err, handle.ErrEscape):
		return ErrStale
	case errors.Is(err, handle.ErrBadHandle):
		return ErrBadHandle
	default:
		return ErrIO
	}
}
