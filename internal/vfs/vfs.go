// Package vfs is the typed interface between the protocol handlers and
// the backing POSIX tree.
//
// Handlers never touch the os package directly: they speak this
// interface, and the single implementation (OSFS) translates to host
// filesystem calls and normalizes every failure into the package's
// error taxonomy. Keeping the surface narrow makes the handler suites
// testable against a temp directory and keeps platform details in one
// place.
package vfs

import (
	"errors"
	"time"
)

// FileType enumerates the object kinds NFS distinguishes.
type FileType int

const (
	TypeRegular FileType = iota + 1
	TypeDirectory
	TypeBlockDev
	TypeCharDev
	TypeSymlink
	TypeSocket
	TypeFIFO
)

// Attr is the attribute set shared by every protocol version. Version
// specific encodings (fattr, fattr3, fattr4) are produced from it.
type Attr struct {
	Type  FileType
	Mode  uint32 // permission bits, 0o7777 max
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Used  uint64 // bytes of storage actually consumed
	Rdev  uint64 // device number for block/char nodes
	FSID  uint64
	// FileID is the inode number, stable for the life of the object.
	FileID uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// SetAttr carries the attributes a SETATTR-style operation wants to
// change. Nil pointers mean "leave unchanged".
type SetAttr struct {
	Mode *uint32
	UID  *uint32
	GID  *uint32
	Size *uint64

	// Atime/Mtime set an explicit client time; AtimeNow/MtimeNow ask
	// for the server clock instead. An explicit time wins over Now.
	Atime    *time.Time
	Mtime    *time.Time
	AtimeNow bool
	MtimeNow bool
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name   string
	FileID uint64
}

// FSStat is the statfs summary FSSTAT/STATFS report.
type FSStat struct {
	TotalBytes uint64
	FreeBytes  uint64
	AvailBytes uint64
	TotalFiles uint64
	FreeFiles  uint64
	AvailFiles uint64
}

// Stability levels for Write, mirroring the NFSv3 stable_how values.
type Stability int

const (
	// Unstable may buffer in the page cache; a later Commit flushes.
	Unstable Stability = iota
	// DataSync makes the data durable before returning.
	DataSync
	// FileSync makes data and metadata durable before returning.
	FileSync
)

// FS is the narrow operation set the handlers consume.
//
// Paths are server-relative canonical paths as produced by the handle
// table; implementations never see `..` or absolute client input.
type FS interface {
	Stat(path string) (*Attr, error)
	SetAttr(path string, sa *SetAttr) (*Attr, error)

	Read(path string, offset uint64, buf []byte) (n int, eof bool, err error)
	Write(path string, offset uint64, data []byte, how Stability) (int, error)
	// Commit flushes previously unstable writes for the file.
	Commit(path string) error

	Create(path string, mode uint32, excl bool, verf uint64) (*Attr, error)
	Mkdir(path string, mode uint32) (*Attr, error)
	Symlink(path, target string) (*Attr, error)
	Link(existing, link string) error
	Readlink(path string) (string, error)

	Remove(path string) error
	Rmdir(path string) error
	Rename(from, to string) error

	ReadDir(path string) ([]DirEntry, error)
	StatFS(path string) (*FSStat, error)

	// Chown adjusts ownership after a create when the server runs with
	// the privilege to do so; failures are reported, not fatal.
	Chown(path string, uid, gid uint32) error
}

// Error taxonomy. Every OSFS failure is folded into one of these so the
// protocol layers can map them to NFS status codes with a table instead
// of inspecting errno values.
var (
	ErrNotExist    = errors.New("vfs: no such file or directory")
	ErrPerm        = errors.New("vfs: permission denied")
	ErrExist       = errors.New("vfs: file exists")
	ErrNotDir      = errors.New("vfs: not a directory")
	ErrIsDir       = errors.New("vfs: is a directory")
	ErrInval       = errors.New("vfs: invalid argument")
	ErrFBig        = errors.New("vfs: file too large")
	ErrNoSpace     = errors.New("vfs: no space left on device")
	ErrROFS        = errors.New("vfs: read-only file system")
	ErrNameTooLong = errors.New("vfs: name too long")
	ErrNotEmpty    = errors.New("vfs: directory not empty")
	ErrDquot       = errors.New("vfs: quota exceeded")
	ErrXDev        = errors.New("vfs: cross-device link")
	ErrNotSupp     = errors.New("vfs: operation not supported")
	ErrIO          = errors.New("vfs: i/o error")
)
