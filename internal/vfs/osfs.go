//go:build unix

package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// OSFS implements FS directly over the host filesystem.
//
// It holds no state beyond the export root prefix: the kernel is the
// source of truth for attributes and data, and all locking above this
// layer is advisory.
type OSFS struct {
	// Root is the host directory all paths are resolved under.
	Root string
}

// NewOSFS returns an OSFS serving the tree rooted at root. The root
// must exist and be a directory.
func NewOSFS(root string) (*OSFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, mapError(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, mapError(err)
	}
	if !info.IsDir() {
		return nil, ErrNotDir
	}
	return &OSFS{Root: abs}, nil
}

// host converts a server-relative canonical path into a host path.
func (f *OSFS) host(path string) string {
	return filepath.Join(f.Root, filepath.FromSlash(path))
}

func (f *OSFS) Stat(path string) (*Attr, error) {
	info, err := os.Lstat(f.host(path))
	if err != nil {
		return nil, mapError(err)
	}
	return attrFromInfo(info), nil
}

func (f *OSFS) SetAttr(path string, sa *SetAttr) (*Attr, error) {
	host := f.host(path)

	if sa.Size != nil {
		if err := os.Truncate(host, int64(*sa.Size)); err != nil {
			return nil, mapError(err)
		}
	}
	if sa.Mode != nil {
		if err := os.Chmod(host, os.FileMode(*sa.Mode&0o7777)); err != nil {
			return nil, mapError(err)
		}
	}
	if sa.UID != nil || sa.GID != nil {
		uid, gid := -1, -1
		if sa.UID != nil {
			uid = int(*sa.UID)
		}
		if sa.GID != nil {
			gid = int(*sa.GID)
		}
		if err := os.Lchown(host, uid, gid); err != nil {
			return nil, mapError(err)
		}
	}
	if sa.Atime != nil || sa.Mtime != nil || sa.AtimeNow || sa.MtimeNow {
		atime, mtime, err := resolveTimes(host, sa)
		if err != nil {
			return nil, err
		}
		if err := os.Chtimes(host, atime, mtime); err != nil {
			return nil, mapError(err)
		}
	}

	return f.Stat(path)
}

// resolveTimes fills whichever of atime/mtime the request left alone
// with the file's current value so Chtimes does not clobber it.
func resolveTimes(host string, sa *SetAttr) (time.Time, time.Time, error) {
	info, err := os.Lstat(host)
	if err != nil {
		return time.Time{}, time.Time{}, mapError(err)
	}
	cur := attrFromInfo(info)
	now := time.Now()

	atime, mtime := cur.Atime, cur.Mtime
	if sa.AtimeNow {
		atime = now
	}
	if sa.Atime != nil {
		atime = *sa.Atime
	}
	if sa.MtimeNow {
		mtime = now
	}
	if sa.Mtime != nil {
		mtime = *sa.Mtime
	}
	return atime, mtime, nil
}

func (f *OSFS) Read(path string, offset uint64, buf []byte) (int, bool, error) {
	file, err := os.Open(f.host(path))
	if err != nil {
		return 0, false, mapError(err)
	}
	defer file.Close()

	n, err := file.ReadAt(buf, int64(offset))
	switch {
	case errors.Is(err, io.EOF):
		return n, true, nil
	case err != nil:
		return n, false, mapError(err)
	}

	// Landing exactly on the end of file also counts as EOF.
	info, statErr := file.Stat()
	eof := statErr == nil && offset+uint64(n) >= uint64(info.Size())
	return n, eof, nil
}

func (f *OSFS) Write(path string, offset uint64, data []byte, how Stability) (int, error) {
	flags := os.O_WRONLY
	if how == DataSync || how == FileSync {
		flags |= os.O_SYNC
	}
	file, err := os.OpenFile(f.host(path), flags, 0)
	if err != nil {
		return 0, mapError(err)
	}
	defer file.Close()

	n, err := file.WriteAt(data, int64(offset))
	if err != nil {
		return n, mapError(err)
	}
	if how == FileSync {
		if err := file.Sync(); err != nil {
			return n, mapError(err)
		}
	}
	return n, nil
}

func (f *OSFS) Commit(path string) error {
	file, err := os.Open(f.host(path))
	if err != nil {
		return mapError(err)
	}
	defer file.Close()
	if err := file.Sync(); err != nil {
		return mapError(err)
	}
	return nil
}

func (f *OSFS) Create(path string, mode uint32, excl bool, verf uint64) (*Attr, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if excl {
		flags |= os.O_EXCL
	} else {
		flags |= os.O_TRUNC
	}
	at := time.Unix(int64(verf&0xFFFFFFFF), int64(verf>>32)%1e9)
	file, err := os.OpenFile(f.host(path), flags, os.FileMode(mode&0o7777))
	if err != nil {
		if excl && verf != 0 && errors.Is(err, fs.ErrExist) {
			// A retransmit finds the verifier its first attempt stored.
			if attr, serr := f.Stat(path); serr == nil && attr.Mtime.Equal(at) {
				return attr, nil
			}
		}
		return nil, mapError(err)
	}
	if excl && verf != 0 {
		// Exclusive-create verifier: stash it in the timestamps so a
		// retransmitted CREATE can be recognized (RFC 1813 Section
		// 3.3.8). Seconds carry the low half, nanoseconds the high.
		_ = os.Chtimes(file.Name(), at, at)
	}
	_ = file.Close()
	return f.Stat(path)
}

func (f *OSFS) Mkdir(path string, mode uint32) (*Attr, error) {
	if err := os.Mkdir(f.host(path), os.FileMode(mode&0o7777)); err != nil {
		return nil, mapError(err)
	}
	return f.Stat(path)
}

func (f *OSFS) Symlink(path, target string) (*Attr, error) {
	if err := os.Symlink(target, f.host(path)); err != nil {
		return nil, mapError(err)
	}
	return f.Stat(path)
}

func (f *OSFS) Link(existing, link string) error {
	return mapError(os.Link(f.host(existing), f.host(link)))
}

func (f *OSFS) Readlink(path string) (string, error) {
	target, err := os.Readlink(f.host(path))
	if err != nil {
		return "", mapError(err)
	}
	return target, nil
}

func (f *OSFS) Remove(path string) error {
	host := f.host(path)
	info, err := os.Lstat(host)
	if err != nil {
		return mapError(err)
	}
	if info.IsDir() {
		return ErrIsDir
	}
	return mapError(os.Remove(host))
}

func (f *OSFS) Rmdir(path string) error {
	host := f.host(path)
	info, err := os.Lstat(host)
	if err != nil {
		return mapError(err)
	}
	if !info.IsDir() {
		return ErrNotDir
	}
	return mapError(os.Remove(host))
}

func (f *OSFS) Rename(from, to string) error {
	return mapError(os.Rename(f.host(from), f.host(to)))
}

func (f *OSFS) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(f.host(path))
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		de := DirEntry{Name: e.Name()}
		if info, err := e.Info(); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				de.FileID = st.Ino
			}
		}
		out = append(out, de)
	}
	return out, nil
}

func (f *OSFS) StatFS(path string) (*FSStat, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(f.host(path), &st); err != nil {
		return nil, mapError(err)
	}
	bsize := uint64(st.Bsize)
	return &FSStat{
		TotalBytes: st.Blocks * bsize,
		FreeBytes:  st.Bfree * bsize,
		AvailBytes: st.Bavail * bsize,
		TotalFiles: st.Files,
		FreeFiles:  st.Ffree,
		AvailFiles: st.Ffree,
	}, nil
}

func (f *OSFS) Chown(path string, uid, gid uint32) error {
	return mapError(os.Lchown(f.host(path), int(uid), int(gid)))
}

// attrFromInfo builds an Attr from a stat result.
func attrFromInfo(info fs.FileInfo) *Attr {
	a := &Attr{
		Mode:  uint32(info.Mode().Perm()),
		Size:  uint64(info.Size()),
		Mtime: info.ModTime(),
	}
	if info.Mode()&fs.ModeSetuid != 0 {
		a.Mode |= 0o4000
	}
	if info.Mode()&fs.ModeSetgid != 0 {
		a.Mode |= 0o2000
	}
	if info.Mode()&fs.ModeSticky != 0 {
		a.Mode |= 0o1000
	}

	switch m := info.Mode(); {
	case m.IsRegular():
		a.Type = TypeRegular
	case m.IsDir():
		a.Type = TypeDirectory
	case m&fs.ModeSymlink != 0:
		a.Type = TypeSymlink
	case m&fs.ModeDevice != 0 && m&fs.ModeCharDevice != 0:
		a.Type = TypeCharDev
	case m&fs.ModeDevice != 0:
		a.Type = TypeBlockDev
	case m&fs.ModeSocket != 0:
		a.Type = TypeSocket
	case m&fs.ModeNamedPipe != 0:
		a.Type = TypeFIFO
	default:
		a.Type = TypeRegular
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a.Nlink = uint32(st.Nlink)
		a.UID = st.Uid
		a.GID = st.Gid
		a.Rdev = uint64(st.Rdev)
		a.FSID = uint64(st.Dev)
		a.FileID = st.Ino
		a.Used = uint64(st.Blocks) * 512
		a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
		a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	} else {
		a.Nlink = 1
		a.Atime = a.Mtime
		a.Ctime = a.Mtime
	}
	return a
}

// mapError folds an OS error into the package taxonomy. Unrecognized
// errors become ErrIO, matching the catch-all in the NFS status table.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return ErrNotExist
		case syscall.EACCES, syscall.EPERM:
			return ErrPerm
		case syscall.EEXIST:
			return ErrExist
		case syscall.ENOTDIR:
			return ErrNotDir
		case syscall.EISDIR:
			return ErrIsDir
		case syscall.EINVAL:
			return ErrInval
		case syscall.EFBIG:
			return ErrFBig
		case syscall.ENOSPC:
			return ErrNoSpace
		case syscall.EROFS:
			return ErrROFS
		case syscall.ENAMETOOLONG:
			return ErrNameTooLong
		case syscall.ENOTEMPTY:
			return ErrNotEmpty
		case syscall.EDQUOT:
			return ErrDquot
		case syscall.EXDEV:
			return ErrXDev
		case syscall.ENOTSUP:
			return ErrNotSupp
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotExist
	case errors.Is(err, fs.ErrPermission):
		return ErrPerm
	case errors.Is(err, fs.ErrExist):
		return ErrExist
	}
	return ErrIO
}
