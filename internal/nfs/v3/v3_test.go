package v3

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/reeffs/reef/internal/exports"
	"github.com/reeffs/reef/internal/handle"
	"github.com/reeffs/reef/internal/nfs/status"
	"github.com/reeffs/reef/internal/rpc"
	"github.com/reeffs/reef/internal/security"
	"github.com/reeffs/reef/internal/vfs"
	"github.com/reeffs/reef/internal/xdr"
)

// fixture wires a handler over a temp directory exported as /export.
type fixture struct {
	t       *testing.T
	handler *Handler
	hostDir string
	ctx     *security.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	fs, err := vfs.NewOSFS(dir)
	if err != nil {
		t.Fatalf("NewOSFS: %v", err)
	}
	registry, err := exports.NewRegistry([]*exports.Export{{Name: "/export", FS: fs}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	sec := security.NewManager(security.Config{AllowSys: true}, security.NewAudit(""))
	h := &Handler{
		Exports:   registry,
		Handles:   handle.NewTable(registry.Roots()),
		Cache:     handle.NewAttrCache(0), // disabled: tests mutate the tree directly
		Sec:       sec,
		ReadMax:   1 << 20,
		WriteMax:  1 << 20,
		WriteVerf: 0x1122334455667788,
	}

	return &fixture{
		t:       t,
		handler: h,
		hostDir: dir,
		ctx:     &security.Context{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), ClientIP: "10.0.0.1"},
	}
}

func (f *fixture) rootHandle() []byte {
	fh, err := f.handler.Handles.Issue("/export")
	if err != nil {
		f.t.Fatalf("root handle: %v", err)
	}
	return fh
}

func (f *fixture) writeHostFile(name, content string) {
	f.t.Helper()
	if err := os.WriteFile(filepath.Join(f.hostDir, name), []byte(content), 0o644); err != nil {
		f.t.Fatal(err)
	}
}

// call runs one procedure and returns the result bytes.
func (f *fixture) call(proc uint32, args []byte) []byte {
	f.t.Helper()
	result, accept := f.handler.Dispatch(f.ctx, proc, args)
	if accept != rpc.AcceptSuccess {
		f.t.Fatalf("proc %d: accept state %d", proc, accept)
	}
	return result
}

func lookupArgs(dirFH []byte, name string) []byte {
	var buf bytes.Buffer
	_ = xdr.PutOpaque(&buf, dirFH)
	_ = xdr.PutString(&buf, name)
	return buf.Bytes()
}

// The spec's LOOKUP scenario: a 13-byte file resolves with NFS3_OK, an
// object handle, and post-op attributes carrying size 13.
func TestLookupScenario(t *testing.T) {
	f := newFixture(t)
	f.writeHostFile("file1.txt", "hello, world!")

	result := f.call(ProcLookup, lookupArgs(f.rootHandle(), "file1.txt"))
	r := bytes.NewReader(result)

	st, _ := xdr.Uint32(r)
	if st != status.OK {
		t.Fatalf("status = %d, want NFS3_OK", st)
	}
	objFH, err := xdr.Opaque(r, 64)
	if err != nil || len(objFH) == 0 {
		t.Fatalf("object handle missing: %v", err)
	}

	present, _ := xdr.Bool(r)
	if !present {
		t.Fatal("post-op attributes absent")
	}
	ftype, _ := xdr.Uint32(r)
	if ftype != uint32(vfs.TypeRegular) {
		t.Errorf("type = %d, want regular", ftype)
	}
	// Skip mode, nlink, uid, gid to reach size.
	for i := 0; i < 4; i++ {
		_, _ = xdr.Uint32(r)
	}
	size, _ := xdr.Uint64(r)
	if size != 13 {
		t.Errorf("size = %d, want 13", size)
	}
}

func TestLookupNoEnt(t *testing.T) {
	f := newFixture(t)
	result := f.call(ProcLookup, lookupArgs(f.rootHandle(), "missing"))
	st := binary.BigEndian.Uint32(result[0:4])
	if st != status.ErrNoEnt {
		t.Fatalf("status = %d, want NFS3ERR_NOENT", st)
	}
}

// The spec's stale-handle scenario: after another client removes the
// file, GETATTR with the old handle answers NFS3ERR_STALE.
func TestStaleHandleScenario(t *testing.T) {
	f := newFixture(t)
	f.writeHostFile("victim.txt", "doomed")

	// Client A looks up the file and keeps the handle.
	result := f.call(ProcLookup, lookupArgs(f.rootHandle(), "victim.txt"))
	r := bytes.NewReader(result)
	_, _ = xdr.Uint32(r)
	victimFH, _ := xdr.Opaque(r, 64)

	// Client B removes it through the protocol.
	f.call(ProcRemove, lookupArgs(f.rootHandle(), "victim.txt"))

	// Client A's handle is now stale.
	var buf bytes.Buffer
	_ = xdr.PutOpaque(&buf, victimFH)
	result = f.call(ProcGetattr, buf.Bytes())
	if st := binary.BigEndian.Uint32(result[0:4]); st != status.ErrStale {
		t.Fatalf("status = %d, want NFS3ERR_STALE", st)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.writeHostFile("data.bin", "")

	lookupRes := f.call(ProcLookup, lookupArgs(f.rootHandle(), "data.bin"))
	r := bytes.NewReader(lookupRes)
	_, _ = xdr.Uint32(r)
	fh, _ := xdr.Opaque(r, 64)

	payload := []byte("stable write payload")
	var wargs bytes.Buffer
	_ = xdr.PutOpaque(&wargs, fh)
	_ = xdr.PutUint64(&wargs, 0)
	_ = xdr.PutUint32(&wargs, uint32(len(payload)))
	_ = xdr.PutUint32(&wargs, fileSync)
	_ = xdr.PutOpaque(&wargs, payload)

	wres := f.call(ProcWrite, wargs.Bytes())
	wr := bytes.NewReader(wres)
	st, _ := xdr.Uint32(wr)
	if st != status.OK {
		t.Fatalf("WRITE status = %d", st)
	}
	// Skip wcc_data: pre_op (bool + maybe 24 bytes), post_op.
	skipWcc(t, wr)
	count, _ := xdr.Uint32(wr)
	if count != uint32(len(payload)) {
		t.Fatalf("count = %d, want %d", count, len(payload))
	}
	committed, _ := xdr.Uint32(wr)
	if committed != fileSync {
		t.Fatalf("committed = %d, want FILE_SYNC", committed)
	}
	verf, _ := xdr.Uint64(wr)
	if verf != f.handler.WriteVerf {
		t.Fatal("write verifier not echoed")
	}

	var rargs bytes.Buffer
	_ = xdr.PutOpaque(&rargs, fh)
	_ = xdr.PutUint64(&rargs, 0)
	_ = xdr.PutUint32(&rargs, 100)
	rres := f.call(ProcRead, rargs.Bytes())
	rr := bytes.NewReader(rres)
	st, _ = xdr.Uint32(rr)
	if st != status.OK {
		t.Fatalf("READ status = %d", st)
	}
	skipPostOp(t, rr)
	n, _ := xdr.Uint32(rr)
	eof, _ := xdr.Bool(rr)
	data, _ := xdr.Opaque(rr, 1<<20)
	if int(n) != len(payload) || !bytes.Equal(data, payload) {
		t.Fatalf("read back %q (%d bytes)", data, n)
	}
	if !eof {
		t.Error("expected EOF at end of file")
	}
}

func TestReadDirPagination(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"alpha", "bravo", "charlie", "delta"} {
		f.writeHostFile(name, "x")
	}

	read := func(cookie uint64, verf uint64, count uint32) ([]string, uint64, bool) {
		var args bytes.Buffer
		_ = xdr.PutOpaque(&args, f.rootHandle())
		_ = xdr.PutUint64(&args, cookie)
		_ = xdr.PutUint64(&args, verf)
		_ = xdr.PutUint32(&args, count)

		res := f.call(ProcReaddir, args.Bytes())
		r := bytes.NewReader(res)
		st, _ := xdr.Uint32(r)
		if st != status.OK {
			t.Fatalf("READDIR status = %d", st)
		}
		skipPostOp(t, r)
		newVerf, _ := xdr.Uint64(r)

		var names []string
		var lastCookie uint64
		for {
			follows, _ := xdr.Bool(r)
			if !follows {
				break
			}
			_, _ = xdr.Uint64(r) // fileid
			name, _ := xdr.String(r, 255)
			lastCookie, _ = xdr.Uint64(r)
			names = append(names, name)
		}
		eof, _ := xdr.Bool(r)
		_ = newVerf
		return names, lastCookie, eof
	}

	// Small budget: the listing takes more than one call, and a cookie
	// resumes strictly after the last returned entry.
	names, cookie, eof := read(0, 0, 80)
	if eof {
		t.Fatal("expected a partial listing")
	}
	if len(names) == 0 {
		t.Fatal("no entries in first page")
	}

	// The verifier from a fresh read of the unchanged directory.
	_, _, _ = read(0, 0, 4096)
	rest, _, eof := read(cookie, dirVerifierOf(f), 4096)
	if !eof {
		t.Fatal("expected the rest in one page")
	}
	if len(names)+len(rest) != 4 {
		t.Fatalf("pages = %v + %v, want 4 total", names, rest)
	}
	for i := 1; i < len(rest); i++ {
		if rest[i-1] >= rest[i] {
			t.Error("entries not sorted")
		}
	}
}

func dirVerifierOf(f *fixture) uint64 {
	attr, err := f.handler.Exports.All()[0].FS.Stat(".")
	if err != nil {
		f.t.Fatal(err)
	}
	return dirVerifier(attr)
}

func TestCreateRemove(t *testing.T) {
	f := newFixture(t)

	var args bytes.Buffer
	_ = xdr.PutOpaque(&args, f.rootHandle())
	_ = xdr.PutString(&args, "made.txt")
	_ = xdr.PutUint32(&args, createUnchecked)
	// sattr3 with only mode set.
	_ = xdr.PutBool(&args, true)
	_ = xdr.PutUint32(&args, 0o600)
	for i := 0; i < 3; i++ { // uid, gid, size absent
		_ = xdr.PutBool(&args, false)
	}
	_ = xdr.PutUint32(&args, dontChange) // atime
	_ = xdr.PutUint32(&args, dontChange) // mtime

	res := f.call(ProcCreate, args.Bytes())
	if st := binary.BigEndian.Uint32(res[0:4]); st != status.OK {
		t.Fatalf("CREATE status = %d", st)
	}
	if _, err := os.Stat(filepath.Join(f.hostDir, "made.txt")); err != nil {
		t.Fatalf("file not created on host: %v", err)
	}

	res = f.call(ProcRemove, lookupArgs(f.rootHandle(), "made.txt"))
	if st := binary.BigEndian.Uint32(res[0:4]); st != status.OK {
		t.Fatalf("REMOVE status = %d", st)
	}
	if _, err := os.Stat(filepath.Join(f.hostDir, "made.txt")); !os.IsNotExist(err) {
		t.Fatal("file still on host after REMOVE")
	}
}

func TestReadOnlyExport(t *testing.T) {
	f := newFixture(t)
	f.handler.Exports.All()[0].ReadOnly = true
	f.writeHostFile("f", "data")

	var args bytes.Buffer
	_ = xdr.PutOpaque(&args, f.rootHandle())
	_ = xdr.PutString(&args, "new")
	_ = xdr.PutUint32(&args, createUnchecked)
	for i := 0; i < 4; i++ {
		_ = xdr.PutBool(&args, false)
	}
	_ = xdr.PutUint32(&args, dontChange)
	_ = xdr.PutUint32(&args, dontChange)

	res := f.call(ProcCreate, args.Bytes())
	if st := binary.BigEndian.Uint32(res[0:4]); st != status.ErrROFS {
		t.Fatalf("CREATE on read-only export = %d, want ROFS", st)
	}
}

func TestGarbageArgs(t *testing.T) {
	f := newFixture(t)
	_, accept := f.handler.Dispatch(f.ctx, ProcGetattr, []byte{1, 2})
	if accept != rpc.AcceptGarbageArgs {
		t.Fatalf("accept = %d, want GARBAGE_ARGS", accept)
	}
}

func TestProcUnavail(t *testing.T) {
	f := newFixture(t)
	_, accept := f.handler.Dispatch(f.ctx, 99, nil)
	if accept != rpc.AcceptProcUnavail {
		t.Fatalf("accept = %d, want PROC_UNAVAIL", accept)
	}
}

// skipPostOp consumes a post_op_attr.
func skipPostOp(t *testing.T, r *bytes.Reader) {
	t.Helper()
	present, _ := xdr.Bool(r)
	if present {
		if _, err := xdr.FixedOpaque(r, 84); err != nil {
			t.Fatalf("skip fattr3: %v", err)
		}
	}
}

// skipWcc consumes wcc_data.
func skipWcc(t *testing.T, r *bytes.Reader) {
	t.Helper()
	present, _ := xdr.Bool(r)
	if present {
		if _, err := xdr.FixedOpaque(r, 24); err != nil {
			t.Fatalf("skip pre_op: %v", err)
		}
	}
	skipPostOp(t, r)
}
